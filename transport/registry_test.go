package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetNATSClientName() string     { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }

type mockPublisher struct {
	closeErr error
	closed   bool
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed = true
	return m.closeErr
}

type mockSubscriber struct {
	closeErr error
	closed   bool
}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}
func (m *mockSubscriber) Close() error {
	m.closed = true
	return m.closeErr
}

func okBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistry_RegisterAndHas(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())
	assert.False(t, reg.Has("test-transport"))

	reg.Register("test-transport", okBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.False(t, reg.Has("other"))
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("test-transport", okBuilder, Capabilities{Name: "test-transport", SupportsNativeDLQ: true})

	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", okBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistry_BuildFailures(t *testing.T) {
	reg := NewRegistry()
	builderErr := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, builderErr
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "missing"}, nil)
	assert.ErrorContains(t, err, `unknown transport "missing"`)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, builderErr)
	assert.ErrorContains(t, err, "opening failing feed")
}

func TestRegistry_NamesAreCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("Kafka", okBuilder, Capabilities{SupportsPartitioning: true})

	assert.True(t, reg.Has("KAFKA"))
	assert.Equal(t, []string{"kafka"}, reg.Names())
	caps := reg.GetCapabilities(" kafka ")
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "KaFkA"}, nil)
	require.NoError(t, err)
}

func TestRegistry_ReRegisterKeepsCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("nats", okBuilder, NATSCapabilities)
	reg.Register("nats", okBuilder)

	assert.Equal(t, NATSCapabilities, reg.GetCapabilities("nats"))
}

func TestRegistry_BuildRejectsOneSidedFeed(t *testing.T) {
	reg := NewRegistry()
	pub := &mockPublisher{}
	reg.Register("publish-only", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub}, nil
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "publish-only"}, nil)
	assert.ErrorContains(t, err, "must provide a publisher and a subscriber")
	assert.True(t, pub.closed)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("nats", okBuilder)
	reg.Register("channel", okBuilder)
	reg.Register("kafka", okBuilder)

	assert.Equal(t, []string{"channel", "kafka", "nats"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistration(t *testing.T) {
	Register("test-pkg-transport", okBuilder)
	RegisterWithCapabilities("test-pkg-caps", okBuilder, Capabilities{Name: "test-pkg-caps", SupportsNack: true})

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-caps").SupportsNack)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}
