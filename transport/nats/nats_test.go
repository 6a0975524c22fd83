package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/isoflow/transport"
	"github.com/drblury/isoflow/transport/transporttest"
)

func stubFactories(t *testing.T) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
}

func applied(t *testing.T, opts []nc.Option) nc.Options {
	t.Helper()
	o := nc.GetDefaultOptions()
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	return o
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.Equal(t, "nats", transport.GetCapabilities(TransportName).Name)
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestOptions_ClientName(t *testing.T) {
	o := applied(t, Options(&transporttest.Config{}))
	assert.Equal(t, DefaultClientName, o.Name)
	assert.True(t, o.RetryOnFailedConnect)

	o = applied(t, Options(&transporttest.Config{NATSClientName: "reconciler-1"}))
	assert.Equal(t, "reconciler-1", o.Name)
}

func TestBuild_DisablesJetStream(t *testing.T) {
	stubFactories(t)

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, "nats://localhost:4222", cfg.URL)
		assert.True(t, cfg.JetStream.Disabled)
		assert.NotEmpty(t, cfg.NatsOptions)
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.True(t, cfg.JetStream.Disabled)
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func TestBuild_FactoryFailures(t *testing.T) {
	stubFactories(t)
	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	pub := &transporttest.Publisher{}
	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
	assert.True(t, pub.Closed)
}
