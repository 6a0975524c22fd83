package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/isoflow/internal/runtime/config"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/transport"
)

type orderPlaced struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type orderAccepted struct {
	ID string `json:"id"`
}

func testConfig() configpkg.Config {
	conf := configpkg.Config{
		RetryMaxRetries:      2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
	return conf.WithDefaults()
}

func newTestService(t *testing.T, conf configpkg.Config, deps ServiceDependencies) (*Service, *gochannel.GoChannel, *logging.Recorder) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 16}, watermill.NopLogger{})
	if deps.Transport == nil {
		deps.Transport = &transport.Transport{Publisher: pubSub, Subscriber: pubSub}
	}
	rec := logging.NewRecorder()
	svc, err := NewService(context.Background(), &conf, rec, deps)
	require.NoError(t, err)
	return svc, pubSub, rec
}

// startService runs svc until the test ends.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("router did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-done
		_ = svc.Close()
	})
}

func subscribe(t *testing.T, sub message.Subscriber, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := sub.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func publishRaw(t *testing.T, pub message.Publisher, topic string, payload string) {
	t.Helper()
	require.NoError(t, pub.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte(payload))))
}
