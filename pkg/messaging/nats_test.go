package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	t.Run("zero config gets defaults", func(t *testing.T) {
		cfg := Config{}.withDefaults()

		assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
		assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
		assert.Equal(t, 10, cfg.MaxReconnects)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		cfg := Config{
			URL:           "nats://broker:4222",
			Name:          "ledger",
			ReconnectWait: time.Minute,
		}.withDefaults()

		assert.Equal(t, "nats://broker:4222", cfg.URL)
		assert.Equal(t, "ledger", cfg.Name)
		assert.Equal(t, time.Minute, cfg.ReconnectWait)
	})
}

func TestDisconnectedClient(t *testing.T) {
	// Exercises the guard paths; a live broker is needed for the rest.
	c := &Client{subs: make(map[string]*nats.Subscription)}

	err := c.Publish(context.Background(), "ledger.test", map[string]string{"k": "v"})
	assert.Error(t, err, "publish without a connection should fail")

	_, err = c.Request(context.Background(), "ledger.test", nil, time.Second)
	assert.Error(t, err, "request without a connection should fail")

	err = c.Unsubscribe("ledger.test")
	assert.Error(t, err, "unsubscribing an unknown key should fail")

	assert.False(t, c.IsConnected())
	assert.Zero(t, c.Reconnects())
}
