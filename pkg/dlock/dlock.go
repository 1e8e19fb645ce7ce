// Package dlock provides distributed mutexes backed by etcd, used to
// serialize writes to the same campaign across gateway replicas.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("dlock: already held")

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  int // seconds; lock leases expire if the holder dies
	Prefix      string
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 15
	}
	if c.Prefix == "" {
		c.Prefix = "/couponledger/locks"
	}
	return c
}

// Manager owns one etcd session whose lease backs every lock it hands out.
type Manager struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	logger  zerolog.Logger
}

// New connects to etcd and opens the lease session.
func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	return &Manager{
		client:  client,
		session: session,
		prefix:  cfg.Prefix,
		logger:  logger.With().Str("component", "dlock").Logger(),
	}, nil
}

// Lock is a held distributed mutex.
type Lock struct {
	mu  *concurrency.Mutex
	key string
}

// Key returns the etcd key the lock is held under.
func (l *Lock) Key() string { return l.key }

// Release unlocks the mutex.
func (l *Lock) Release(ctx context.Context) error {
	return l.mu.Unlock(ctx)
}

// Acquire blocks until the named lock is held or ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := path.Join(m.prefix, name)
	mu := concurrency.NewMutex(m.session, key)
	if err := mu.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return &Lock{mu: mu, key: key}, nil
}

// TryAcquire attempts the named lock without waiting.
func (m *Manager) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	key := path.Join(m.prefix, name)
	mu := concurrency.NewMutex(m.session, key)
	err := mu.TryLock(ctx)
	if errors.Is(err, concurrency.ErrLocked) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return &Lock{mu: mu, key: key}, nil
}

// WithLock runs fn while holding the named lock.
func (m *Manager) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	lock, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		// Unlock with a fresh timeout so a cancelled ctx cannot strand the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			m.logger.Error().Err(err).Str("key", lock.Key()).Msg("failed to release lock")
		}
	}()

	return fn(ctx)
}

// Close tears down the session and connection. Locks held by this
// manager are released when the session lease expires.
func (m *Manager) Close() error {
	var first error
	if err := m.session.Close(); err != nil {
		first = err
	}
	if err := m.client.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
