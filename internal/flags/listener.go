package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// watchdogInterval bounds how long the listener tolerates silence before
// pinging the subscription connection.
const watchdogInterval = 60 * time.Second

type updateEvent struct {
	Type     string `json:"type"`
	Flag     string `json:"flag"`
	TenantID string `json:"tenant_id"`
}

// Listener subscribes to the flag update channel and invalidates the
// store's cache. One listener per process; Start is idempotent.
type Listener struct {
	rdb   redis.UniversalClient
	store *Store

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	handlers []func(updateEvent)
}

// NewListener binds a store to the update channel.
func NewListener(rdb redis.UniversalClient, store *Store) *Listener {
	return &Listener{rdb: rdb, store: store, done: make(chan struct{})}
}

// OnUpdate registers an extra callback for flag updates, e.g. to re-read
// configuration that depends on a flag. Must be called before Start.
func (l *Listener) OnUpdate(fn func(flag, tenantID string)) {
	l.mu.Lock()
	l.handlers = append(l.handlers, func(ev updateEvent) { fn(ev.Flag, ev.TenantID) })
	l.mu.Unlock()
}

// Start launches the subscribe loop. Reconnects forever with jittered
// exponential backoff; a reconnect empties the cache since events may
// have been missed while disconnected.
func (l *Listener) Start(ctx context.Context) {
	l.once.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.run(ctx)
	})
}

// Stop cancels the subscribe loop and waits for it to exit.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			l.store.InvalidateAll()
		}
		first = false

		if err := l.subscribeGuarded(ctx); err != nil && ctx.Err() == nil {
			wait := policy.NextBackOff()
			slog.Warn("flag update subscription lost, reconnecting",
				slog.Any("error", err),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		if ctx.Err() == nil {
			policy.Reset()
		}
	}
}

// subscribeGuarded shields the run loop from panics; a crashed subscription
// cycle surfaces as an error and reconnects instead of killing the listener.
func (l *Listener) subscribeGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flag update listener panicked: %v", r)
		}
	}()
	return l.subscribe(ctx)
}

// subscribe holds one pub/sub connection until it breaks or ctx ends.
func (l *Listener) subscribe(ctx context.Context) error {
	pubsub := l.rdb.Subscribe(ctx, UpdatesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	slog.Info("flag update listener subscribed", slog.String("channel", UpdatesChannel))

	ch := pubsub.Channel()
	watchdog := time.NewTimer(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(watchdogInterval)
			l.dispatch(msg.Payload)
		case <-watchdog.C:
			if err := pubsub.Ping(ctx); err != nil {
				return err
			}
			watchdog.Reset(watchdogInterval)
		}
	}
}

func (l *Listener) dispatch(payload string) {
	var ev updateEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("unparseable flag update", slog.String("payload", payload))
		return
	}
	if ev.Flag == "" {
		l.store.InvalidateAll()
	} else {
		l.store.Invalidate(ev.Flag)
	}

	l.mu.Lock()
	handlers := make([]func(updateEvent), len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
