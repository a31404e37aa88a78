// Package relay publishes finalized turns over Redis pub/sub so other
// processes can follow sessions without sharing the engine.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "turnstream:session:"

// TurnEvent is the payload published for each finalized turn or removal.
type TurnEvent struct {
	SessionID string          `json:"session_id"`
	Version   uint64          `json:"version"`
	Removed   bool            `json:"removed,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher is the subset of *redis.Client the relay publishes with.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Config holds relay configuration.
type Config struct {
	Prefix         string
	QueueSize      int
	PublishTimeout time.Duration
}

// Relay is an engine listener that publishes finalized turns.
type Relay struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	closed    bool
	streaming map[string]bool
	queue     chan TurnEvent
	done      chan struct{}
}

// New starts a relay publishing through pub.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	r := &Relay{
		pub:       pub,
		prefix:    cfg.Prefix,
		timeout:   cfg.PublishTimeout,
		logger:    logger,
		now:       time.Now,
		streaming: make(map[string]bool),
		queue:     make(chan TurnEvent, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Channel returns the pub/sub channel of a session.
func (r *Relay) Channel(sessionID string) string {
	return r.prefix + sessionID
}

// Listen is an engine.Listener. It queues an event when a turn finalizes
// and when a session is removed.
func (r *Relay) Listen(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if n.Removed {
		delete(r.streaming, n.SessionID)
		r.enqueueLocked(TurnEvent{SessionID: n.SessionID, Version: n.Session.Version, Removed: true, At: r.now()})
		return
	}
	was := r.streaming[n.SessionID]
	r.streaming[n.SessionID] = n.Session.Streaming
	if !was || n.Session.Streaming {
		return
	}

	ev := TurnEvent{SessionID: n.SessionID, Version: n.Session.Version, At: r.now()}
	if last, ok := n.Session.LastMessage(); ok && last.Role == domain.RoleAssistant {
		ev.Message = &last
	}
	r.enqueueLocked(ev)
}

func (r *Relay) enqueueLocked(ev TurnEvent) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("relay queue full, dropping turn event", "session_id", ev.SessionID)
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.publish(ev); err != nil {
			r.logger.Warn("failed to relay turn", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (r *Relay) publish(ev TurnEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode turn event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.pub.Publish(ctx, r.Channel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.Channel(ev.SessionID), err)
	}
	return nil
}

// Close stops accepting notifications and waits for queued events to be
// published or for ctx to end.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe follows the turns of one session until ctx ends. Malformed
// payloads are reported as errors without ending the iteration.
func Subscribe(ctx context.Context, rdb *redis.Client, prefix, sessionID string) iter.Seq2[TurnEvent, error] {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return func(yield func(TurnEvent, error) bool) {
		sub := rdb.Subscribe(ctx, prefix+sessionID)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			yield(TurnEvent{}, fmt.Errorf("subscribe %s: %w", prefix+sessionID, err))
			return
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					yield(TurnEvent{}, errors.New("relay subscription closed"))
					return
				}
				var ev TurnEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					if !yield(TurnEvent{}, fmt.Errorf("decode turn event: %w", err)) {
						return
					}
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}
