package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
)

// PersisterConfig holds configuration for the Persister.
type PersisterConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// savedShape is the transcript and ledger length last queued for a session.
type savedShape struct {
	messages int
	ledger   int
}

type persistJob struct {
	sessionID  string
	transcript Transcript
	remove     bool
}

// Persister saves transcripts as turns finalize. It is fed by engine
// notifications and writes on its own goroutine so listeners never block on
// the database.
type Persister struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	saved  map[string]savedShape
	queue  chan persistJob
	done   chan struct{}
}

// NewPersister starts a persister writing to repo.
func NewPersister(repo Repository, cfg PersisterConfig, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &Persister{
		repo:    repo,
		logger:  logger,
		timeout: cfg.WriteTimeout,
		now:     time.Now,
		saved:   make(map[string]savedShape),
		queue:   make(chan persistJob, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Listen is an engine.Listener. It queues a save whenever a settled session
// has a transcript or ledger that differs in length from the last one
// queued, and a delete when the session is removed.
func (p *Persister) Listen(n engine.Notification) {
	s := n.Session

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if n.Removed {
		delete(p.saved, n.SessionID)
		p.enqueueLocked(persistJob{sessionID: n.SessionID, remove: true})
		return
	}
	shape := savedShape{messages: len(s.Messages), ledger: len(s.DebugLedger)}
	if s.Streaming || s.Loading || len(s.Messages) == 0 {
		return
	}
	if last, ok := p.saved[n.SessionID]; ok && last == shape {
		return
	}
	if p.enqueueLocked(persistJob{sessionID: n.SessionID, transcript: Transcript{
		SessionID:   n.SessionID,
		Messages:    s.Messages,
		DebugLedger: s.DebugLedger,
		Plan:        lastPlan(s.Messages),
		UpdatedAt:   p.now(),
	}}) {
		p.saved[n.SessionID] = shape
	}
}

func (p *Persister) enqueueLocked(job persistJob) bool {
	select {
	case p.queue <- job:
		return true
	default:
		p.logger.Warn("transcript persist queue full, dropping write", "session_id", job.sessionID, "remove", job.remove)
		return false
	}
}

// lastPlan is the plan of the newest assistant message that carried one.
func lastPlan(msgs []domain.Message) *domain.Plan {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Plan != nil {
			return msgs[i].Plan
		}
	}
	return nil
}

func (p *Persister) run() {
	defer close(p.done)
	for job := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		var err error
		if job.remove {
			err = p.repo.DeleteSession(ctx, job.sessionID)
		} else {
			err = p.repo.SaveTranscript(ctx, job.transcript)
		}
		cancel()
		if err != nil {
			p.logger.Warn("failed to persist transcript", "session_id", job.sessionID, "remove", job.remove, "error", err)
		}
	}
}

// Close stops accepting notifications and waits for queued writes to drain
// or for ctx to end.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FallbackHistory loads history from Primary and falls back to Secondary
// when the primary fails or does not know the session.
type FallbackHistory struct {
	Primary   engine.HistoryLoader
	Secondary engine.HistoryLoader
	Logger    *slog.Logger
}

var _ engine.HistoryLoader = FallbackHistory{}

// History implements engine.HistoryLoader.
func (f FallbackHistory) History(ctx context.Context, sessionID string) (*domain.History, error) {
	hist, err := f.Primary.History(ctx, sessionID)
	if err == nil && hist != nil {
		return hist, nil
	}
	if err != nil && f.Logger != nil {
		f.Logger.Warn("primary history unavailable, using local transcript", "session_id", sessionID, "error", err)
	}

	local, localErr := f.Secondary.History(ctx, sessionID)
	switch {
	case localErr != nil:
		return nil, errors.Join(err, localErr)
	case local == nil && err != nil:
		return nil, err
	}
	return local, nil
}
