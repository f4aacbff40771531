package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lookupbot/internal/storage"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

type Config struct {
	// PerRecipientDelay paces outbound sends to stay under the transport's
	// throughput ceiling. Default 150ms.
	PerRecipientDelay time.Duration
	// ProgressInterval throttles progress emission independently of
	// recipient delivery. Default 2s.
	ProgressInterval time.Duration
}

// Population enumerates the recipient user set. *storage.Store satisfies it.
type Population interface {
	ForEachUser(ctx context.Context, fn func(storage.UserRecord) error) error
	CountUsers(ctx context.Context) (int, error)
}

// Sender is the outbound slice of the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendMedia(ctx context.Context, to kit.ChatTarget, media kit.MediaItem, caption string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Recorder receives delivery counters. *metrics.Collector satisfies it.
type Recorder interface {
	RecordBroadcastSend(result string)
}

// Service owns the single-flight broadcast slot and the job registry.
type Service struct {
	mu  sync.Mutex
	cfg Config

	pop    Population
	sender Sender
	rec    Recorder
	log    logx.Logger

	active *Job
	jobs   map[string]*Job
	runWG  sync.WaitGroup
}

func New(cfg Config, pop Population, sender Sender, rec Recorder, log logx.Logger) *Service {
	if cfg.PerRecipientDelay <= 0 {
		cfg.PerRecipientDelay = 150 * time.Millisecond
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		pop:    pop,
		sender: sender,
		rec:    rec,
		log:    log,
		jobs:   map[string]*Job{},
	}
}

// Apply updates pacing knobs at runtime. An in-flight job keeps the pacing
// it started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.PerRecipientDelay > 0 {
		s.cfg.PerRecipientDelay = cfg.PerRecipientDelay
	}
	if cfg.ProgressInterval > 0 {
		s.cfg.ProgressInterval = cfg.ProgressInterval
	}
}

// Start opens a new job and snapshots the population count. It refuses with
// ErrJobActive while another job is awaiting content or running; jobs are
// never queued.
func (s *Service) Start(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.State().Active() {
		return nil, ErrJobActive
	}

	total, err := s.pop.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	job := &Job{ID: uuid.NewString(), createdAt: time.Now()}
	job.mu.Lock()
	job.total = total
	job.mu.Unlock()
	job.state.Store(int32(StateAwaitingContent))

	s.pruneLocked(time.Now())
	s.jobs[job.ID] = job
	s.active = job

	s.log.Info("broadcast job opened", logx.String("job", job.ID), logx.Int("total", total))
	return job, nil
}

// SupplyContent captures the payload for the awaiting job and begins
// delivery. The payload is immutable for the duration of the job.
func (s *Service) SupplyContent(ctx context.Context, payload Payload, progress ProgressFunc) (*Job, error) {
	s.mu.Lock()
	job := s.active
	delay := s.cfg.PerRecipientDelay
	interval := s.cfg.ProgressInterval
	s.mu.Unlock()

	if job == nil {
		return nil, ErrNoActiveJob
	}
	if !job.tryTransition(StateAwaitingContent, StateRunning) {
		return nil, ErrNoActiveJob
	}

	job.mu.Lock()
	job.payload = payload
	job.startedAt = time.Now()
	job.mu.Unlock()

	s.runWG.Add(1)
	go s.run(ctx, job, delay, interval, progress)
	return job, nil
}

// Cancel requests cooperative cancellation of the active job. The delivery
// loop observes it between recipients; messages already sent are not
// retracted. Cancelling twice is a no-op.
func (s *Service) Cancel() error {
	s.mu.Lock()
	job := s.active
	s.mu.Unlock()

	if job == nil {
		return ErrNoActiveJob
	}
	if job.tryTransition(StateAwaitingContent, StateCancelled) {
		// Never started delivering; release the slot immediately.
		s.clearActive(job)
		s.log.Info("broadcast cancelled before content", logx.String("job", job.ID))
		return nil
	}
	if job.tryTransition(StateRunning, StateCancelled) {
		s.log.Info("broadcast cancellation requested", logx.String("job", job.ID))
		return nil
	}
	// Already cancelled or finished.
	return nil
}

// Snapshot returns the active job's progress, if any.
func (s *Service) Snapshot() (Progress, bool) {
	s.mu.Lock()
	job := s.active
	s.mu.Unlock()
	if job == nil {
		return Progress{}, false
	}
	return job.Progress(), true
}

// Status looks up any job in the registry by id.
func (s *Service) Status(jobID string) (Progress, bool) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return job.Progress(), true
}

// Stop cancels any active job and waits for the delivery loop to drain,
// bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	_ = s.Cancel()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) clearActive(job *Job) {
	s.mu.Lock()
	if s.active == job {
		s.active = nil
	}
	s.mu.Unlock()
}
