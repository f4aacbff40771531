package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"lookupbot/internal/storage"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

// run is the delivery loop. It iterates the user population with a live
// cursor, strictly sequentially: pacing stays under the transport's rate
// limit and cancellation points are deterministic.
func (s *Service) run(ctx context.Context, job *Job, delay, progressInterval time.Duration, progress ProgressFunc) {
	defer s.runWG.Done()
	defer s.clearActive(job)

	start := time.Now()
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	progLimiter := rate.NewLimiter(rate.Every(progressInterval), 1)

	s.log.Info("broadcast delivery started",
		logx.String("job", job.ID), logx.Int("total", job.Progress().Total))

	err := s.pop.ForEachUser(ctx, func(u storage.UserRecord) error {
		// Cancellation is observed here, between recipients, never
		// mid-send.
		if job.State() != StateRunning {
			return storage.ErrStopIteration
		}

		if err := s.deliver(ctx, u.ID, job); err != nil {
			// Per-recipient failure: counted, never propagated.
			job.markFailed()
			if s.rec != nil {
				s.rec.RecordBroadcastSend("fail")
			}
			s.log.Debug("broadcast send failed", logx.String("job", job.ID), logx.Int64("user", u.ID), logx.Err(err))
		} else {
			job.markSent()
			if s.rec != nil {
				s.rec.RecordBroadcastSend("ok")
			}
		}

		// Fixed pacing after each attempt.
		if err := limiter.Wait(ctx); err != nil {
			job.tryTransition(StateRunning, StateCancelled)
			return storage.ErrStopIteration
		}

		if progLimiter.Allow() {
			s.emitProgress(job, progress)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("population cursor failed mid-broadcast", logx.String("job", job.ID), logx.Err(err))
	}

	finished := job.tryTransition(StateRunning, StateFinished)
	job.mu.Lock()
	job.doneAt = time.Now()
	job.mu.Unlock()

	// Final snapshot is always emitted, cancelled or not.
	s.emitProgress(job, progress)

	p := job.Progress()
	fields := []logx.Field{
		logx.String("job", job.ID),
		logx.Bool("cancelled", !finished),
		logx.Int("sent", p.Sent),
		logx.Int("failed", p.Failed),
		logx.Int("total", p.Total),
		logx.Duration("dur", time.Since(start)),
	}
	if p.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
}

func (s *Service) deliver(ctx context.Context, userID int64, job *Job) error {
	to := kit.ChatTarget{ChatID: userID}
	job.mu.Lock()
	payload := job.payload
	job.mu.Unlock()

	var err error
	if payload.Media != nil {
		_, err = s.sender.SendMedia(ctx, to, *payload.Media, payload.Caption, nil)
	} else {
		_, err = s.sender.SendText(ctx, to, payload.Text, nil)
	}
	return err
}

// emitProgress delivers a snapshot to the progress callback. Callback
// panics and failures are swallowed; progress is best-effort by contract.
func (s *Service) emitProgress(job *Job, progress ProgressFunc) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Debug("progress emission panicked", logx.String("job", job.ID), logx.Any("panic", r))
		}
	}()
	progress(job.Progress())
}
