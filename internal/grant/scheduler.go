// Package grant runs the once-per-day free-credit grant over the whole
// user population.
//
// The pass is single-flight: a tick that fires while the previous pass is
// still running is skipped, same discipline as the broadcaster. Per-user
// failures (store errors, notification failures) are counted and swallowed
// so one user never blocks the rest of the population.
package grant

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"lookupbot/internal/storage"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Hour     int
	Minute   int
	Location *time.Location
	// Amount added per user per day. Default 1.
	Amount int
	// Notify controls whether granted users get a message.
	Notify bool
}

// Ledger is the slice of the quota ledger the scheduler needs.
type Ledger interface {
	GrantIfDue(ctx context.Context, userID int64, day string, amount int) (bool, error)
}

// Population enumerates users. *storage.Store satisfies it.
type Population interface {
	ForEachUser(ctx context.Context, fn func(storage.UserRecord) error) error
}

// Notifier is the outbound slice of the transport adapter.
type Notifier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Recorder receives grant counters. *metrics.Collector satisfies it.
type Recorder interface {
	RecordCreditsGranted(n int)
}

// Stats summarizes one grant pass.
type Stats struct {
	Visited      int
	Granted      int
	StoreErrors  int
	NotifyFailed int
}

type Service struct {
	cfg    Config
	ledger Ledger
	pop    Population
	nf     Notifier
	rec    Recorder
	log    logx.Logger

	c       *cron.Cron
	running atomic.Bool
}

func New(cfg Config, ledger Ledger, pop Population, nf Notifier, rec Recorder, log logx.Logger) *Service {
	if cfg.Amount <= 0 {
		cfg.Amount = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, ledger: ledger, pop: pop, nf: nf, rec: rec, log: log}
}

// Start registers the daily trigger at the configured local wall-clock time.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("daily grant disabled")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))

	spec := fmt.Sprintf("%d %d * * *", s.cfg.Minute, s.cfg.Hour)
	if _, err := s.c.AddFunc(spec, func() {
		if _, err := s.RunNow(ctx); err != nil {
			s.log.Warn("daily grant pass failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("register daily grant: %w", err)
	}

	s.c.Start()
	s.log.Info("daily grant scheduled",
		logx.String("at", fmt.Sprintf("%02d:%02d", s.cfg.Hour, s.cfg.Minute)),
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("amount", s.cfg.Amount))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
}

// RunNow executes one grant pass immediately. It is the cron target and is
// also exposed for the operator command. Single-flight: a pass that would
// overlap the previous one is skipped.
func (s *Service) RunNow(ctx context.Context) (Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("grant pass skipped, previous pass still running")
		return Stats{}, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	day := start.In(s.cfg.Location).Format(storage.DayFormat)

	var (
		stats   Stats
		granted []int64
	)
	err := s.pop.ForEachUser(ctx, func(u storage.UserRecord) error {
		stats.Visited++
		ok, err := s.ledger.GrantIfDue(ctx, u.ID, day, s.cfg.Amount)
		if err != nil {
			// Per-user isolation: count and keep going.
			stats.StoreErrors++
			s.log.Debug("grant failed", logx.Int64("user", u.ID), logx.Err(err))
			return nil
		}
		if ok {
			stats.Granted++
			granted = append(granted, u.ID)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("grant pass cursor: %w", err)
	}

	if s.rec != nil && stats.Granted > 0 {
		s.rec.RecordCreditsGranted(stats.Granted * s.cfg.Amount)
	}

	// Notify after the whole population has been granted, so a slow or
	// failing send never delays anyone's credit. Failures are swallowed.
	if s.cfg.Notify && s.nf != nil {
		limiter := rate.NewLimiter(rate.Limit(10), 10)
		text := fmt.Sprintf("🎁 Daily bonus: +%d credit", s.cfg.Amount)
		for _, id := range granted {
			if ctx.Err() != nil {
				break
			}
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			if _, err := s.nf.SendText(ctx, kit.ChatTarget{ChatID: id}, text, nil); err != nil {
				stats.NotifyFailed++
			}
		}
	}

	s.log.Info("grant pass finished",
		logx.String("day", day),
		logx.Int("visited", stats.Visited),
		logx.Int("granted", stats.Granted),
		logx.Int("store_errors", stats.StoreErrors),
		logx.Int("notify_failed", stats.NotifyFailed),
		logx.Duration("dur", time.Since(start)))
	return stats, nil
}
