// Package quota implements the credit ledger: the rules for granting,
// consuming, and overriding per-user lookup credits.
//
// The ledger does no I/O of its own beyond the Store port. A store failure
// is always a denial, never an implicit allow.
package quota

import (
	"context"
	"errors"
	"fmt"

	"lookupbot/internal/storage"
	logx "lookupbot/pkg/logx"
)

var (
	// ErrNoCredits is returned by CheckAndReserve when the balance is
	// exhausted and the user is not unlimited.
	ErrNoCredits = errors.New("no credits left")

	// ErrStoreUnavailable wraps store failures. Callers must treat it as
	// deny-by-default.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the persistence port the ledger operates on.
// *storage.Store satisfies it.
type Store interface {
	GetUser(ctx context.Context, id int64) (*storage.UserRecord, error)
	EnsureUser(ctx context.Context, id int64) (*storage.UserRecord, bool, error)
	ConsumeCredit(ctx context.Context, id int64) (consumed bool, remaining int, err error)
	GrantCredit(ctx context.Context, id int64, day string, amount int) (bool, error)
	SetUnlimited(ctx context.Context, id int64, on bool) error
	AdjustCredits(ctx context.Context, id int64, delta int) (int, error)
}

// Balance is the decision-relevant slice of a user record.
type Balance struct {
	Unlimited bool
	Credits   int
}

// Receipt reports the outcome of a consumption commit.
//
// Charged is false for unlimited users (no charge by design) and for void
// commits, where a concurrent request drained the last credit between check
// and commit. A void commit means the already-delivered lookup was a loss
// leader; it is reported, not raised.
type Receipt struct {
	Charged   bool
	Unlimited bool
	Remaining int
}

type Ledger struct {
	store Store
	log   logx.Logger
}

func NewLedger(store Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log}
}

// EnsureEnrolled creates the user record with default state on first
// interaction and reports whether it was newly created.
func (l *Ledger) EnsureEnrolled(ctx context.Context, userID int64) (Balance, bool, error) {
	u, created, err := l.store.EnsureUser(ctx, userID)
	if err != nil {
		return Balance{}, false, storeErr(err)
	}
	return Balance{Unlimited: u.Unlimited, Credits: u.Credits}, created, nil
}

// CheckAndReserve decides whether a lookup may proceed. No credit is
// mutated here; the decrement happens only in CommitConsumption once a
// non-empty result has been delivered.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID int64) (Balance, error) {
	u, _, err := l.store.EnsureUser(ctx, userID)
	if err != nil {
		return Balance{}, storeErr(err)
	}
	b := Balance{Unlimited: u.Unlimited, Credits: u.Credits}
	if u.Unlimited {
		return b, nil
	}
	if u.Credits > 0 {
		return b, nil
	}
	return b, ErrNoCredits
}

// CommitConsumption charges one credit for a confirmed successful lookup.
// The decrement is a conditional update at the store, so two concurrent
// lookups for the same user cannot both succeed past zero.
func (l *Ledger) CommitConsumption(ctx context.Context, userID int64) (Receipt, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Receipt{}, storeErr(err)
	}
	if u.Unlimited {
		return Receipt{Unlimited: true, Remaining: u.Credits}, nil
	}

	consumed, remaining, err := l.store.ConsumeCredit(ctx, userID)
	if err != nil {
		return Receipt{}, storeErr(err)
	}
	if !consumed {
		// Raced to zero between check and commit: the lookup was already
		// delivered, so the consumption is void.
		l.log.Warn("consumption void, balance drained between check and commit",
			logx.Int64("user", userID))
	}
	return Receipt{Charged: consumed, Remaining: remaining}, nil
}

// GrantIfDue applies the daily free-credit grant for the given calendar day.
// Safe to call redundantly: the store condition makes it a no-op when the
// day was already granted.
func (l *Ledger) GrantIfDue(ctx context.Context, userID int64, day string, amount int) (bool, error) {
	granted, err := l.store.GrantCredit(ctx, userID, day, amount)
	if err != nil {
		return false, storeErr(err)
	}
	return granted, nil
}

// SetUnlimited flips the unlimited override, creating the record if absent.
func (l *Ledger) SetUnlimited(ctx context.Context, userID int64, on bool) error {
	if err := l.store.SetUnlimited(ctx, userID, on); err != nil {
		return storeErr(err)
	}
	l.log.Info("unlimited override changed", logx.Int64("user", userID), logx.Bool("on", on))
	return nil
}

// AdjustCredits applies an administrative delta, upserting on absent.
func (l *Ledger) AdjustCredits(ctx context.Context, userID int64, delta int) (int, error) {
	remaining, err := l.store.AdjustCredits(ctx, userID, delta)
	if err != nil {
		return 0, storeErr(err)
	}
	l.log.Info("credits adjusted", logx.Int64("user", userID), logx.Int("delta", delta), logx.Int("remaining", remaining))
	return remaining, nil
}

// Balance reads the current balance without touching it.
func (l *Ledger) Balance(ctx context.Context, userID int64) (Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Balance{}, err
		}
		return Balance{}, storeErr(err)
	}
	return Balance{Unlimited: u.Unlimited, Credits: u.Credits}, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
