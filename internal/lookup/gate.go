// Package lookup gates the paid lookup behind term validation, the
// protection list, and the credit ledger.
//
// The load-bearing rule is "commit only on confirmed value delivered": a
// credit is charged only after the upstream returned a non-empty result.
// Upstream failures and empty results never touch quota.
package lookup

import (
	"context"
	"errors"
	"fmt"

	"lookupbot/internal/quota"
	logx "lookupbot/pkg/logx"
)

var (
	// ErrProtected denies terms on the protection list. Checked before
	// quota and unconditional: it overrides unlimited status.
	ErrProtected = errors.New("term is protected")

	// ErrNoResults reports an empty upstream result set. No quota commit
	// occurs; credits are never spent on a non-answer.
	ErrNoResults = errors.New("no data found")
)

// Registry is the protected-term registry port.
type Registry interface {
	IsProtected(ctx context.Context, term string) (bool, error)
}

// Fetcher is the upstream lookup port.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]Record, error)
}

// Ledger is the slice of the quota ledger the gate needs.
type Ledger interface {
	CheckAndReserve(ctx context.Context, userID int64) (quota.Balance, error)
	CommitConsumption(ctx context.Context, userID int64) (quota.Receipt, error)
}

// Recorder receives outcome counters. *metrics.Collector satisfies it.
type Recorder interface {
	RecordLookup(outcome string)
	RecordCreditConsumed()
}

// SearchResult is a delivered, charged lookup.
type SearchResult struct {
	Term    string
	Records []Record
	Receipt quota.Receipt
}

type Gate struct {
	registry Registry
	ledger   Ledger
	fetcher  Fetcher
	rec      Recorder
	log      logx.Logger
}

func NewGate(registry Registry, ledger Ledger, fetcher Fetcher, rec Recorder, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{registry: registry, ledger: ledger, fetcher: fetcher, rec: rec, log: log}
}

// Search runs the gated lookup sequence, short-circuiting on the first
// failure. The returned error is always one of the classified kinds:
// ErrInvalidTerm, ErrProtected, quota.ErrNoCredits, quota.ErrStoreUnavailable,
// ErrUpstream, ErrNoResults.
func (g *Gate) Search(ctx context.Context, userID int64, rawTerm string) (*SearchResult, error) {
	term, err := NormalizeTerm(rawTerm)
	if err != nil {
		g.record("invalid")
		return nil, err
	}

	// Protection overrides everything, including unlimited status, and is
	// checked before quota is touched. A registry failure denies: this is
	// a policy read, so deny-by-default applies the same as quota.
	protected, err := g.registry.IsProtected(ctx, term)
	if err != nil {
		g.record("store_error")
		return nil, quotaStoreErr(err)
	}
	if protected {
		g.record("protected")
		return nil, ErrProtected
	}

	if _, err := g.ledger.CheckAndReserve(ctx, userID); err != nil {
		if errors.Is(err, quota.ErrNoCredits) {
			g.record("no_credits")
		} else {
			g.record("store_error")
		}
		return nil, err
	}

	records, err := g.fetcher.Fetch(ctx, term)
	if err != nil {
		g.record("upstream_error")
		g.log.Warn("upstream fetch failed", logx.Int64("user", userID), logx.Err(err))
		return nil, err
	}
	if len(records) == 0 {
		g.record("empty")
		return nil, ErrNoResults
	}

	// Value confirmed: commit the consumption now.
	receipt, err := g.ledger.CommitConsumption(ctx, userID)
	if err != nil {
		// The result is already in hand; surface it anyway and let the
		// ledger's deny-by-default apply to the NEXT request.
		g.log.Warn("consumption commit failed after delivery", logx.Int64("user", userID), logx.Err(err))
		receipt = quota.Receipt{}
	}
	if receipt.Charged {
		if g.rec != nil {
			g.rec.RecordCreditConsumed()
		}
	}
	g.record("ok")

	return &SearchResult{Term: term, Records: records, Receipt: receipt}, nil
}

func (g *Gate) record(outcome string) {
	if g.rec != nil {
		g.rec.RecordLookup(outcome)
	}
}

func quotaStoreErr(err error) error {
	return fmt.Errorf("%w: %w", quota.ErrStoreUnavailable, err)
}
