package quota

import (
	"context"
	"errors"
	"testing"

	"lookupbot/internal/storage"
	logx "lookupbot/pkg/logx"
)

// fakeStore is an in-memory Store with per-method fault injection.
type fakeStore struct {
	users map[int64]*storage.UserRecord
	fail  error

	consumeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int64]*storage.UserRecord{}}
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*storage.UserRecord, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	u, ok := f.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) EnsureUser(_ context.Context, id int64) (*storage.UserRecord, bool, error) {
	if f.fail != nil {
		return nil, false, f.fail
	}
	if u, ok := f.users[id]; ok {
		cp := *u
		return &cp, false, nil
	}
	u := &storage.UserRecord{ID: id, Credits: 2}
	f.users[id] = u
	cp := *u
	return &cp, true, nil
}

func (f *fakeStore) ConsumeCredit(_ context.Context, id int64) (bool, int, error) {
	if f.fail != nil {
		return false, 0, f.fail
	}
	f.consumeCalls++
	u, ok := f.users[id]
	if !ok || u.Unlimited || u.Credits <= 0 {
		remaining := 0
		if ok {
			remaining = u.Credits
		}
		return false, remaining, nil
	}
	u.Credits--
	return true, u.Credits, nil
}

func (f *fakeStore) GrantCredit(_ context.Context, id int64, day string, amount int) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	u, ok := f.users[id]
	if !ok {
		return false, nil
	}
	if u.LastGrantDate == day {
		return false, nil
	}
	u.Credits += amount
	u.LastGrantDate = day
	return true, nil
}

func (f *fakeStore) SetUnlimited(_ context.Context, id int64, on bool) error {
	if f.fail != nil {
		return f.fail
	}
	u, ok := f.users[id]
	if !ok {
		u = &storage.UserRecord{ID: id, Credits: 2}
		f.users[id] = u
	}
	u.Unlimited = on
	return nil
}

func (f *fakeStore) AdjustCredits(_ context.Context, id int64, delta int) (int, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	u, ok := f.users[id]
	if !ok {
		u = &storage.UserRecord{ID: id, Credits: 2}
		f.users[id] = u
	}
	u.Credits += delta
	if u.Credits < 0 {
		u.Credits = 0
	}
	return u.Credits, nil
}

func TestCheckAndReserve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLedger(fs, logx.Nop())

	// First contact enrolls with default credits; the check passes.
	b, err := l.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if b.Credits != 2 || b.Unlimited {
		t.Fatalf("balance = %+v, want 2 credits", b)
	}

	fs.users[1].Credits = 0
	if _, err := l.CheckAndReserve(ctx, 1); !errors.Is(err, ErrNoCredits) {
		t.Fatalf("exhausted check: got %v, want ErrNoCredits", err)
	}

	// Unlimited bypasses the balance entirely.
	fs.users[1].Unlimited = true
	b, err = l.CheckAndReserve(ctx, 1)
	if err != nil {
		t.Fatalf("unlimited check: %v", err)
	}
	if !b.Unlimited {
		t.Fatalf("balance = %+v, want unlimited", b)
	}
}

func TestCheckAndReserveStoreFailure(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.fail = errors.New("disk gone")
	l := NewLedger(fs, logx.Nop())

	_, err := l.CheckAndReserve(context.Background(), 1)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestCommitConsumption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLedger(fs, logx.Nop())

	if _, _, err := l.EnsureEnrolled(ctx, 1); err != nil {
		t.Fatalf("EnsureEnrolled: %v", err)
	}

	r, err := l.CommitConsumption(ctx, 1)
	if err != nil {
		t.Fatalf("CommitConsumption: %v", err)
	}
	if !r.Charged || r.Remaining != 1 {
		t.Fatalf("receipt = %+v, want charged with 1 remaining", r)
	}
}

func TestCommitConsumptionUnlimitedSkipsCharge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLedger(fs, logx.Nop())

	if err := l.SetUnlimited(ctx, 1, true); err != nil {
		t.Fatalf("SetUnlimited: %v", err)
	}
	r, err := l.CommitConsumption(ctx, 1)
	if err != nil {
		t.Fatalf("CommitConsumption: %v", err)
	}
	if r.Charged || !r.Unlimited {
		t.Fatalf("receipt = %+v, want uncharged unlimited", r)
	}
	if fs.consumeCalls != 0 {
		t.Fatalf("consume calls = %d, want 0", fs.consumeCalls)
	}
}

func TestCommitConsumptionVoid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLedger(fs, logx.Nop())

	if _, _, err := l.EnsureEnrolled(ctx, 1); err != nil {
		t.Fatalf("EnsureEnrolled: %v", err)
	}
	// Drain between check and commit, as a concurrent request would.
	fs.users[1].Credits = 0

	r, err := l.CommitConsumption(ctx, 1)
	if err != nil {
		t.Fatalf("CommitConsumption: %v", err)
	}
	if r.Charged {
		t.Fatalf("receipt = %+v, want void (uncharged)", r)
	}
}

func TestGrantIfDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLedger(fs, logx.Nop())

	if _, _, err := l.EnsureEnrolled(ctx, 1); err != nil {
		t.Fatalf("EnsureEnrolled: %v", err)
	}

	granted, err := l.GrantIfDue(ctx, 1, "2026-08-29", 1)
	if err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}
	granted, err = l.GrantIfDue(ctx, 1, "2026-08-29", 1)
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if granted {
		t.Fatal("same-day grant must be a no-op")
	}
	if fs.users[1].Credits != 3 {
		t.Fatalf("credits = %d, want 3", fs.users[1].Credits)
	}
}

func TestBalanceMissingUser(t *testing.T) {
	t.Parallel()
	l := NewLedger(newFakeStore(), logx.Nop())
	_, err := l.Balance(context.Background(), 42)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
