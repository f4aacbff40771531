package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lookupbot/internal/broadcast"
	"lookupbot/internal/grant"
	"lookupbot/internal/lookup"
	"lookupbot/internal/quota"
	"lookupbot/internal/storage"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

// memStore backs every service port with one in-memory user table, standing
// in for *storage.Store.
type memStore struct {
	mu        sync.Mutex
	users     map[int64]*storage.UserRecord
	protected map[string]bool
}

func newMemStore() *memStore {
	return &memStore{users: map[int64]*storage.UserRecord{}, protected: map[string]bool{}}
}

func (m *memStore) GetUser(_ context.Context, id int64) (*storage.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) EnsureUser(_ context.Context, id int64) (*storage.UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, false, nil
	}
	u := &storage.UserRecord{ID: id, Credits: 2}
	m.users[id] = u
	cp := *u
	return &cp, true, nil
}

func (m *memStore) ConsumeCredit(_ context.Context, id int64) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Unlimited || u.Credits <= 0 {
		rem := 0
		if ok {
			rem = u.Credits
		}
		return false, rem, nil
	}
	u.Credits--
	return true, u.Credits, nil
}

func (m *memStore) GrantCredit(_ context.Context, id int64, day string, amount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.LastGrantDate == day {
		return false, nil
	}
	u.Credits += amount
	u.LastGrantDate = day
	return true, nil
}

func (m *memStore) SetUnlimited(_ context.Context, id int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &storage.UserRecord{ID: id, Credits: 2}
		m.users[id] = u
	}
	u.Unlimited = on
	return nil
}

func (m *memStore) AdjustCredits(_ context.Context, id int64, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &storage.UserRecord{ID: id, Credits: 2}
		m.users[id] = u
	}
	u.Credits += delta
	if u.Credits < 0 {
		u.Credits = 0
	}
	return u.Credits, nil
}

func (m *memStore) IsProtected(_ context.Context, term string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protected[term], nil
}

func (m *memStore) AddProtected(_ context.Context, term string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[term] = true
	return nil
}

func (m *memStore) RemoveProtected(_ context.Context, term string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.protected, term)
	return nil
}

func (m *memStore) ListProtected(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.protected))
	for t := range m.protected {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ForEachUser(_ context.Context, fn func(storage.UserRecord) error) error {
	m.mu.Lock()
	var snapshot []storage.UserRecord
	for _, u := range m.users {
		snapshot = append(snapshot, *u)
	}
	m.mu.Unlock()
	for _, u := range snapshot {
		if err := fn(u); err != nil {
			if err == storage.ErrStopIteration {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *memStore) CountUsers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

// fakeAdapter records every outbound message.
type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
	chats []int64
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, to kit.ChatTarget, _ kit.MediaItem, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, caption, nil)
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error { return nil }

func (f *fakeAdapter) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fixture struct {
	router  *Router
	adapter *fakeAdapter
	store   *memStore
	bcast   *broadcast.Service
	fetch   *fakeFetcher
}

type fakeFetcher struct {
	mu      sync.Mutex
	records []lookup.Record
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]lookup.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func newFixture(adminIDs []int64) *fixture {
	store := newMemStore()
	adapter := &fakeAdapter{}
	fetch := &fakeFetcher{records: []lookup.Record{{Mobile: "9876543210", Name: "A"}}}

	ledger := quota.NewLedger(store, logx.Nop())
	gate := lookup.NewGate(store, ledger, fetch, nil, logx.Nop())
	bcast := broadcast.New(broadcast.Config{
		PerRecipientDelay: time.Millisecond,
		ProgressInterval:  time.Millisecond,
	}, store, adapter, nil, logx.Nop())
	grants := grant.New(grant.Config{Enabled: true}, ledger, store, adapter, nil, logx.Nop())

	router := NewRouter(adapter, ledger, gate, store, bcast, grants, adminIDs, logx.Nop())
	return &fixture{router: router, adapter: adapter, store: store, bcast: bcast, fetch: fetch}
}

func message(from int64, text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: from, FromID: from, Text: text}
}

func TestAdminCommandInvisibleToUsers(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	ctx := context.Background()

	f.router.handleMessage(ctx, message(1, "/broadcast"))
	if f.adapter.count() != 0 {
		t.Fatalf("non-admin got a reply: %q", f.adapter.lastText())
	}

	// Unknown commands are ignored for everyone.
	f.router.handleMessage(ctx, message(99, "/bogus"))
	if f.adapter.count() != 0 {
		t.Fatalf("unknown command got a reply: %q", f.adapter.lastText())
	}
}

func TestAdjustCreditCommands(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	ctx := context.Background()

	f.router.handleMessage(ctx, message(99, "/add 5 3"))
	if got := f.adapter.lastText(); !strings.Contains(got, "balance: 5") {
		t.Fatalf("add reply = %q", got)
	}

	f.router.handleMessage(ctx, message(99, "/remove 5 100"))
	if got := f.adapter.lastText(); !strings.Contains(got, "balance: 0") {
		t.Fatalf("remove reply = %q", got)
	}

	f.router.handleMessage(ctx, message(99, "/add nonsense"))
	if got := f.adapter.lastText(); !strings.Contains(got, "Usage") {
		t.Fatalf("bad args reply = %q", got)
	}
}

func TestSearchFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	ctx := context.Background()

	f.router.handleMessage(ctx, message(7, "9876543210"))
	if got := f.adapter.lastText(); !strings.Contains(got, "```json") {
		t.Fatalf("search reply = %q", got)
	}

	u, err := f.store.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Credits != 1 {
		t.Fatalf("credits after search = %d, want 1", u.Credits)
	}
}

func TestSearchProtectedNumber(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	ctx := context.Background()

	f.router.handleMessage(ctx, message(99, "/protect +919876543210"))
	if got := f.adapter.lastText(); !strings.Contains(got, "protected") {
		t.Fatalf("protect reply = %q", got)
	}
	if on, _ := f.store.IsProtected(ctx, "9876543210"); !on {
		t.Fatal("registry must hold the canonical term")
	}

	if _, _, err := f.store.EnsureUser(ctx, 7); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	// Protection applies to every variant of the same number.
	f.router.handleMessage(ctx, message(7, "09876543210"))
	if got := f.adapter.lastText(); !strings.Contains(got, "protected") {
		t.Fatalf("search reply = %q", got)
	}
	u, err := f.store.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Credits != 2 {
		t.Fatalf("credits = %d, protected search must not charge", u.Credits)
	}
}

func TestBroadcastCommandFlow(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	ctx := context.Background()

	// Seed recipients.
	for id := int64(1); id <= 3; id++ {
		if _, _, err := f.store.EnsureUser(ctx, id); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}

	f.router.handleMessage(ctx, message(99, "/broadcast"))
	if got := f.adapter.lastText(); !strings.Contains(got, "Send the content now") {
		t.Fatalf("broadcast prompt = %q", got)
	}

	before := f.adapter.count()
	f.router.handleMessage(ctx, message(99, "hello everyone"))

	// Delivery is asynchronous; wait for the slot to drain.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, active := f.bcast.Snapshot(); !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast never settled")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.adapter.mu.Lock()
	var delivered int
	for i := before; i < len(f.adapter.texts); i++ {
		if f.adapter.texts[i] == "hello everyone" {
			delivered++
		}
	}
	f.adapter.mu.Unlock()
	if delivered != 3 {
		t.Fatalf("delivered %d copies, want 3", delivered)
	}

	// The pending flag is consumed: the next admin message is a search.
	f.router.handleMessage(ctx, message(99, "9876543210"))
	if got := f.adapter.lastText(); !strings.Contains(got, "```json") {
		t.Fatalf("post-broadcast message reply = %q", got)
	}
}

func TestCancelWithoutJob(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	f.router.handleMessage(context.Background(), message(99, "/cancel"))
	if got := f.adapter.lastText(); !strings.Contains(got, "Nothing to cancel") {
		t.Fatalf("cancel reply = %q", got)
	}
}

func TestGrantNowCommand(t *testing.T) {
	t.Parallel()
	f := newFixture([]int64{99})
	ctx := context.Background()
	for id := int64(1); id <= 2; id++ {
		if _, _, err := f.store.EnsureUser(ctx, id); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}

	f.router.handleMessage(ctx, message(99, "/grantnow"))
	if got := f.adapter.lastText(); !strings.Contains(got, "2 granted") {
		t.Fatalf("grantnow reply = %q", got)
	}
}
