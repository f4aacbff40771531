package bot

import (
	"errors"
	"strings"
	"testing"

	"lookupbot/internal/broadcast"
	"lookupbot/internal/lookup"
	"lookupbot/internal/quota"
)

func TestSearchErrorText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "invalid", err: lookup.ErrInvalidTerm, want: "Invalid mobile number"},
		{name: "protected", err: lookup.ErrProtected, want: "protected"},
		{name: "no credits", err: quota.ErrNoCredits, want: "No credits left"},
		{name: "no results", err: lookup.ErrNoResults, want: "No data found"},
		{name: "upstream", err: lookup.ErrUpstream, want: "credits were not touched"},
		{name: "store", err: quota.ErrStoreUnavailable, want: "temporarily unavailable"},
		{name: "unknown", err: errors.New("boom"), want: "temporarily unavailable"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := searchErrorText(tt.err)
			if !strings.Contains(got, tt.want) {
				t.Fatalf("searchErrorText(%v) = %q, want substring %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestBalanceText(t *testing.T) {
	t.Parallel()
	if got := balanceText(quota.Balance{Unlimited: true}); !strings.Contains(got, "Unlimited") {
		t.Fatalf("unlimited balance = %q", got)
	}
	if got := balanceText(quota.Balance{Credits: 3}); !strings.Contains(got, "3") {
		t.Fatalf("credit balance = %q", got)
	}
}

func TestSearchResultText(t *testing.T) {
	t.Parallel()
	res := &lookup.SearchResult{
		Term:    "9876543210",
		Records: []lookup.Record{{Mobile: "9876543210", Name: "A", Circle: "Delhi"}},
		Receipt: quota.Receipt{Charged: true, Remaining: 1},
	}
	got := searchResultText(res)
	if !strings.Contains(got, "```json") {
		t.Fatalf("result missing json block: %q", got)
	}
	if !strings.Contains(got, "Delhi") {
		t.Fatalf("result missing record data: %q", got)
	}
	if !strings.Contains(got, "1") {
		t.Fatalf("result missing remaining credits: %q", got)
	}
}

func TestProgressBar(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 0, want: "░░░░░░░░░░"},
		{ratio: 0.5, want: "▓▓▓▓▓░░░░░"},
		{ratio: 1, want: "▓▓▓▓▓▓▓▓▓▓"},
		{ratio: 1.7, want: "▓▓▓▓▓▓▓▓▓▓"},
		{ratio: -0.3, want: "░░░░░░░░░░"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.ratio, 10); got != tt.want {
			t.Fatalf("progressBar(%v) = %q, want %q", tt.ratio, got, tt.want)
		}
	}
}

func TestProgressText(t *testing.T) {
	t.Parallel()
	p := broadcast.Progress{State: broadcast.StateRunning, Sent: 3, Failed: 1, Total: 10}
	got := progressText(p)
	if !strings.Contains(got, "Broadcasting") {
		t.Fatalf("running header missing: %q", got)
	}
	if !strings.Contains(got, "40%") {
		t.Fatalf("percent missing: %q", got)
	}
	if !strings.Contains(got, "✔ 3") || !strings.Contains(got, "✖ 1") || !strings.Contains(got, "~10") {
		t.Fatalf("counters missing: %q", got)
	}

	// The live population may shrink below the snapshot total; the ratio
	// clamps instead of overflowing.
	p = broadcast.Progress{State: broadcast.StateRunning, Sent: 12, Total: 10}
	if got := progressText(p); !strings.Contains(got, "100%") {
		t.Fatalf("ratio not clamped: %q", got)
	}

	// Finished always renders full even with a stale estimate.
	p = broadcast.Progress{State: broadcast.StateFinished, Sent: 4, Total: 10}
	got = progressText(p)
	if !strings.Contains(got, "finished") || !strings.Contains(got, "100%") {
		t.Fatalf("finished render = %q", got)
	}
}

func TestParseIDAmount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		args   []string
		id     int64
		amount int
		ok     bool
	}{
		{name: "valid", args: []string{"12345", "3"}, id: 12345, amount: 3, ok: true},
		{name: "missing amount", args: []string{"12345"}},
		{name: "extra args", args: []string{"1", "2", "3"}},
		{name: "bad id", args: []string{"abc", "3"}},
		{name: "bad amount", args: []string{"12345", "x"}},
		{name: "zero amount", args: []string{"12345", "0"}},
		{name: "negative amount", args: []string{"12345", "-2"}},
		{name: "empty", args: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			id, amount, ok := parseIDAmount(tt.args)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (id != tt.id || amount != tt.amount) {
				t.Fatalf("parsed (%d, %d), want (%d, %d)", id, amount, tt.id, tt.amount)
			}
		})
	}
}
