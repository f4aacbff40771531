package broadcast

import (
	"sort"
	"time"
)

const (
	// Keep job-registry memory bounded; finished jobs are only kept for
	// after-the-fact /status lookups.
	registryMax = 200
	registryTTL = 24 * time.Hour
)

// pruneLocked evicts old completed jobs. Caller holds s.mu.
func (s *Service) pruneLocked(now time.Time) {
	if len(s.jobs) == 0 {
		return
	}

	// 1) Drop completed jobs older than TTL.
	for id, job := range s.jobs {
		if job.State().Active() {
			continue
		}
		job.mu.Lock()
		ref := job.doneAt
		if ref.IsZero() {
			ref = job.createdAt
		}
		job.mu.Unlock()
		if !ref.IsZero() && now.Sub(ref) > registryTTL {
			delete(s.jobs, id)
		}
	}

	if len(s.jobs) <= registryMax {
		return
	}

	// 2) Still too big: drop oldest non-active jobs.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.jobs))
	for id, job := range s.jobs {
		if job.State().Active() {
			continue
		}
		job.mu.Lock()
		t := job.doneAt
		if t.IsZero() {
			t = job.createdAt
		}
		job.mu.Unlock()
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.jobs) - registryMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.jobs, items[i].id)
	}
}
