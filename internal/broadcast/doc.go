// Package broadcast fans one operator-issued payload out to the entire
// registered user population.
//
// At most one job may be active at a time; a second Start is refused, not
// queued. Delivery is strictly sequential with fixed pacing, one recipient's
// failure never aborts the job, and cancellation is cooperative: it takes
// effect between recipients, never interrupting a send in progress.
//
// The recipient set is a live cursor over the store, not a point-in-time
// copy, so the Total taken at Start is an estimate; Sent+Failed is the
// authoritative completion signal.
package broadcast
