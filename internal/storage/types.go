package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStopIteration stops ForEachUser cleanly when returned by the callback.
	ErrStopIteration = errors.New("stop iteration")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// InitialCredits is the balance a user record is created with.
	InitialCredits int
}

// DayFormat is the calendar-date encoding of last_grant_date.
// Grants compare whole days, never times.
const DayFormat = "2006-01-02"

// UserRecord is one row of per-user quota state.
//
// Credits is meaningful only while Unlimited is false. LastGrantDate is the
// calendar day ("2006-01-02") of the last free-credit grant, empty if never.
type UserRecord struct {
	ID            int64
	Credits       int
	Unlimited     bool
	LastGrantDate string
	CreatedAt     time.Time
}
