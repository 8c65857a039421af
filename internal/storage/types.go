package storage

import "time"

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ReminderState is the reminder pacing record for one athlete's current
// overdue spell.
type ReminderState struct {
	SpellStartedAt time.Time
	Sent           int
	LastAt         time.Time
}
