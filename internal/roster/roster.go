// Package roster holds the athlete snapshot shared between storage, the
// sweep, and the Telegram command handler. Roster editing itself happens
// in the external admin system; this process only reads and links it.
package roster

// Athlete is one club member as the admin system recorded them.
//
// GuardianPhone is stored digits-only so contact-share lookups are exact.
// MonthlyFee is in minor currency units; 0 means "use the club default".
type Athlete struct {
	ID            string
	Name          string
	GuardianPhone string
	GuardianEmail string
	MonthlyFee    int64
	Active        bool
}
