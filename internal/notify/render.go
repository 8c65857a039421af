package notify

import (
	"fmt"

	"clubledger/internal/channel"
	"clubledger/internal/ledger"
)

// Render turns an intent into the text every channel delivers. Guardians
// only ever see these strings, never raw errors.
func Render(in Intent) channel.Message {
	name := in.Payload.AthleteName
	if name == "" {
		name = in.Payload.AthleteID
	}

	switch in.Kind {
	case KindBalanceChanged:
		if in.Payload.Status == ledger.StatusPaid {
			return channel.Message{
				Subject: "Payment received",
				Body:    fmt.Sprintf("Club dues for %s are settled. Thank you!", name),
			}
		}
		return channel.Message{
			Subject: "Payment overdue",
			Body: fmt.Sprintf("Club dues for %s are overdue. Outstanding balance: %s. Please settle the payment.",
				name, FormatAmount(in.Payload.Amount)),
		}
	case KindOverdueReminder:
		return channel.Message{
			Subject: "Payment reminder",
			Body: fmt.Sprintf("Reminder: the outstanding balance for %s is %s (%d days overdue).",
				name, FormatAmount(in.Payload.Amount), in.Payload.Days),
		}
	case KindAttendanceSummary:
		if in.Payload.Present {
			return channel.Message{
				Subject: "Training attendance",
				Body:    fmt.Sprintf("%s attended training on %s.", name, in.Payload.Date),
			}
		}
		return channel.Message{
			Subject: "Training attendance",
			Body:    fmt.Sprintf("%s missed training on %s.", name, in.Payload.Date),
		}
	default:
		return channel.Message{
			Subject: "Club notification",
			Body:    fmt.Sprintf("Update for %s.", name),
		}
	}
}

// FormatAmount renders minor currency units as a decimal string.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
