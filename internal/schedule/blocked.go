package schedule

import (
	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

// BufferLookup resolves the buffer pair that applies to an appointment
// type on the calendar being computed. Unknown types get a zero buffer.
type BufferLookup func(appointmentType string) booking.Buffer

// BlockedWindows expands every active appointment on one resource's
// calendar by the buffer configured for that resource kind and the
// appointment's type, then unions the expansions. Buffers pad only the
// calendar being computed; a provider's buffer never reaches into a
// room's calendar.
func BlockedWindows(appts []booking.Appointment, buffers BufferLookup) []interval.Interval {
	var expanded []interval.Interval
	for _, appt := range appts {
		if !appt.Status.IsActive() {
			continue
		}
		if !appt.EndsAt.After(appt.StartsAt) {
			continue
		}
		span := interval.Interval{Start: appt.StartsAt, End: appt.EndsAt}
		if buffers != nil {
			buf := buffers(appt.AppointmentType)
			span = span.Expand(buf.Before, buf.After)
		}
		expanded = append(expanded, span)
	}
	return interval.Union(expanded)
}
