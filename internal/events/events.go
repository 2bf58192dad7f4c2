// Package events carries change notifications between the commit engine
// and its consumers (cache invalidator, downstream notifiers). Delivery
// is at-least-once; consumers must be idempotent under redelivery.
package events

import (
	"github.com/google/uuid"
)

const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventCancelled = "cancelled"
)

// ChangeEvent describes one committed mutation. Date is one affected
// calendar day in UTC (YYYY-MM-DD); a mutation whose reach touches
// several days produces one event per affected day.
type ChangeEvent struct {
	EventType     string      `json:"event_type"`
	ClinicID      uuid.UUID   `json:"clinic_id"`
	ProviderID    uuid.UUID   `json:"provider_id"`
	RoomID        *uuid.UUID  `json:"room_id,omitempty"`
	EquipmentIDs  []uuid.UUID `json:"equipment_ids,omitempty"`
	Date          string      `json:"date"`
	AppointmentID uuid.UUID   `json:"appointment_id"`
	Version       int64       `json:"version"`
}

// AffectedResourceIDs lists every resource the mutation touched.
func (ev ChangeEvent) AffectedResourceIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2+len(ev.EquipmentIDs))
	ids = append(ids, ev.ProviderID)
	if ev.RoomID != nil {
		ids = append(ids, *ev.RoomID)
	}
	ids = append(ids, ev.EquipmentIDs...)
	return ids
}
