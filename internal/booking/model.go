package booking

import (
	"time"

	"github.com/google/uuid"
)

type ResourceKind string

const (
	KindProvider  ResourceKind = "provider"
	KindRoom      ResourceKind = "room"
	KindEquipment ResourceKind = "equipment"
)

// lockRank orders resource kinds for lock acquisition. Providers lock
// first, then rooms, then equipment; ties break on ascending UUID.
func (k ResourceKind) lockRank() int {
	switch k {
	case KindProvider:
		return 0
	case KindRoom:
		return 1
	default:
		return 2
	}
}

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusCheckedIn  AppointmentStatus = "checked_in"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusCompleted  AppointmentStatus = "completed"
	StatusNoShow     AppointmentStatus = "no_show"
)

// IsActive reports whether the status occupies resource time. Cancelled,
// completed and no-show appointments are inert for conflict purposes.
func (s AppointmentStatus) IsActive() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusInProgress:
		return true
	default:
		return false
	}
}

type Clinic struct {
	ID        uuid.UUID
	Name      string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resource is any bookable calendar owner: a provider, a room or an
// equipment unit. Identity is immutable; templates and exceptions may
// change over time.
type Resource struct {
	ID         uuid.UUID
	ClinicID   uuid.UUID
	Kind       ResourceKind
	Name       string
	Timezone   string // IANA zone name, e.g. America/New_York
	Active     bool
	Templates  []AvailabilityTemplate
	Exceptions []AvailabilityException
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AvailabilityTemplate is a recurring weekly working window expressed in
// the resource's local wall-clock time. Multiple templates matching the
// same day are unioned.
type AvailabilityTemplate struct {
	ID            uuid.UUID
	ResourceID    uuid.UUID
	Weekday       time.Weekday
	StartMinute   int // minutes after local midnight
	EndMinute     int // exclusive, minutes after local midnight
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil means open-ended
}

// AvailabilityException is an absolute closed-off span (time off, closure).
// Exceptions only ever subtract from working windows.
type AvailabilityException struct {
	ID         uuid.UUID
	ResourceID uuid.UUID
	StartsAt   time.Time
	EndsAt     time.Time
	Reason     string
}

// Buffer is the padding applied to a booking on a resource's own calendar.
type Buffer struct {
	Before time.Duration
	After  time.Duration
}

// EquipmentRequirement names one unit the appointment type needs, chosen
// from a set of interchangeable eligible units.
type EquipmentRequirement struct {
	Kind        string
	EligibleIDs []uuid.UUID
}

// SchedulingRule is the per clinic + appointment-type policy the commit
// engine and slot generator both enforce. Buffers are configured per
// resource kind; nothing is inherited between kinds.
type SchedulingRule struct {
	ID              uuid.UUID
	ClinicID        uuid.UUID
	AppointmentType string
	DurationMinutes int
	ProviderBuffer  Buffer
	RoomBuffer      Buffer
	EquipmentBuffer Buffer
	MinNotice       time.Duration
	MaxHorizon      time.Duration
	RequiresRoom    bool
	EligibleRoomIDs []uuid.UUID
	Equipment       []EquipmentRequirement
	UpdatedAt       time.Time
}

// BufferFor returns the configured buffer pair for a resource kind.
func (r SchedulingRule) BufferFor(kind ResourceKind) Buffer {
	switch kind {
	case KindProvider:
		return r.ProviderBuffer
	case KindRoom:
		return r.RoomBuffer
	default:
		return r.EquipmentBuffer
	}
}

type Appointment struct {
	ID              uuid.UUID
	ClinicID        uuid.UUID
	PatientID       uuid.UUID
	ProviderID      uuid.UUID
	RoomID          *uuid.UUID
	EquipmentIDs    []uuid.UUID
	AppointmentType string
	StartsAt        time.Time
	EndsAt          time.Time
	Status          AppointmentStatus
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResourceIDs returns every resource the appointment claims, in lock
// acquisition order.
func (a *Appointment) ResourceIDs() []ResourceRef {
	refs := make([]ResourceRef, 0, 2+len(a.EquipmentIDs))
	refs = append(refs, ResourceRef{ID: a.ProviderID, Kind: KindProvider})
	if a.RoomID != nil {
		refs = append(refs, ResourceRef{ID: *a.RoomID, Kind: KindRoom})
	}
	for _, id := range a.EquipmentIDs {
		refs = append(refs, ResourceRef{ID: id, Kind: KindEquipment})
	}
	sortResourceRefs(refs)
	return refs
}

// ResourceRef identifies a resource together with its kind so lock
// ordering can rank it without a lookup.
type ResourceRef struct {
	ID   uuid.UUID
	Kind ResourceKind
}
