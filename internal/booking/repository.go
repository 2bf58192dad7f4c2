package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/interval"
)

var (
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrRuleNotFound        = errors.New("scheduling rule not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the commit engine and
// the availability read path.
type Repository interface {
	GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// GetResourceByID returns the resource with templates and exceptions
	// hydrated.
	GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, error)
	GetResourcesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Resource, error)

	GetRuleByClinicAndType(ctx context.Context, clinicID uuid.UUID, appointmentType string) (*SchedulingRule, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// ListActiveAppointmentsInRange powers the blocked-window aggregator:
	// every active appointment claiming the resource that touches
	// [from, to). Read-path only; the commit engine re-checks under locks.
	ListActiveAppointmentsInRange(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]Appointment, error)

	// WithResourceLocks runs fn inside one transaction holding exclusive
	// access to every referenced resource's timeline. Callers must pass
	// refs already sorted into the global lock order; implementations
	// acquire in that order so overlapping commits serialize without
	// deadlock. A transient serialization/deadlock failure surfaces as an
	// error matching errors.Is(err, ErrTransient).
	WithResourceLocks(ctx context.Context, refs []ResourceRef, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the slice of the repository available while resource locks are
// held.
type Tx interface {
	// ListActiveOverlapping returns active appointments on the resource
	// whose raw [start, end) intersects span. Buffer expansion is the
	// caller's job since buffers differ per appointment type.
	ListActiveOverlapping(ctx context.Context, resourceID uuid.UUID, span interval.Interval) ([]Appointment, error)

	InsertAppointment(ctx context.Context, appt *Appointment) error

	// UpdateAppointment persists appt guarded by expectedVersion and bumps
	// the version by one. A missing row yields ErrAppointmentNotFound; a
	// version mismatch yields ErrStaleVersion.
	UpdateAppointment(ctx context.Context, appt *Appointment, expectedVersion int64) error
}
