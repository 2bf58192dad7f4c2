package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/interval"
)

// MemoryRepository keeps the whole store in process memory with an
// explicit per-resource lock table acquired in the caller-supplied global
// order. It implements the same transactional contract as PgRepository
// and backs the test suite and local development.
type MemoryRepository struct {
	mu           sync.RWMutex
	clinics      map[uuid.UUID]Clinic
	patients     map[uuid.UUID]Patient
	resources    map[uuid.UUID]Resource
	rules        map[uuid.UUID]map[string]SchedulingRule
	appointments map[uuid.UUID]Appointment

	lockMu        sync.Mutex
	resourceLocks map[uuid.UUID]*sync.Mutex
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clinics:       make(map[uuid.UUID]Clinic),
		patients:      make(map[uuid.UUID]Patient),
		resources:     make(map[uuid.UUID]Resource),
		rules:         make(map[uuid.UUID]map[string]SchedulingRule),
		appointments:  make(map[uuid.UUID]Appointment),
		resourceLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Fixture setup

func (m *MemoryRepository) PutClinic(c Clinic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinics[c.ID] = c
}

func (m *MemoryRepository) PutPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) PutResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

func (m *MemoryRepository) PutRule(r SchedulingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.rules[r.ClinicID]
	if !ok {
		byType = make(map[string]SchedulingRule)
		m.rules[r.ClinicID] = byType
	}
	byType[r.AppointmentType] = r
}

func (m *MemoryRepository) PutAppointment(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = a
}

// Repository interface

func (m *MemoryRepository) GetClinicByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clinics[id]
	if !ok {
		return nil, ErrClinicNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetResourceByID(_ context.Context, id uuid.UUID) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) GetResourcesByIDs(_ context.Context, ids []uuid.UUID) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, id := range ids {
		if r, ok := m.resources[id]; ok {
			res := r
			out = append(out, &res)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetRuleByClinicAndType(_ context.Context, clinicID uuid.UUID, appointmentType string) (*SchedulingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byType, ok := m.rules[clinicID]; ok {
		if r, ok := byType[appointmentType]; ok {
			return &r, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sortAppointmentsByStart(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListActiveAppointmentsInRange(_ context.Context, resourceID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	span := interval.Interval{Start: from, End: to}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeOverlappingLocked(resourceID, span), nil
}

func (m *MemoryRepository) activeOverlappingLocked(resourceID uuid.UUID, span interval.Interval) []Appointment {
	var out []Appointment
	for _, a := range m.appointments {
		if !a.Status.IsActive() {
			continue
		}
		if !claimsResource(&a, resourceID) {
			continue
		}
		if (interval.Interval{Start: a.StartsAt, End: a.EndsAt}).Overlaps(span) {
			out = append(out, a)
		}
	}
	sortAppointmentsByStart(out)
	return out
}

func claimsResource(a *Appointment, resourceID uuid.UUID) bool {
	if a.ProviderID == resourceID {
		return true
	}
	if a.RoomID != nil && *a.RoomID == resourceID {
		return true
	}
	return containsID(a.EquipmentIDs, resourceID)
}

func sortAppointmentsByStart(appts []Appointment) {
	for i := 1; i < len(appts); i++ {
		for j := i; j > 0 && appts[j].StartsAt.Before(appts[j-1].StartsAt); j-- {
			appts[j], appts[j-1] = appts[j-1], appts[j]
		}
	}
}

// WithResourceLocks acquires one mutex per referenced resource in the
// order given. Two commits over disjoint resource sets run fully
// concurrently; overlapping sets serialize on the shared mutex, and the
// fixed global order rules out deadlock cycles.
func (m *MemoryRepository) WithResourceLocks(ctx context.Context, refs []ResourceRef, fn func(ctx context.Context, tx Tx) error) error {
	locks := make([]*sync.Mutex, 0, len(refs))
	for _, ref := range refs {
		m.mu.RLock()
		_, ok := m.resources[ref.ID]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("resource %s: %w", ref.ID, ErrResourceNotFound)
		}
		locks = append(locks, m.lockFor(ref.ID))
	}

	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memTx{repo: m})
}

func (m *MemoryRepository) lockFor(id uuid.UUID) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.resourceLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.resourceLocks[id] = l
	}
	return l
}

type memTx struct {
	repo *MemoryRepository
}

func (t *memTx) ListActiveOverlapping(_ context.Context, resourceID uuid.UUID, span interval.Interval) ([]Appointment, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return t.repo.activeOverlappingLocked(resourceID, span), nil
}

func (t *memTx) InsertAppointment(_ context.Context, appt *Appointment) error {
	now := time.Now()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, exists := t.repo.appointments[appt.ID]; exists {
		return fmt.Errorf("appointment %s already exists", appt.ID)
	}
	t.repo.appointments[appt.ID] = *appt
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, appt *Appointment, expectedVersion int64) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	current, ok := t.repo.appointments[appt.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if current.Version != expectedVersion {
		return ErrStaleVersion
	}

	appt.Version = expectedVersion + 1
	appt.CreatedAt = current.CreatedAt
	appt.UpdatedAt = time.Now()
	t.repo.appointments[appt.ID] = *appt
	return nil
}
