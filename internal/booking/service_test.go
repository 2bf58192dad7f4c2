package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/scheduling-engine/internal/events"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.ChangeEvent
}

func (p *capturePublisher) PublishChange(_ context.Context, ev events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []events.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

// flakyRepository fails WithResourceLocks with a transient error a fixed
// number of times before delegating.
type flakyRepository struct {
	*MemoryRepository
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *flakyRepository) WithResourceLocks(ctx context.Context, refs []ResourceRef, fn func(ctx context.Context, tx Tx) error) error {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return ErrTransient
	}
	return f.MemoryRepository.WithResourceLocks(ctx, refs, fn)
}

type fixture struct {
	repo      *MemoryRepository
	publisher *capturePublisher
	clinicID  uuid.UUID
	patientID uuid.UUID
	provider  uuid.UUID
	roomA     uuid.UUID
	roomB     uuid.UUID
	scanner   uuid.UUID
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      NewMemoryRepository(),
		publisher: &capturePublisher{},
		clinicID:  uuid.New(),
		patientID: uuid.New(),
		provider:  uuid.New(),
		roomA:     uuid.New(),
		roomB:     uuid.New(),
		scanner:   uuid.New(),
		now:       time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}

	f.repo.PutClinic(Clinic{ID: f.clinicID, Name: "Test Clinic", Timezone: "America/New_York"})
	f.repo.PutPatient(Patient{ID: f.patientID, ClinicID: f.clinicID, Name: "Pat"})
	f.repo.PutResource(Resource{ID: f.provider, ClinicID: f.clinicID, Kind: KindProvider, Name: "Dr. A", Timezone: "America/New_York", Active: true})
	f.repo.PutResource(Resource{ID: f.roomA, ClinicID: f.clinicID, Kind: KindRoom, Name: "Room A", Timezone: "America/New_York", Active: true})
	f.repo.PutResource(Resource{ID: f.roomB, ClinicID: f.clinicID, Kind: KindRoom, Name: "Room B", Timezone: "America/New_York", Active: true})
	f.repo.PutResource(Resource{ID: f.scanner, ClinicID: f.clinicID, Kind: KindEquipment, Name: "Scanner", Timezone: "America/New_York", Active: true})

	f.repo.PutRule(SchedulingRule{
		ID:              uuid.New(),
		ClinicID:        f.clinicID,
		AppointmentType: "consultation",
		DurationMinutes: 30,
		ProviderBuffer:  Buffer{After: 15 * time.Minute},
		MinNotice:       time.Hour,
		MaxHorizon:      90 * 24 * time.Hour,
	})
	f.repo.PutRule(SchedulingRule{
		ID:              uuid.New(),
		ClinicID:        f.clinicID,
		AppointmentType: "imaging",
		DurationMinutes: 45,
		MinNotice:       time.Hour,
		RequiresRoom:    true,
		EligibleRoomIDs: []uuid.UUID{f.roomA},
		Equipment: []EquipmentRequirement{
			{Kind: "scanner", EligibleIDs: []uuid.UUID{f.scanner}},
		},
	})
	return f
}

func (f *fixture) service(opts ...ServiceOption) *Service {
	opts = append([]ServiceOption{WithClock(func() time.Time { return f.now })}, opts...)
	return NewService(f.repo, f.publisher, opts...)
}

func (f *fixture) consultationAt(start time.Time) CommitRequest {
	return CommitRequest{
		ClinicID:        f.clinicID,
		PatientID:       f.patientID,
		ProviderID:      f.provider,
		AppointmentType: "consultation",
		StartsAt:        start,
		EndsAt:          start.Add(30 * time.Minute),
	}
}

func TestCommitCreatesScheduledAppointment(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	appt, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, int64(1), appt.Version)
	assert.True(t, appt.StartsAt.Equal(start))

	evs := f.publisher.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventCreated, evs[0].EventType)
	assert.Equal(t, f.provider, evs[0].ProviderID)
	assert.Equal(t, start.UTC().Format("2006-01-02"), evs[0].Date)
}

func TestCommitRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	_, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	_, err = svc.Commit(context.Background(), f.consultationAt(start.Add(15*time.Minute)))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCommitRejectsBufferedAdjacency(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	_, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	// The 15 minute trailing provider buffer makes a back-to-back booking
	// illegal; past the buffer it is fine.
	_, err = svc.Commit(context.Background(), f.consultationAt(start.Add(30*time.Minute)))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Commit(context.Background(), f.consultationAt(start.Add(45*time.Minute)))
	assert.NoError(t, err)
}

func TestConcurrentCommitsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	const contenders = 16
	start := f.now.Add(2 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Commit(context.Background(), f.consultationAt(start))
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		default:
			require.ErrorIs(t, err, ErrConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, conflicts)
}

func TestCommitEnforcesRules(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	t.Run("min notice", func(t *testing.T) {
		_, err := svc.Commit(context.Background(), f.consultationAt(f.now.Add(10*time.Minute)))
		assert.ErrorIs(t, err, ErrRuleViolation)
	})

	t.Run("horizon", func(t *testing.T) {
		_, err := svc.Commit(context.Background(), f.consultationAt(f.now.Add(120*24*time.Hour)))
		assert.ErrorIs(t, err, ErrRuleViolation)
	})

	t.Run("unknown patient", func(t *testing.T) {
		req := f.consultationAt(f.now.Add(2 * time.Hour))
		req.PatientID = uuid.New()
		_, err := svc.Commit(context.Background(), req)
		assert.ErrorIs(t, err, ErrPatientNotFound)
	})

	t.Run("unknown type", func(t *testing.T) {
		req := f.consultationAt(f.now.Add(2 * time.Hour))
		req.AppointmentType = "surgery"
		_, err := svc.Commit(context.Background(), req)
		assert.ErrorIs(t, err, ErrRuleNotFound)
	})

	t.Run("missing required room", func(t *testing.T) {
		start := f.now.Add(2 * time.Hour)
		_, err := svc.Commit(context.Background(), CommitRequest{
			ClinicID:        f.clinicID,
			PatientID:       f.patientID,
			ProviderID:      f.provider,
			EquipmentIDs:    []uuid.UUID{f.scanner},
			AppointmentType: "imaging",
			StartsAt:        start,
			EndsAt:          start.Add(45 * time.Minute),
		})
		assert.ErrorIs(t, err, ErrRuleViolation)
	})

	t.Run("ineligible room", func(t *testing.T) {
		start := f.now.Add(2 * time.Hour)
		_, err := svc.Commit(context.Background(), CommitRequest{
			ClinicID:        f.clinicID,
			PatientID:       f.patientID,
			ProviderID:      f.provider,
			RoomID:          &f.roomB,
			EquipmentIDs:    []uuid.UUID{f.scanner},
			AppointmentType: "imaging",
			StartsAt:        start,
			EndsAt:          start.Add(45 * time.Minute),
		})
		assert.ErrorIs(t, err, ErrRuleViolation)
	})

	t.Run("equipment mismatch", func(t *testing.T) {
		start := f.now.Add(2 * time.Hour)
		_, err := svc.Commit(context.Background(), CommitRequest{
			ClinicID:        f.clinicID,
			PatientID:       f.patientID,
			ProviderID:      f.provider,
			RoomID:          &f.roomA,
			AppointmentType: "imaging",
			StartsAt:        start,
			EndsAt:          start.Add(45 * time.Minute),
		})
		assert.ErrorIs(t, err, ErrRuleViolation)
	})

	t.Run("inverted interval", func(t *testing.T) {
		req := f.consultationAt(f.now.Add(2 * time.Hour))
		req.EndsAt = req.StartsAt.Add(-time.Minute)
		_, err := svc.Commit(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestCommitRejectsBufferBeyondScanReach(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	// A buffer wider than the conflict scan window could hide this booking
	// from later commits, so the rule must be rejected outright.
	f.repo.PutRule(SchedulingRule{
		ID:              uuid.New(),
		ClinicID:        f.clinicID,
		AppointmentType: "extended",
		DurationMinutes: 30,
		ProviderBuffer:  Buffer{After: 5 * time.Hour},
	})

	req := f.consultationAt(f.now.Add(2 * time.Hour))
	req.AppointmentType = "extended"
	_, err := svc.Commit(context.Background(), req)
	assert.ErrorIs(t, err, ErrRuleViolation)
}

func TestCommitDetectsConflictAtMaximumBuffer(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	// Four hours is the widest allowed buffer; a booking landing at the
	// far edge of that expansion must still be fetched and rejected.
	f.repo.PutRule(SchedulingRule{
		ID:              uuid.New(),
		ClinicID:        f.clinicID,
		AppointmentType: "therapy",
		DurationMinutes: 30,
		ProviderBuffer:  Buffer{After: 4 * time.Hour},
		MinNotice:       time.Hour,
	})

	start := f.now.Add(2 * time.Hour)
	req := f.consultationAt(start)
	req.AppointmentType = "therapy"
	_, err := svc.Commit(context.Background(), req)
	require.NoError(t, err)

	// The therapy booking blocks the provider until start+4h30m.
	_, err = svc.Commit(context.Background(), f.consultationAt(start.Add(4*time.Hour)))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Commit(context.Background(), f.consultationAt(start.Add(4*time.Hour+30*time.Minute)))
	assert.NoError(t, err)
}

func TestRescheduleMovesAppointment(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	appt, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	// Moving within the appointment's own footprint must not conflict with
	// itself.
	moved, err := svc.Reschedule(context.Background(), appt.ID, appt.Version, f.consultationAt(start.Add(15*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)
	assert.True(t, moved.StartsAt.Equal(start.Add(15*time.Minute)))

	// The original version is now stale.
	_, err = svc.Reschedule(context.Background(), appt.ID, appt.Version, f.consultationAt(start.Add(3*time.Hour)))
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestRescheduleAcrossDaysNotifiesBothDates(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	appt, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	_, err = svc.Reschedule(context.Background(), appt.ID, appt.Version, f.consultationAt(start.AddDate(0, 0, 1)))
	require.NoError(t, err)

	var dates []string
	for _, ev := range f.publisher.all() {
		if ev.EventType == events.EventUpdated {
			dates = append(dates, ev.Date)
		}
	}
	assert.ElementsMatch(t, []string{
		start.UTC().Format("2006-01-02"),
		start.AddDate(0, 0, 1).UTC().Format("2006-01-02"),
	}, dates)
}

func TestCommitNearMidnightNotifiesAdjacentDate(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	// A booking whose reach crosses UTC midnight must invalidate both
	// days' cached slot listings, so one event per touched date.
	start := time.Date(2026, 3, 2, 23, 45, 0, 0, time.UTC)
	_, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	var dates []string
	for _, ev := range f.publisher.all() {
		if ev.EventType == events.EventCreated {
			dates = append(dates, ev.Date)
		}
	}
	assert.ElementsMatch(t, []string{"2026-03-02", "2026-03-03"}, dates)
}

func TestCancelIsIdempotentAtCurrentVersion(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	appt, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), appt.ID, appt.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(2), cancelled.Version)

	// Repeating the cancel at the new version is a no-op success.
	again, err := svc.Cancel(context.Background(), appt.ID, cancelled.Version)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	// The pre-cancel version is stale.
	_, err = svc.Cancel(context.Background(), appt.ID, appt.Version)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestCancelRejectsTerminalStatuses(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	for _, status := range []AppointmentStatus{StatusCompleted, StatusNoShow} {
		appt := Appointment{
			ID:              uuid.New(),
			ClinicID:        f.clinicID,
			PatientID:       f.patientID,
			ProviderID:      f.provider,
			AppointmentType: "consultation",
			StartsAt:        f.now.Add(-2 * time.Hour),
			EndsAt:          f.now.Add(-90 * time.Minute),
			Status:          status,
			Version:         1,
		}
		f.repo.PutAppointment(appt)

		_, err := svc.Cancel(context.Background(), appt.ID, appt.Version)
		assert.ErrorIs(t, err, ErrRuleViolation, "status %s", status)
	}
}

func TestCancelFreesTheSlot(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	start := f.now.Add(2 * time.Hour)
	appt, err := svc.Commit(context.Background(), f.consultationAt(start))
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), appt.ID, appt.Version)
	require.NoError(t, err)

	_, err = svc.Commit(context.Background(), f.consultationAt(start))
	assert.NoError(t, err)
}

func TestCommitRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyRepository{MemoryRepository: f.repo, failures: 2}
	svc := NewService(flaky, f.publisher,
		WithClock(func() time.Time { return f.now }),
		WithRetry(3, time.Millisecond))

	_, err := svc.Commit(context.Background(), f.consultationAt(f.now.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.attempted)
}

func TestCommitGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyRepository{MemoryRepository: f.repo, failures: 10}
	svc := NewService(flaky, f.publisher,
		WithClock(func() time.Time { return f.now }),
		WithRetry(3, time.Millisecond))

	_, err := svc.Commit(context.Background(), f.consultationAt(f.now.Add(2*time.Hour)))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, flaky.attempted)
}

func TestCommitSurfacesTimeout(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Commit(ctx, f.consultationAt(f.now.Add(2*time.Hour)))
	assert.ErrorIs(t, err, ErrCommitTimeout)
}

func TestDisjointResourceCommitsBothSucceed(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	otherProvider := uuid.New()
	f.repo.PutResource(Resource{ID: otherProvider, ClinicID: f.clinicID, Kind: KindProvider, Name: "Dr. B", Timezone: "America/New_York", Active: true})

	start := f.now.Add(2 * time.Hour)
	reqA := f.consultationAt(start)
	reqB := f.consultationAt(start)
	reqB.ProviderID = otherProvider

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = svc.Commit(context.Background(), reqA) }()
	go func() { defer wg.Done(); _, errB = svc.Commit(context.Background(), reqB) }()
	wg.Wait()

	assert.NoError(t, errA)
	assert.NoError(t, errB)
}
