package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/events"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

var (
	ErrConflict      = errors.New("requested time conflicts with an existing booking")
	ErrStaleVersion  = errors.New("appointment was modified concurrently")
	ErrRuleViolation = errors.New("scheduling rule violation")
	ErrTransient     = errors.New("transient persistence failure")
	ErrCommitTimeout = errors.New("commit timed out")
)

// maxBufferReach bounds how far any configured buffer can extend an
// appointment. Rule validation and the schema both cap buffers at this
// value, and the conflict scan widens its query window by it, so an
// existing booking whose buffer reaches into the requested interval is
// always fetched.
const maxBufferReach = 4 * time.Hour

// EventPublisher delivers one change notification per committed mutation.
// Delivery is at-least-once; consumers must tolerate redelivery.
type EventPublisher interface {
	PublishChange(ctx context.Context, ev events.ChangeEvent) error
}

// Service is the conflict-safe commit engine. It is the sole authority on
// whether a booking is legal: it re-validates every request from scratch
// under per-resource locks and never consults the availability cache.
type Service struct {
	repo        Repository
	publisher   EventPublisher
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithRetry(maxAttempts int, backoff time.Duration) ServiceOption {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		s.backoff = backoff
	}
}

func NewService(repo Repository, publisher EventPublisher, opts ...ServiceOption) *Service {
	s := &Service{
		repo:        repo,
		publisher:   publisher,
		maxAttempts: 3,
		backoff:     50 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CommitRequest is a fully specified booking candidate: the exact
// resources and the exact absolute interval the caller wants.
type CommitRequest struct {
	ClinicID        uuid.UUID
	PatientID       uuid.UUID
	ProviderID      uuid.UUID
	RoomID          *uuid.UUID
	EquipmentIDs    []uuid.UUID
	AppointmentType string
	StartsAt        time.Time
	EndsAt          time.Time
}

// Commit validates the request against current state and inserts the
// appointment atomically. Among concurrent conflicting requests exactly
// one wins; the rest observe ErrConflict.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*Appointment, error) {
	span, err := interval.New(req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}

	rule, err := s.normalize(ctx, req, span)
	if err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:              uuid.New(),
		ClinicID:        req.ClinicID,
		PatientID:       req.PatientID,
		ProviderID:      req.ProviderID,
		RoomID:          req.RoomID,
		EquipmentIDs:    req.EquipmentIDs,
		AppointmentType: req.AppointmentType,
		StartsAt:        req.StartsAt,
		EndsAt:          req.EndsAt,
		Status:          StatusScheduled,
		Version:         1,
	}

	refs := appt.ResourceIDs()
	err = s.withRetry(ctx, func() error {
		return s.repo.WithResourceLocks(ctx, refs, func(lockCtx context.Context, tx Tx) error {
			if err := s.checkConflicts(lockCtx, tx, refs, span, *rule, uuid.Nil); err != nil {
				return err
			}
			return tx.InsertAppointment(lockCtx, appt)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, events.EventCreated, appt)
	return appt, nil
}

// Reschedule replaces the appointment's interval and resources with the
// requested ones, re-running full validation. The update is guarded by
// expectedVersion; a stale version yields ErrStaleVersion.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int64, req CommitRequest) (*Appointment, error) {
	span, err := interval.New(req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.IsActive() {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrRuleViolation, current.Status)
	}

	rule, err := s.normalize(ctx, req, span)
	if err != nil {
		return nil, err
	}

	updated := *current
	updated.ProviderID = req.ProviderID
	updated.RoomID = req.RoomID
	updated.EquipmentIDs = req.EquipmentIDs
	updated.AppointmentType = req.AppointmentType
	updated.StartsAt = req.StartsAt
	updated.EndsAt = req.EndsAt

	refs := updated.ResourceIDs()
	err = s.withRetry(ctx, func() error {
		return s.repo.WithResourceLocks(ctx, refs, func(lockCtx context.Context, tx Tx) error {
			if err := s.checkConflicts(lockCtx, tx, refs, span, *rule, id); err != nil {
				return err
			}
			return tx.UpdateAppointment(lockCtx, &updated, expectedVersion)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, events.EventUpdated, &updated)
	if s.publisher != nil {
		// Vacated days need invalidating too.
		newDates := affectedDates(updated.StartsAt, updated.EndsAt)
		for _, date := range affectedDates(current.StartsAt, current.EndsAt) {
			if !containsString(newDates, date) {
				s.publishChangeOn(ctx, events.EventUpdated, current, date)
			}
		}
	}
	return &updated, nil
}

// Cancel transitions the appointment to cancelled, guarded by
// expectedVersion. Cancelling an already-cancelled appointment at its
// current version is a no-op success; completed and no-show appointments
// are terminal and cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status == StatusCancelled {
		if current.Version != expectedVersion {
			return nil, ErrStaleVersion
		}
		return current, nil
	}
	if !current.Status.IsActive() {
		return nil, fmt.Errorf("%w: cannot cancel a %s appointment", ErrRuleViolation, current.Status)
	}

	updated := *current
	updated.Status = StatusCancelled

	refs := updated.ResourceIDs()
	err = s.withRetry(ctx, func() error {
		return s.repo.WithResourceLocks(ctx, refs, func(lockCtx context.Context, tx Tx) error {
			return tx.UpdateAppointment(lockCtx, &updated, expectedVersion)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, events.EventCancelled, &updated)
	return &updated, nil
}

// GetAppointment retrieves an appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

// ListAppointmentsByPatient retrieves appointments for one patient.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

// normalize validates entity existence and activity, resolves the rule
// set, and enforces every rule check the slot generator applies. The
// engine never trusts earlier generator output.
func (s *Service) normalize(ctx context.Context, req CommitRequest, span interval.Interval) (*SchedulingRule, error) {
	if _, err := s.repo.GetClinicByID(ctx, req.ClinicID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, err
	}

	rule, err := s.repo.GetRuleByClinicAndType(ctx, req.ClinicID, req.AppointmentType)
	if err != nil {
		return nil, err
	}
	if err := validateBufferReach(rule); err != nil {
		return nil, err
	}

	now := s.now()
	if span.Start.Before(now.Add(rule.MinNotice)) {
		return nil, fmt.Errorf("%w: start violates minimum notice of %s", ErrRuleViolation, rule.MinNotice)
	}
	if rule.MaxHorizon > 0 && span.Start.After(now.Add(rule.MaxHorizon)) {
		return nil, fmt.Errorf("%w: start beyond booking horizon of %s", ErrRuleViolation, rule.MaxHorizon)
	}

	ids := []uuid.UUID{req.ProviderID}
	if req.RoomID != nil {
		ids = append(ids, *req.RoomID)
	}
	ids = append(ids, req.EquipmentIDs...)

	resources, err := s.repo.GetResourcesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*Resource, len(resources))
	for _, res := range resources {
		byID[res.ID] = res
	}

	for _, id := range ids {
		res, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("resource %s: %w", id, ErrResourceNotFound)
		}
		if !res.Active {
			return nil, fmt.Errorf("%w: resource %s is inactive", ErrRuleViolation, id)
		}
		if res.ClinicID != req.ClinicID {
			return nil, fmt.Errorf("%w: resource %s belongs to another clinic", ErrRuleViolation, id)
		}
	}
	if byID[req.ProviderID].Kind != KindProvider {
		return nil, fmt.Errorf("%w: %s is not a provider", ErrRuleViolation, req.ProviderID)
	}

	if rule.RequiresRoom {
		if req.RoomID == nil {
			return nil, fmt.Errorf("%w: appointment type %q requires a room", ErrRuleViolation, req.AppointmentType)
		}
		if byID[*req.RoomID].Kind != KindRoom {
			return nil, fmt.Errorf("%w: %s is not a room", ErrRuleViolation, *req.RoomID)
		}
		if !containsID(rule.EligibleRoomIDs, *req.RoomID) {
			return nil, fmt.Errorf("%w: room %s is not eligible for type %q", ErrRuleViolation, *req.RoomID, req.AppointmentType)
		}
	} else if req.RoomID != nil && byID[*req.RoomID].Kind != KindRoom {
		return nil, fmt.Errorf("%w: %s is not a room", ErrRuleViolation, *req.RoomID)
	}

	if err := matchEquipment(rule.Equipment, req.EquipmentIDs, byID); err != nil {
		return nil, err
	}

	return rule, nil
}

// validateBufferReach rejects rules whose buffers exceed the conflict
// scan window. The schema enforces the same cap; this guards stores that
// do not. A buffer past the cap could hide an existing booking from the
// scan and let a conflicting commit through.
func validateBufferReach(rule *SchedulingRule) error {
	for _, buf := range []Buffer{rule.ProviderBuffer, rule.RoomBuffer, rule.EquipmentBuffer} {
		if buf.Before > maxBufferReach || buf.After > maxBufferReach {
			return fmt.Errorf("%w: rule %q configures a buffer beyond the %s maximum", ErrRuleViolation, rule.AppointmentType, maxBufferReach)
		}
	}
	return nil
}

// matchEquipment checks that the supplied units satisfy each requirement
// exactly once. Requirements are matched greedily in order, which is
// enough because units are interchangeable within a requirement.
func matchEquipment(reqs []EquipmentRequirement, unitIDs []uuid.UUID, byID map[uuid.UUID]*Resource) error {
	if len(unitIDs) != len(reqs) {
		return fmt.Errorf("%w: type needs %d equipment unit(s), got %d", ErrRuleViolation, len(reqs), len(unitIDs))
	}
	for _, id := range unitIDs {
		if byID[id].Kind != KindEquipment {
			return fmt.Errorf("%w: %s is not equipment", ErrRuleViolation, id)
		}
	}

	used := make(map[uuid.UUID]bool, len(unitIDs))
	for _, req := range reqs {
		matched := false
		for _, id := range unitIDs {
			if used[id] || !containsID(req.EligibleIDs, id) {
				continue
			}
			used[id] = true
			matched = true
			break
		}
		if !matched {
			return fmt.Errorf("%w: no supplied unit satisfies equipment requirement %q", ErrRuleViolation, req.Kind)
		}
	}
	return nil
}

// checkConflicts re-validates, under resource locks, that no active
// appointment's buffer-expanded interval intersects the requested
// buffer-expanded interval on any involved resource. excludeID skips the
// appointment being rescheduled.
func (s *Service) checkConflicts(ctx context.Context, tx Tx, refs []ResourceRef, span interval.Interval, rule SchedulingRule, excludeID uuid.UUID) error {
	ruleCache := map[string]*SchedulingRule{rule.AppointmentType: &rule}

	for _, ref := range refs {
		buf := rule.BufferFor(ref.Kind)
		requested := span.Expand(buf.Before, buf.After)

		scan := requested.Expand(maxBufferReach, maxBufferReach)
		existing, err := tx.ListActiveOverlapping(ctx, ref.ID, scan)
		if err != nil {
			return fmt.Errorf("scan resource %s: %w", ref.ID, err)
		}

		for _, other := range existing {
			if other.ID == excludeID || !other.Status.IsActive() {
				continue
			}
			otherRule, ok := ruleCache[other.AppointmentType]
			if !ok {
				otherRule, err = s.repo.GetRuleByClinicAndType(ctx, other.ClinicID, other.AppointmentType)
				if err != nil {
					if errors.Is(err, ErrRuleNotFound) {
						otherRule = &SchedulingRule{}
					} else {
						return fmt.Errorf("resolve rule for %q: %w", other.AppointmentType, err)
					}
				}
				ruleCache[other.AppointmentType] = otherRule
			}
			otherBuf := otherRule.BufferFor(ref.Kind)
			otherSpan := interval.Interval{Start: other.StartsAt, End: other.EndsAt}.Expand(otherBuf.Before, otherBuf.After)
			if requested.Overlaps(otherSpan) {
				return fmt.Errorf("resource %s already claimed by appointment %s: %w", ref.ID, other.ID, ErrConflict)
			}
		}
	}
	return nil
}

// withRetry re-runs fn on transient persistence failures with a bounded
// backoff. The conflict check is idempotent and re-evaluates current
// state, so retrying is safe. Context expiry surfaces as ErrCommitTimeout
// so callers can distinguish it from a genuine conflict.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrCommitTimeout, ctxErr)
		}
		if !errors.Is(err, ErrTransient) || attempt >= s.maxAttempts {
			return err
		}
		log.Printf("transient commit failure, retrying attempt=%d err=%v", attempt+1, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCommitTimeout, ctx.Err())
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
}

func (s *Service) publishChange(ctx context.Context, eventType string, appt *Appointment) {
	if s.publisher == nil {
		return
	}
	for _, date := range affectedDates(appt.StartsAt, appt.EndsAt) {
		s.publishChangeOn(ctx, eventType, appt, date)
	}
}

func (s *Service) publishChangeOn(ctx context.Context, eventType string, appt *Appointment, date string) {
	ev := events.ChangeEvent{
		EventType:     eventType,
		ClinicID:      appt.ClinicID,
		ProviderID:    appt.ProviderID,
		RoomID:        appt.RoomID,
		EquipmentIDs:  appt.EquipmentIDs,
		Date:          date,
		AppointmentID: appt.ID,
		Version:       appt.Version,
	}
	if err := s.publisher.PublishChange(ctx, ev); err != nil {
		// Cache invalidation degrades to TTL expiry; booking correctness
		// does not depend on delivery.
		log.Printf("failed to publish %s event for appointment %s: %v", eventType, appt.ID, err)
	}
}

// affectedDates lists every UTC calendar day the mutation can influence.
// The span is widened by the buffer cap because an adjacent day's slot
// listings can depend on this booking through buffer expansion alone.
func affectedDates(start, end time.Time) []string {
	from := start.Add(-maxBufferReach).UTC()
	limit := end.Add(maxBufferReach).UTC()

	var dates []string
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for day.Before(limit) {
		dates = append(dates, day.Format("2006-01-02"))
		day = day.Add(24 * time.Hour)
	}
	return dates
}

func containsString(set []string, s string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func sortResourceRefs(refs []ResourceRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind.lockRank() != refs[j].Kind.lockRank() {
			return refs[i].Kind.lockRank() < refs[j].Kind.lockRank()
		}
		return refs[i].ID.String() < refs[j].ID.String()
	})
}
