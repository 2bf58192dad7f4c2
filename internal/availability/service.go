// Package availability serves the read path: working windows minus
// blocked windows, discretized into bookable slots, optionally memoized
// in Redis. Nothing here is authoritative; the commit engine re-validates
// every booking from scratch.
package availability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
	"github.com/clinicore/scheduling-engine/internal/schedule"
)

// bufferScanPad widens appointment fetches so bookings just outside the
// requested range still contribute their buffers to blocked windows.
const bufferScanPad = 4 * time.Hour

// Query asks for bookable slots for one provider over an absolute range.
type Query struct {
	ClinicID        uuid.UUID
	ProviderID      uuid.UUID
	From            time.Time
	To              time.Time
	AppointmentType string
	DurationMinutes int
}

// Result is the advisory slot listing. Timezone is the provider's zone so
// the outer API layer can localize; the engine itself never works in
// local time.
type Result struct {
	Timezone        string          `json:"timezone"`
	Slots           []schedule.Slot `json:"slots"`
	RuleFingerprint string          `json:"rule_fingerprint"`
}

// Cache memoizes results. Get returns (nil, nil) on miss; deps name the
// resource/date combinations the computation consulted so targeted
// invalidation can find dependent entries.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, error)
	Set(ctx context.Context, key string, res *Result, deps []string) error
}

type Service struct {
	repo        booking.Repository
	cache       Cache
	granularity time.Duration
	now         func() time.Time
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithGranularity(g time.Duration) Option {
	return func(s *Service) {
		if g > 0 {
			s.granularity = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo booking.Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		granularity: schedule.DefaultGranularity,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeSlots runs the resolver → aggregator → generator pipeline over a
// consistent snapshot, serving from cache when possible. Cache failures
// are logged and degrade to direct computation; they are never fatal.
func (s *Service) ComputeSlots(ctx context.Context, q Query) (*Result, error) {
	if !q.To.After(q.From) {
		return nil, fmt.Errorf("%w: [%s, %s)", interval.ErrInvalidInterval, q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	}
	if q.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", interval.ErrInvalidInterval)
	}

	rule, err := s.repo.GetRuleByClinicAndType(ctx, q.ClinicID, q.AppointmentType)
	if err != nil {
		return nil, err
	}
	fingerprint := ruleFingerprint(rule)

	key := cacheKey(q, fingerprint)
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Printf("availability cache read failed, computing directly: %v", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	res, deps, err := s.compute(ctx, q, rule, fingerprint)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, res, deps); err != nil {
			log.Printf("availability cache write failed: %v", err)
		}
	}
	return res, nil
}

func (s *Service) compute(ctx context.Context, q Query, rule *booking.SchedulingRule, fingerprint string) (*Result, []string, error) {
	provider, err := s.repo.GetResourceByID(ctx, q.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if provider.Kind != booking.KindProvider {
		return nil, nil, fmt.Errorf("resource %s: %w", q.ProviderID, booking.ErrResourceNotFound)
	}

	working, err := schedule.ResolveWorkingWindows(provider, q.From, q.To)
	if err != nil {
		return nil, nil, err
	}

	lookup := s.bufferLookup(ctx, q.ClinicID)

	providerBlocked, err := s.blockedFor(ctx, q.ProviderID, q.From, q.To, lookup(booking.KindProvider))
	if err != nil {
		return nil, nil, err
	}

	consulted := []uuid.UUID{q.ProviderID}

	roomBlocked := make(map[uuid.UUID][]interval.Interval)
	if rule.RequiresRoom {
		for _, roomID := range rule.EligibleRoomIDs {
			blocked, err := s.blockedFor(ctx, roomID, q.From, q.To, lookup(booking.KindRoom))
			if err != nil {
				return nil, nil, err
			}
			roomBlocked[roomID] = blocked
			consulted = append(consulted, roomID)
		}
	}

	equipmentBlocked := make(map[uuid.UUID][]interval.Interval)
	for _, req := range rule.Equipment {
		for _, unitID := range req.EligibleIDs {
			if _, done := equipmentBlocked[unitID]; done {
				continue
			}
			blocked, err := s.blockedFor(ctx, unitID, q.From, q.To, lookup(booking.KindEquipment))
			if err != nil {
				return nil, nil, err
			}
			equipmentBlocked[unitID] = blocked
			consulted = append(consulted, unitID)
		}
	}

	slots := schedule.GenerateSlots(schedule.GenerateInput{
		Now:              s.now(),
		Duration:         time.Duration(q.DurationMinutes) * time.Minute,
		Granularity:      s.granularity,
		Rule:             *rule,
		ProviderFree:     interval.Subtract(working, providerBlocked),
		RoomBlocked:      roomBlocked,
		EquipmentBlocked: equipmentBlocked,
	})

	res := &Result{
		Timezone:        provider.Timezone,
		Slots:           slots,
		RuleFingerprint: fingerprint,
	}
	return res, depKeys(consulted, q.From, q.To), nil
}

// blockedFor aggregates one resource's blocked windows from its active
// appointments, each expanded by the buffer its own type configures for
// this resource kind.
func (s *Service) blockedFor(ctx context.Context, resourceID uuid.UUID, from, to time.Time, buffers schedule.BufferLookup) ([]interval.Interval, error) {
	appts, err := s.repo.ListActiveAppointmentsInRange(ctx, resourceID, from.Add(-bufferScanPad), to.Add(bufferScanPad))
	if err != nil {
		return nil, fmt.Errorf("list appointments for resource %s: %w", resourceID, err)
	}
	return schedule.BlockedWindows(appts, buffers), nil
}

// bufferLookup memoizes rule fetches per appointment type for the
// duration of one computation.
func (s *Service) bufferLookup(ctx context.Context, clinicID uuid.UUID) func(kind booking.ResourceKind) func(string) booking.Buffer {
	cache := make(map[string]*booking.SchedulingRule)
	resolve := func(appointmentType string) *booking.SchedulingRule {
		if rule, ok := cache[appointmentType]; ok {
			return rule
		}
		rule, err := s.repo.GetRuleByClinicAndType(ctx, clinicID, appointmentType)
		if err != nil {
			rule = &booking.SchedulingRule{}
		}
		cache[appointmentType] = rule
		return rule
	}
	return func(kind booking.ResourceKind) func(string) booking.Buffer {
		return func(appointmentType string) booking.Buffer {
			return resolve(appointmentType).BufferFor(kind)
		}
	}
}

func cacheKey(q Query, fingerprint string) string {
	return fmt.Sprintf("slots:%s:%s:%s:%s:%s:%d:%s",
		q.ClinicID, q.ProviderID,
		q.From.UTC().Format(time.RFC3339), q.To.UTC().Format(time.RFC3339),
		q.AppointmentType, q.DurationMinutes, fingerprint)
}

// depKeys enumerates every resource/date combination the computation
// read, one key per UTC day in range per resource.
func depKeys(resourceIDs []uuid.UUID, from, to time.Time) []string {
	var keys []string
	for _, id := range resourceIDs {
		day := from.UTC().Truncate(24 * time.Hour)
		for day.Before(to) {
			keys = append(keys, DepKey(id, day.Format("2006-01-02")))
			day = day.Add(24 * time.Hour)
		}
	}
	return keys
}

// DepKey names one resource/date dependency.
func DepKey(resourceID uuid.UUID, date string) string {
	return fmt.Sprintf("slotdeps:%s:%s", resourceID, date)
}

// ruleFingerprint hashes the rule so a policy change invalidates every
// dependent cache entry through the key itself.
func ruleFingerprint(rule *booking.SchedulingRule) string {
	payload, err := json.Marshal(rule)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
