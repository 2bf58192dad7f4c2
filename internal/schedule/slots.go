package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

const DefaultGranularity = 15 * time.Minute

// Slot is one feasible start instant, tagged with the concrete room and
// equipment units the generator verified free so the caller can book
// exactly what was offered. Slots describe a consistent snapshot, never
// a reservation.
type Slot struct {
	Start        time.Time
	RoomID       *uuid.UUID
	EquipmentIDs []uuid.UUID
}

// GenerateInput carries everything the generator needs, precomputed by
// the caller: the provider's free set (working minus blocked) and the
// buffer-expanded blocked sets of each candidate room and equipment unit.
type GenerateInput struct {
	Now         time.Time
	Duration    time.Duration
	Granularity time.Duration
	Rule        booking.SchedulingRule

	ProviderFree     []interval.Interval
	RoomBlocked      map[uuid.UUID][]interval.Interval
	EquipmentBlocked map[uuid.UUID][]interval.Interval
}

// GenerateSlots discretizes the provider's free windows into candidate
// starts at the configured granularity, drops candidates violating
// min-notice or max-horizon, and keeps only those for which a room and
// every required equipment unit are simultaneously free. Resource
// tie-breaks are deterministic: lowest UUID wins.
func GenerateSlots(in GenerateInput) []Slot {
	if in.Duration <= 0 {
		return nil
	}
	gran := in.Granularity
	if gran <= 0 {
		gran = DefaultGranularity
	}

	earliest := in.Now.Add(in.Rule.MinNotice)
	var latest time.Time
	if in.Rule.MaxHorizon > 0 {
		latest = in.Now.Add(in.Rule.MaxHorizon)
	}

	eligibleRooms := sortedIDs(in.Rule.EligibleRoomIDs)

	var slots []Slot
	for _, window := range in.ProviderFree {
		for start := window.Start; !start.Add(in.Duration).After(window.End); start = start.Add(gran) {
			if start.Before(earliest) {
				continue
			}
			if !latest.IsZero() && start.After(latest) {
				break
			}

			candidate := interval.Interval{Start: start, End: start.Add(in.Duration)}

			slot := Slot{Start: start}
			if in.Rule.RequiresRoom {
				roomID, ok := firstFree(eligibleRooms, in.RoomBlocked, candidate, nil)
				if !ok {
					continue
				}
				slot.RoomID = &roomID
			}

			feasible := true
			taken := make(map[uuid.UUID]bool, len(in.Rule.Equipment))
			for _, req := range in.Rule.Equipment {
				unitID, ok := firstFree(sortedIDs(req.EligibleIDs), in.EquipmentBlocked, candidate, taken)
				if !ok {
					feasible = false
					break
				}
				taken[unitID] = true
				slot.EquipmentIDs = append(slot.EquipmentIDs, unitID)
			}
			if !feasible {
				continue
			}

			slots = append(slots, slot)
		}
	}
	return slots
}

// firstFree returns the lowest-id candidate whose blocked set leaves span
// untouched, skipping ids already taken by another requirement of the
// same slot.
func firstFree(ids []uuid.UUID, blocked map[uuid.UUID][]interval.Interval, span interval.Interval, taken map[uuid.UUID]bool) (uuid.UUID, bool) {
	for _, id := range ids {
		if taken != nil && taken[id] {
			continue
		}
		if overlapsAny(blocked[id], span) {
			continue
		}
		return id, true
	}
	return uuid.Nil, false
}

func overlapsAny(set []interval.Interval, span interval.Interval) bool {
	for _, iv := range set {
		if iv.Overlaps(span) {
			return true
		}
	}
	return false
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
