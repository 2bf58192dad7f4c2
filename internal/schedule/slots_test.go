package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

func slotStarts(slots []Slot) []time.Time {
	out := make([]time.Time, len(slots))
	for i, s := range slots {
		out[i] = s.Start
	}
	return out
}

func TestGenerateSlotsAroundBufferedBooking(t *testing.T) {
	// Provider works 09:00-12:00; an existing 10:00-10:30 booking with a
	// 15 minute trailing buffer leaves free windows 09:00-10:00 and
	// 10:45-12:00. 30 minute slots must start at 09:00, 09:15, 09:30 and
	// resume at 10:45.
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	slots := GenerateSlots(GenerateInput{
		Now:         day.Add(-24 * time.Hour),
		Duration:    30 * time.Minute,
		Granularity: 15 * time.Minute,
		Rule:        booking.SchedulingRule{},
		ProviderFree: []interval.Interval{
			{Start: at(9, 0), End: at(10, 0)},
			{Start: at(10, 45), End: at(12, 0)},
		},
	})

	assert.Equal(t, []time.Time{
		at(9, 0), at(9, 15), at(9, 30),
		at(10, 45), at(11, 0), at(11, 15), at(11, 30),
	}, slotStarts(slots))
}

func TestGenerateSlotsRequiresFreeRoom(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	roomA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	roomB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	free := []interval.Interval{{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)}}
	rule := booking.SchedulingRule{
		RequiresRoom:    true,
		EligibleRoomIDs: []uuid.UUID{roomB, roomA},
	}

	// Both rooms blocked for the whole window: provider free, yet no slot
	// may appear.
	allBlocked := map[uuid.UUID][]interval.Interval{
		roomA: free,
		roomB: free,
	}
	slots := GenerateSlots(GenerateInput{
		Now:          day.Add(-time.Hour),
		Duration:     30 * time.Minute,
		Rule:         rule,
		ProviderFree: free,
		RoomBlocked:  allBlocked,
	})
	assert.Empty(t, slots)

	// Room A free again: slots return, tagged with the lowest-id room.
	slots = GenerateSlots(GenerateInput{
		Now:          day.Add(-time.Hour),
		Duration:     30 * time.Minute,
		Rule:         rule,
		ProviderFree: free,
		RoomBlocked:  map[uuid.UUID][]interval.Interval{roomB: free},
	})
	require.NotEmpty(t, slots)
	for _, s := range slots {
		require.NotNil(t, s.RoomID)
		assert.Equal(t, roomA, *s.RoomID)
	}
}

func TestGenerateSlotsEnforcesMinNotice(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	slots := GenerateSlots(GenerateInput{
		Now:      now,
		Duration: 30 * time.Minute,
		Rule:     booking.SchedulingRule{MinNotice: time.Hour},
		ProviderFree: []interval.Interval{
			{Start: now.Add(5 * time.Minute), End: now.Add(3 * time.Hour)},
		},
	})

	require.NotEmpty(t, slots)
	for _, s := range slots {
		assert.False(t, s.Start.Before(now.Add(time.Hour)), "slot %s violates min notice", s.Start)
	}
}

func TestGenerateSlotsEnforcesMaxHorizon(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	slots := GenerateSlots(GenerateInput{
		Now:      now,
		Duration: 30 * time.Minute,
		Rule:     booking.SchedulingRule{MaxHorizon: 2 * time.Hour},
		ProviderFree: []interval.Interval{
			{Start: now, End: now.Add(6 * time.Hour)},
		},
	})

	require.NotEmpty(t, slots)
	for _, s := range slots {
		assert.False(t, s.Start.After(now.Add(2*time.Hour)), "slot %s beyond horizon", s.Start)
	}
}

func TestGenerateSlotsAssignsDistinctEquipmentUnits(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	unitA := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	unitB := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	free := []interval.Interval{{Start: day.Add(9 * time.Hour), End: day.Add(9*time.Hour + 30*time.Minute)}}
	rule := booking.SchedulingRule{
		Equipment: []booking.EquipmentRequirement{
			{Kind: "scanner", EligibleIDs: []uuid.UUID{unitA, unitB}},
			{Kind: "monitor", EligibleIDs: []uuid.UUID{unitA, unitB}},
		},
	}

	slots := GenerateSlots(GenerateInput{
		Now:          day,
		Duration:     30 * time.Minute,
		Rule:         rule,
		ProviderFree: free,
	})
	require.Len(t, slots, 1)
	assert.Equal(t, []uuid.UUID{unitA, unitB}, slots[0].EquipmentIDs)

	// One unit busy: both requirements cannot be met simultaneously.
	slots = GenerateSlots(GenerateInput{
		Now:          day,
		Duration:     30 * time.Minute,
		Rule:         rule,
		ProviderFree: free,
		EquipmentBlocked: map[uuid.UUID][]interval.Interval{
			unitB: free,
		},
	})
	assert.Empty(t, slots)
}

func TestGenerateSlotsFitsDurationInsideWindow(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	slots := GenerateSlots(GenerateInput{
		Now:      day,
		Duration: 45 * time.Minute,
		Rule:     booking.SchedulingRule{},
		ProviderFree: []interval.Interval{
			{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
		},
	})

	// Only 09:00 and 09:15 leave room for 45 minutes before 10:00.
	assert.Equal(t, []time.Time{
		day.Add(9 * time.Hour),
		day.Add(9*time.Hour + 15*time.Minute),
	}, slotStarts(slots))
}
