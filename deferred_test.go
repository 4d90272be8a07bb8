package main

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestChunkRows(t *testing.T) {
	tests := []struct {
		name string
		n    int
		size int
		want []int
	}{
		{"empty", 0, 500, nil},
		{"below size", 3, 500, []int{3}},
		{"exact size", 500, 500, []int{500}},
		{"one over", 501, 500, []int{500, 1}},
		{"multiple", 1200, 500, []int{500, 500, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := make([]int, tt.n)
			chunks := chunkRows(rows, tt.size)
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d: got %d rows, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}

func TestQuiescedFlushLeavesRowsBuffered(t *testing.T) {
	buf := newInsertBuffer[ChairLocation]("chair_locations_test", "INSERT")
	buf.insert(ChairLocation{ID: "loc1", ChairID: "chair1"})

	quiesceDeferred()
	defer resumeDeferred()

	// With the writers paused a flush must not touch the store at all;
	// the pending rows wait for the reset (or the resume).
	if err := buf.flush(context.Background()); err != nil {
		t.Fatalf("quiesced flush returned %v", err)
	}
	if buf.pending() != 1 {
		t.Errorf("pending = %d, want 1 (row must survive a quiesced flush)", buf.pending())
	}

	buf.reset()
	if buf.pending() != 0 {
		t.Errorf("pending after reset = %d, want 0", buf.pending())
	}
}

func TestCoalesceRideStatusUpdates(t *testing.T) {
	now := time.Now()
	inserts := []RideStatus{
		{ID: "st1", RideID: "ride1", Status: statusMatching},
		{ID: "st2", RideID: "ride1", Status: statusEnroute},
	}
	updates := []rideStatusUpdate{
		{statusID: "st1", appSentAt: sql.NullTime{Time: now, Valid: true}},
		{statusID: "st1", chairSentAt: sql.NullTime{Time: now, Valid: true}},
		{statusID: "old", appSentAt: sql.NullTime{Time: now, Valid: true}},
	}

	remaining := coalesceRideStatusUpdates(inserts, updates)

	if len(remaining) != 1 {
		t.Fatalf("got %d remaining updates, want 1", len(remaining))
	}
	if remaining[0].statusID != "old" {
		t.Errorf("remaining update targets %s, want old", remaining[0].statusID)
	}
	if !inserts[0].AppSentAt.Valid || !inserts[0].ChairSentAt.Valid {
		t.Error("updates for st1 were not folded into its insert")
	}
	if inserts[1].AppSentAt.Valid || inserts[1].ChairSentAt.Valid {
		t.Error("st2 insert must stay untouched")
	}
}

func TestCoalesceCouponUpdates(t *testing.T) {
	inserts := []Coupon{
		{UserID: "u1", Code: "CP_NEW2024", Discount: 3000},
		{UserID: "u2", Code: "CP_NEW2024", Discount: 3000},
	}
	updates := []couponUpdate{
		{userID: "u1", code: "CP_NEW2024", usedBy: "ride1"},
		{userID: "u3", code: "INV_abc", usedBy: "ride2"},
	}

	remaining := coalesceCouponUpdates(inserts, updates)

	if len(remaining) != 1 {
		t.Fatalf("got %d remaining updates, want 1", len(remaining))
	}
	if remaining[0].userID != "u3" {
		t.Errorf("remaining update for %s, want u3", remaining[0].userID)
	}
	if !inserts[0].UsedBy.Valid || inserts[0].UsedBy.String != "ride1" {
		t.Error("u1's used_by was not folded into the insert")
	}
	if inserts[1].UsedBy.Valid {
		t.Error("u2's insert must stay unused; the key is (user_id, code)")
	}
}
