package main

import (
	"database/sql"
	"sync"
	"testing"
)

func newTestCouponIndex() *couponIndex {
	return &couponIndex{
		byUser:      map[string][]*Coupon{},
		byUsedBy:    map[string]*Coupon{},
		countByCode: map[string]int{},
	}
}

func TestPickCoupon(t *testing.T) {
	welcome := &Coupon{UserID: "u", Code: "CP_NEW2024", Discount: 3000}
	invite := &Coupon{UserID: "u", Code: "INV_abc", Discount: 1500}

	t.Run("first ride prefers the welcome coupon", func(t *testing.T) {
		got := pickCoupon([]*Coupon{invite, welcome}, true)
		if got != welcome {
			t.Errorf("picked %+v, want CP_NEW2024", got)
		}
	})

	t.Run("later rides take the oldest unused", func(t *testing.T) {
		got := pickCoupon([]*Coupon{invite, welcome}, false)
		if got != invite {
			t.Errorf("picked %+v, want INV_abc (grant order)", got)
		}
	})

	t.Run("used coupons are skipped", func(t *testing.T) {
		used := &Coupon{UserID: "u", Code: "INV_x", Discount: 1500, UsedBy: sql.NullString{String: "r", Valid: true}}
		got := pickCoupon([]*Coupon{used, invite}, false)
		if got != invite {
			t.Errorf("picked %+v, want the unused coupon", got)
		}
	})

	t.Run("nothing left", func(t *testing.T) {
		if got := pickCoupon(nil, true); got != nil {
			t.Errorf("picked %+v from empty grant list", got)
		}
	})
}

func TestCouponIndexConsume(t *testing.T) {
	idx := newTestCouponIndex()
	idx.grant(&Coupon{UserID: "u1", Code: "CP_NEW2024", Discount: 3000})
	idx.grant(&Coupon{UserID: "u1", Code: "INV_abc", Discount: 1500})

	c := idx.consume("u1", "ride1", true)
	if c == nil || c.Code != "CP_NEW2024" {
		t.Fatalf("consumed %+v, want CP_NEW2024 on the first ride", c)
	}
	if got, ok := idx.usedBy("ride1"); !ok || got != c {
		t.Error("consumed coupon not findable by ride id")
	}

	c = idx.consume("u1", "ride2", false)
	if c == nil || c.Code != "INV_abc" {
		t.Fatalf("consumed %+v, want INV_abc", c)
	}

	if c := idx.consume("u1", "ride3", false); c != nil {
		t.Errorf("consumed %+v after all coupons were spent", c)
	}
}

func TestCouponIndexPeekDoesNotConsume(t *testing.T) {
	idx := newTestCouponIndex()
	idx.grant(&Coupon{UserID: "u1", Code: "CP_NEW2024", Discount: 3000})

	if c := idx.peek("u1", true); c == nil || c.UsedBy.Valid {
		t.Fatal("peek must return the coupon unmodified")
	}
	if c := idx.peek("u1", true); c == nil {
		t.Fatal("peek consumed the coupon")
	}
}

func TestCouponIndexCodeCount(t *testing.T) {
	idx := newTestCouponIndex()
	for _, uid := range []string{"a", "b", "c"} {
		idx.grant(&Coupon{UserID: uid, Code: "INV_xyz", Discount: 1500})
	}
	if got := idx.codeCount("INV_xyz"); got != 3 {
		t.Errorf("codeCount = %d, want 3", got)
	}
	if got := idx.codeCount("INV_other"); got != 0 {
		t.Errorf("codeCount for unknown code = %d, want 0", got)
	}
}

func TestCalculateDiscountedFare(t *testing.T) {
	// Welcome coupon swallows the whole metered fare on a short first ride.
	couponCache.grant(&Coupon{UserID: "fare-user-1", Code: "CP_NEW2024", Discount: 3000})
	if got := calculateDiscountedFare("fare-user-1", nil, 0, 0, 5, 5); got != initialFare {
		t.Errorf("discounted fare = %d, want %d (metered fully discounted)", got, initialFare)
	}

	// Long ride: only part of the metered fare is discounted.
	couponCache.grant(&Coupon{UserID: "fare-user-2", Code: "CP_NEW2024", Discount: 3000})
	metered := farePerDistance * 50
	if got := calculateDiscountedFare("fare-user-2", nil, 0, 0, 25, 25); got != initialFare+metered-3000 {
		t.Errorf("discounted fare = %d, want %d", got, initialFare+metered-3000)
	}

	// No coupons: full fare.
	if got := calculateDiscountedFare("fare-user-none", nil, 0, 0, 3, 4); got != calculateFare(0, 0, 3, 4) {
		t.Errorf("fare without coupons = %d, want %d", got, calculateFare(0, 0, 3, 4))
	}
}

func TestCalculateDiscountedFareEstimateUsesRideHistory(t *testing.T) {
	// A user with ride history previews the oldest unused coupon, not the
	// welcome coupon, because the next ride is not their first.
	userID := "fare-user-history"
	couponCache.grant(&Coupon{UserID: userID, Code: "INV_hist", Discount: 1500})
	couponCache.grant(&Coupon{UserID: userID, Code: "CP_NEW2024", Discount: 3000})
	rideCache.store(newTestRide("fare-history-ride", userID, ""))

	// Metered 3000; the 1500 invite coupon applies, not the 3000 welcome.
	if got := calculateDiscountedFare(userID, nil, 0, 0, 15, 15); got != initialFare+1500 {
		t.Errorf("estimate = %d, want %d", got, initialFare+1500)
	}

	// Without any rides the same grants preview the welcome coupon.
	fresh := "fare-user-fresh"
	couponCache.grant(&Coupon{UserID: fresh, Code: "INV_hist2", Discount: 1500})
	couponCache.grant(&Coupon{UserID: fresh, Code: "CP_NEW2024", Discount: 3000})
	if got := calculateDiscountedFare(fresh, nil, 0, 0, 15, 15); got != initialFare {
		t.Errorf("first-ride estimate = %d, want %d", got, initialFare)
	}
}

func TestChairIndexActivityToggle(t *testing.T) {
	idx := &chairIndex{
		byID:    map[string]*Chair{},
		byToken: map[string]*Chair{},
		byOwner: map[string][]*Chair{},
	}
	idx.store(&Chair{ID: "toggle-chair", AccessToken: "toggle-token", OwnerID: "toggle-owner"})

	if idx.isActive("toggle-chair") {
		t.Error("a freshly registered chair starts inactive")
	}
	idx.setActive("toggle-chair", true)
	if !idx.isActive("toggle-chair") {
		t.Error("activation not visible through the index")
	}
	idx.setActive("toggle-chair", false)
	if idx.isActive("toggle-chair") {
		t.Error("deactivation not visible through the index")
	}
	if idx.isActive("no-such-chair") {
		t.Error("unknown chairs are not active")
	}

	// Concurrent toggles and reads share the index lock; the race
	// detector keeps this honest.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				idx.setActive("toggle-chair", j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				idx.isActive("toggle-chair")
			}
		}()
	}
	wg.Wait()
}

func TestRideIndexOrdering(t *testing.T) {
	idx := &rideIndex{
		byID:    map[string]*Ride{},
		byUser:  map[string][]*Ride{},
		byChair: map[string][]*Ride{},
	}

	r1 := newTestRide("order-1", "order-user", "")
	r2 := newTestRide("order-2", "order-user", "")
	idx.store(r1)
	idx.store(r2)

	if got := idx.countOfUser("order-user"); got != 2 {
		t.Errorf("countOfUser = %d, want 2", got)
	}
	latest, ok := idx.latestOfUser("order-user")
	if !ok || latest != r2 {
		t.Error("latestOfUser must return the newest ride")
	}
	rides := idx.ofUser("order-user")
	if len(rides) != 2 || rides[0] != r1 {
		t.Error("ofUser must preserve creation order")
	}

	idx.recordAssignment(r1, "order-chair")
	if got := idx.ofChair("order-chair"); len(got) != 1 || got[0] != r1 {
		t.Error("recordAssignment must index the ride under its chair")
	}
}
