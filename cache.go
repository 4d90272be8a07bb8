package main

import (
	"database/sql"
	"sync"
	"time"
)

// World state lives in these indexes; MySQL is only the initial-load source
// and the sink behind the deferred writers. Every index supports concurrent
// reads and swaps its maps wholesale on initialize. Callers hold at most one
// index lock at a time: fetch the entity handle, release, then take the
// per-entity lock if one is needed.

type userIndex struct {
	mu       sync.RWMutex
	byID     map[string]*User
	byToken  map[string]*User
	byInvite map[string]*User
}

var userCache = &userIndex{
	byID:     map[string]*User{},
	byToken:  map[string]*User{},
	byInvite: map[string]*User{},
}

func (i *userIndex) get(id string) (*User, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.byID[id]
	return u, ok
}

func (i *userIndex) getByToken(token string) (*User, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.byToken[token]
	return u, ok
}

func (i *userIndex) getByInvitationCode(code string) (*User, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.byInvite[code]
	return u, ok
}

func (i *userIndex) store(u *User) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID[u.ID] = u
	i.byToken[u.AccessToken] = u
	i.byInvite[u.InvitationCode] = u
}

func (i *userIndex) replaceAll(users []*User) {
	byID := make(map[string]*User, len(users))
	byToken := make(map[string]*User, len(users))
	byInvite := make(map[string]*User, len(users))
	for _, u := range users {
		byID[u.ID] = u
		byToken[u.AccessToken] = u
		byInvite[u.InvitationCode] = u
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID = byID
	i.byToken = byToken
	i.byInvite = byInvite
}

type ownerIndex struct {
	mu              sync.RWMutex
	byID            map[string]*Owner
	byToken         map[string]*Owner
	byRegisterToken map[string]*Owner
}

var ownerCache = &ownerIndex{
	byID:            map[string]*Owner{},
	byToken:         map[string]*Owner{},
	byRegisterToken: map[string]*Owner{},
}

func (i *ownerIndex) get(id string) (*Owner, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	o, ok := i.byID[id]
	return o, ok
}

func (i *ownerIndex) getByToken(token string) (*Owner, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	o, ok := i.byToken[token]
	return o, ok
}

func (i *ownerIndex) getByRegisterToken(token string) (*Owner, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	o, ok := i.byRegisterToken[token]
	return o, ok
}

func (i *ownerIndex) store(o *Owner) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID[o.ID] = o
	i.byToken[o.AccessToken] = o
	i.byRegisterToken[o.ChairRegisterToken] = o
}

func (i *ownerIndex) replaceAll(owners []*Owner) {
	byID := make(map[string]*Owner, len(owners))
	byToken := make(map[string]*Owner, len(owners))
	byRegister := make(map[string]*Owner, len(owners))
	for _, o := range owners {
		byID[o.ID] = o
		byToken[o.AccessToken] = o
		byRegister[o.ChairRegisterToken] = o
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID = byID
	i.byToken = byToken
	i.byRegisterToken = byRegister
}

type chairIndex struct {
	mu      sync.RWMutex
	byID    map[string]*Chair
	byToken map[string]*Chair
	byOwner map[string][]*Chair
}

var chairCache = &chairIndex{
	byID:    map[string]*Chair{},
	byToken: map[string]*Chair{},
	byOwner: map[string][]*Chair{},
}

func (i *chairIndex) get(id string) (*Chair, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.byID[id]
	return c, ok
}

func (i *chairIndex) getByToken(token string) (*Chair, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.byToken[token]
	return c, ok
}

func (i *chairIndex) ownedBy(ownerID string) []*Chair {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Chair, len(i.byOwner[ownerID]))
	copy(out, i.byOwner[ownerID])
	return out
}

func (i *chairIndex) all() []*Chair {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Chair, 0, len(i.byID))
	for _, c := range i.byID {
		out = append(out, c)
	}
	return out
}

// IsActive is toggled at runtime, so reads go through the index lock the
// writer holds; the rest of Chair is immutable after store.
func (i *chairIndex) isActive(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.byID[id]
	return ok && c.IsActive
}

func (i *chairIndex) setActive(id string, active bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.byID[id]; ok {
		c.IsActive = active
		c.UpdatedAt = time.Now()
	}
}

func (i *chairIndex) store(c *Chair) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID[c.ID] = c
	i.byToken[c.AccessToken] = c
	i.byOwner[c.OwnerID] = append(i.byOwner[c.OwnerID], c)
}

func (i *chairIndex) replaceAll(chairs []*Chair) {
	byID := make(map[string]*Chair, len(chairs))
	byToken := make(map[string]*Chair, len(chairs))
	byOwner := make(map[string][]*Chair)
	for _, c := range chairs {
		byID[c.ID] = c
		byToken[c.AccessToken] = c
		byOwner[c.OwnerID] = append(byOwner[c.OwnerID], c)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID = byID
	i.byToken = byToken
	i.byOwner = byOwner
}

type rideIndex struct {
	mu      sync.RWMutex
	byID    map[string]*Ride
	byUser  map[string][]*Ride // creation order
	byChair map[string][]*Ride // assignment order
}

var rideCache = &rideIndex{
	byID:    map[string]*Ride{},
	byUser:  map[string][]*Ride{},
	byChair: map[string][]*Ride{},
}

func (i *rideIndex) get(id string) (*Ride, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	r, ok := i.byID[id]
	return r, ok
}

func (i *rideIndex) ofUser(userID string) []*Ride {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Ride, len(i.byUser[userID]))
	copy(out, i.byUser[userID])
	return out
}

func (i *rideIndex) latestOfUser(userID string) (*Ride, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rs := i.byUser[userID]
	if len(rs) == 0 {
		return nil, false
	}
	return rs[len(rs)-1], true
}

func (i *rideIndex) ofChair(chairID string) []*Ride {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Ride, len(i.byChair[chairID]))
	copy(out, i.byChair[chairID])
	return out
}

func (i *rideIndex) countOfUser(userID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byUser[userID])
}

func (i *rideIndex) store(r *Ride) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID[r.ID] = r
	i.byUser[r.UserID] = append(i.byUser[r.UserID], r)
}

// recordAssignment indexes the ride under its chair. The chair_id field
// itself is written by the status machine under the per-ride lock.
func (i *rideIndex) recordAssignment(r *Ride, chairID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byChair[chairID] = append(i.byChair[chairID], r)
}

func (i *rideIndex) replaceAll(rides []*Ride) {
	byID := make(map[string]*Ride, len(rides))
	byUser := make(map[string][]*Ride)
	byChair := make(map[string][]*Ride)
	for _, r := range rides {
		byID[r.ID] = r
		byUser[r.UserID] = append(byUser[r.UserID], r)
		if r.ChairID.Valid {
			byChair[r.ChairID.String] = append(byChair[r.ChairID.String], r)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID = byID
	i.byUser = byUser
	i.byChair = byChair
}

type couponIndex struct {
	mu          sync.RWMutex
	byUser      map[string][]*Coupon // grant order
	byUsedBy    map[string]*Coupon
	countByCode map[string]int
}

var couponCache = &couponIndex{
	byUser:      map[string][]*Coupon{},
	byUsedBy:    map[string]*Coupon{},
	countByCode: map[string]int{},
}

func (i *couponIndex) grant(c *Coupon) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byUser[c.UserID] = append(i.byUser[c.UserID], c)
	i.countByCode[c.Code]++
}

func (i *couponIndex) codeCount(code string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.countByCode[code]
}

func (i *couponIndex) usedBy(rideID string) (*Coupon, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.byUsedBy[rideID]
	return c, ok
}

func pickCoupon(granted []*Coupon, firstRide bool) *Coupon {
	if firstRide {
		for _, c := range granted {
			if c.Code == "CP_NEW2024" && !c.UsedBy.Valid {
				return c
			}
		}
	}
	for _, c := range granted {
		if !c.UsedBy.Valid {
			return c
		}
	}
	return nil
}

// peek returns the coupon the next ride would consume, without mutating.
func (i *couponIndex) peek(userID string, firstRide bool) *Coupon {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return pickCoupon(i.byUser[userID], firstRide)
}

// consume marks the selected coupon as used by rideID. used_by is written
// exactly once; the caller persists it through the deferred updater.
func (i *couponIndex) consume(userID, rideID string, firstRide bool) *Coupon {
	i.mu.Lock()
	defer i.mu.Unlock()
	c := pickCoupon(i.byUser[userID], firstRide)
	if c == nil {
		return nil
	}
	c.UsedBy = sql.NullString{String: rideID, Valid: true}
	i.byUsedBy[rideID] = c
	return c
}

func (i *couponIndex) replaceAll(coupons []*Coupon) {
	byUser := make(map[string][]*Coupon)
	byUsedBy := make(map[string]*Coupon)
	countByCode := make(map[string]int)
	for _, c := range coupons {
		byUser[c.UserID] = append(byUser[c.UserID], c)
		countByCode[c.Code]++
		if c.UsedBy.Valid {
			byUsedBy[c.UsedBy.String] = c
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byUser = byUser
	i.byUsedBy = byUsedBy
	i.countByCode = countByCode
}

type paymentTokenIndex struct {
	mu     sync.RWMutex
	byUser map[string]string
}

var paymentTokenCache = &paymentTokenIndex{byUser: map[string]string{}}

func (i *paymentTokenIndex) get(userID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.byUser[userID]
	return t, ok
}

// set is last-write-wins, matching the table's upsert semantics.
func (i *paymentTokenIndex) set(userID, token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byUser[userID] = token
}

func (i *paymentTokenIndex) replaceAll(tokens []*PaymentToken) {
	byUser := make(map[string]string, len(tokens))
	for _, t := range tokens {
		byUser[t.UserID] = t.Token
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byUser = byUser
}

func initUserCache() error {
	users := []*User{}
	if err := db.Select(&users, "SELECT * FROM users"); err != nil {
		return err
	}
	userCache.replaceAll(users)
	return nil
}

func initOwnerCache() error {
	owners := []*Owner{}
	if err := db.Select(&owners, "SELECT * FROM owners"); err != nil {
		return err
	}
	ownerCache.replaceAll(owners)
	return nil
}

func initChairCache() error {
	chairs := []*Chair{}
	if err := db.Select(&chairs, "SELECT * FROM chairs"); err != nil {
		return err
	}
	chairCache.replaceAll(chairs)
	return nil
}

func initRideCache() error {
	rides := []*Ride{}
	if err := db.Select(&rides, "SELECT * FROM rides ORDER BY created_at"); err != nil {
		return err
	}

	statuses := []*RideStatus{}
	if err := db.Select(&statuses, "SELECT * FROM ride_statuses ORDER BY created_at"); err != nil {
		return err
	}
	latest := make(map[string]*RideStatus, len(rides))
	for _, s := range statuses {
		latest[s.RideID] = s
	}
	for _, r := range rides {
		r.latest = latest[r.ID]
	}

	rideCache.replaceAll(rides)

	latestRideByChair.reset()
	for _, r := range rides {
		if !r.ChairID.Valid {
			continue
		}
		latestRideByChair.store(r.ChairID.String, r)
	}
	return nil
}

func initCouponCache() error {
	coupons := []*Coupon{}
	if err := db.Select(&coupons, "SELECT * FROM coupons ORDER BY created_at"); err != nil {
		return err
	}
	couponCache.replaceAll(coupons)
	return nil
}

func initPaymentTokenCache() error {
	tokens := []*PaymentToken{}
	if err := db.Select(&tokens, "SELECT * FROM payment_tokens"); err != nil {
		return err
	}
	paymentTokenCache.replaceAll(tokens)
	return nil
}

// latestRideByChair tracks the ride a chair is currently bound to (or last
// completed). Entries are overwritten on assignment, never deleted.
type latestRideIndex struct {
	mu sync.RWMutex
	m  map[string]*Ride
}

var latestRideByChair = &latestRideIndex{m: map[string]*Ride{}}

func (i *latestRideIndex) load(chairID string) (*Ride, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	r, ok := i.m[chairID]
	return r, ok
}

func (i *latestRideIndex) store(chairID string, r *Ride) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[chairID] = r
}

func (i *latestRideIndex) reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m = map[string]*Ride{}
}

// chairIsFree reports whether the chair has no ride in flight. A chair that
// never carried a ride is free.
func chairIsFree(chairID string) bool {
	r, ok := latestRideByChair.load(chairID)
	if !ok {
		return true
	}
	st := r.latestStatus()
	return st != nil && (st.Status == statusCompleted || st.Status == statusCanceled)
}
