package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

type appPostUsersRequest struct {
	Username       string  `json:"username"`
	FirstName      string  `json:"firstname"`
	LastName       string  `json:"lastname"`
	DateOfBirth    string  `json:"date_of_birth"`
	InvitationCode *string `json:"invitation_code"`
}

type appPostUsersResponse struct {
	ID             string `json:"id"`
	InvitationCode string `json:"invitation_code"`
}

func appPostUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &appPostUsersRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.FirstName == "" || req.LastName == "" || req.DateOfBirth == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(username, firstname, lastname, date_of_birth) are empty"))
		return
	}

	now := time.Now()
	user := &User{
		ID:             ulid.Make().String(),
		Username:       req.Username,
		Firstname:      req.FirstName,
		Lastname:       req.LastName,
		DateOfBirth:    req.DateOfBirth,
		AccessToken:    secureRandomStr(32),
		InvitationCode: secureRandomStr(15),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// 招待コードを使った登録
	var inviter *User
	if req.InvitationCode != nil && *req.InvitationCode != "" {
		if couponCache.codeCount("INV_"+*req.InvitationCode) >= 3 {
			writeError(w, r, http.StatusBadRequest, errors.New("この招待コードは使用できません。"))
			return
		}
		var ok bool
		inviter, ok = userCache.getByInvitationCode(*req.InvitationCode)
		if !ok {
			writeError(w, r, http.StatusBadRequest, errors.New("この招待コードは使用できません。"))
			return
		}
	}

	if _, err := db.ExecContext(
		ctx,
		"INSERT INTO users (id, username, firstname, lastname, date_of_birth, access_token, invitation_code, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Firstname, user.Lastname, user.DateOfBirth, user.AccessToken, user.InvitationCode, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	userCache.store(user)

	// 初回登録キャンペーンのクーポンを付与
	grantCoupon(&Coupon{UserID: user.ID, Code: "CP_NEW2024", Discount: 3000, CreatedAt: now})

	if inviter != nil {
		// 招待された側のクーポン付与
		grantCoupon(&Coupon{UserID: user.ID, Code: "INV_" + *req.InvitationCode, Discount: 1500, CreatedAt: now})
		// 招待した人にもRewardを付与
		grantCoupon(&Coupon{
			UserID:    inviter.ID,
			Code:      fmt.Sprintf("RWD_%s_%d", *req.InvitationCode, now.UnixMilli()),
			Discount:  1000,
			CreatedAt: now,
		})
	}

	http.SetCookie(w, &http.Cookie{
		Path:  "/",
		Name:  "app_session",
		Value: user.AccessToken,
	})

	writeJSON(w, http.StatusCreated, &appPostUsersResponse{
		ID:             user.ID,
		InvitationCode: user.InvitationCode,
	})
}

func grantCoupon(c *Coupon) {
	couponCache.grant(c)
	couponWriter.insert(c)
}

type appPostPaymentMethodsRequest struct {
	Token string `json:"token"`
}

func appPostPaymentMethods(w http.ResponseWriter, r *http.Request) {
	req := &appPostPaymentMethodsRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("token is required but was empty"))
		return
	}

	user := r.Context().Value("user").(*User)

	paymentTokenCache.set(user.ID, req.Token)
	paymentTokenWriter.insert(PaymentToken{
		UserID:    user.ID,
		Token:     req.Token,
		CreatedAt: time.Now(),
	})

	w.WriteHeader(http.StatusNoContent)
}

type getAppRidesResponse struct {
	Rides []getAppRidesResponseItem `json:"rides"`
}

type getAppRidesResponseItem struct {
	ID                    string                       `json:"id"`
	PickupCoordinate      Coordinate                   `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate                   `json:"destination_coordinate"`
	Chair                 getAppRidesResponseItemChair `json:"chair"`
	Fare                  int                          `json:"fare"`
	Evaluation            int                          `json:"evaluation"`
	RequestedAt           int64                        `json:"requested_at"`
	CompletedAt           int64                        `json:"completed_at"`
}

type getAppRidesResponseItemChair struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

func appGetRides(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value("user").(*User)

	rides := rideCache.ofUser(user.ID)

	items := []getAppRidesResponseItem{}
	for i := len(rides) - 1; i >= 0; i-- {
		ride := rides[i]
		st := ride.latestStatus()
		if st == nil || st.Status != statusCompleted {
			continue
		}

		item := getAppRidesResponseItem{
			ID:                    ride.ID,
			PickupCoordinate:      Coordinate{Latitude: ride.PickupLatitude, Longitude: ride.PickupLongitude},
			DestinationCoordinate: Coordinate{Latitude: ride.DestinationLatitude, Longitude: ride.DestinationLongitude},
			Fare:                  calculateDiscountedFare(user.ID, ride, 0, 0, 0, 0),
			RequestedAt:           ride.CreatedAt.UnixMilli(),
			CompletedAt:           ride.UpdatedAt.UnixMilli(),
		}
		if ride.Evaluation != nil {
			item.Evaluation = *ride.Evaluation
		}

		if ride.ChairID.Valid {
			if chair, ok := chairCache.get(ride.ChairID.String); ok {
				item.Chair.ID = chair.ID
				item.Chair.Name = chair.Name
				item.Chair.Model = chair.Model
				if owner, ok := ownerCache.get(chair.OwnerID); ok {
					item.Chair.Owner = owner.Name
				}
			}
		}

		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, &getAppRidesResponse{Rides: items})
}

type appPostRidesRequest struct {
	PickupCoordinate      *Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate *Coordinate `json:"destination_coordinate"`
}

type appPostRidesResponse struct {
	RideID string `json:"ride_id"`
	Fare   int    `json:"fare"`
}

func appPostRides(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &appPostRidesRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.PickupCoordinate == nil || req.DestinationCoordinate == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(pickup_coordinate, destination_coordinate) are empty"))
		return
	}

	user := ctx.Value("user").(*User)

	if latest, ok := rideCache.latestOfUser(user.ID); ok {
		if st := latest.latestStatus(); st != nil && st.Status != statusCompleted && st.Status != statusCanceled {
			writeError(w, r, http.StatusConflict, errors.New("ride already exists"))
			return
		}
	}

	now := time.Now()
	ride := &Ride{
		ID:                   ulid.Make().String(),
		UserID:               user.ID,
		PickupLatitude:       req.PickupCoordinate.Latitude,
		PickupLongitude:      req.PickupCoordinate.Longitude,
		DestinationLatitude:  req.DestinationCoordinate.Latitude,
		DestinationLongitude: req.DestinationCoordinate.Longitude,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if _, err := db.ExecContext(
		ctx,
		`INSERT INTO rides (id, user_id, pickup_latitude, pickup_longitude, destination_latitude, destination_longitude, created_at, updated_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ride.ID, ride.UserID, ride.PickupLatitude, ride.PickupLongitude, ride.DestinationLatitude, ride.DestinationLongitude, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	rideCache.store(ride)

	firstRide := rideCache.countOfUser(user.ID) == 1
	if coupon := couponCache.consume(user.ID, ride.ID, firstRide); coupon != nil {
		couponWriter.markUsed(coupon.UserID, coupon.Code, ride.ID)
	}

	if _, err := appendRideStatus(ride, statusMatching); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	fare := calculateDiscountedFare(user.ID, ride, 0, 0, 0, 0)

	writeJSON(w, http.StatusAccepted, &appPostRidesResponse{
		RideID: ride.ID,
		Fare:   fare,
	})
}

type appPostRidesEstimatedFareRequest struct {
	PickupCoordinate      *Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate *Coordinate `json:"destination_coordinate"`
}

type appPostRidesEstimatedFareResponse struct {
	Fare     int `json:"fare"`
	Discount int `json:"discount"`
}

func appPostRidesEstimatedFare(w http.ResponseWriter, r *http.Request) {
	req := &appPostRidesEstimatedFareRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.PickupCoordinate == nil || req.DestinationCoordinate == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(pickup_coordinate, destination_coordinate) are empty"))
		return
	}

	user := r.Context().Value("user").(*User)

	discounted := calculateDiscountedFare(
		user.ID, nil,
		req.PickupCoordinate.Latitude, req.PickupCoordinate.Longitude,
		req.DestinationCoordinate.Latitude, req.DestinationCoordinate.Longitude,
	)

	writeJSON(w, http.StatusOK, &appPostRidesEstimatedFareResponse{
		Fare:     discounted,
		Discount: calculateFare(req.PickupCoordinate.Latitude, req.PickupCoordinate.Longitude, req.DestinationCoordinate.Latitude, req.DestinationCoordinate.Longitude) - discounted,
	})
}

// calculateDiscountedFare mirrors the coupon selection rule: a ride that
// already consumed a coupon uses that discount; an estimate (ride == nil)
// previews what the next ride would consume, without mutating.
func calculateDiscountedFare(userID string, ride *Ride, pickupLatitude, pickupLongitude, destLatitude, destLongitude int) int {
	discount := 0
	if ride != nil {
		pickupLatitude = ride.PickupLatitude
		pickupLongitude = ride.PickupLongitude
		destLatitude = ride.DestinationLatitude
		destLongitude = ride.DestinationLongitude

		if coupon, ok := couponCache.usedBy(ride.ID); ok {
			discount = coupon.Discount
		}
	} else {
		firstRide := rideCache.countOfUser(userID) == 0
		if coupon := couponCache.peek(userID, firstRide); coupon != nil {
			discount = coupon.Discount
		}
	}

	meteredFare := farePerDistance * calculateDistance(pickupLatitude, pickupLongitude, destLatitude, destLongitude)
	discountedMeteredFare := max(meteredFare-discount, 0)

	return initialFare + discountedMeteredFare
}

type appPostRideEvaluationRequest struct {
	Evaluation int `json:"evaluation"`
}

type appPostRideEvaluationResponse struct {
	Fare        int   `json:"fare"`
	CompletedAt int64 `json:"completed_at"`
}

func appPostRideEvaluatation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rideID := r.PathValue("ride_id")

	req := &appPostRideEvaluationRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Evaluation < 1 || req.Evaluation > 5 {
		writeError(w, r, http.StatusBadRequest, errors.New("evaluation must be between 1 and 5"))
		return
	}

	user := ctx.Value("user").(*User)

	ride, ok := rideCache.get(rideID)
	if !ok || ride.UserID != user.ID {
		writeError(w, r, http.StatusNotFound, errors.New("ride not found"))
		return
	}

	if st := ride.latestStatus(); st == nil || st.Status != statusArrived {
		writeError(w, r, http.StatusBadRequest, errors.New("not arrived yet"))
		return
	}

	token, ok := paymentTokenCache.get(user.ID)
	if !ok {
		writeError(w, r, http.StatusBadRequest, errors.New("payment token not registered"))
		return
	}

	fare := calculateDiscountedFare(user.ID, ride, 0, 0, 0, 0)

	// The ride being paid for counts toward the ledger size.
	desiredCount := rideCache.countOfUser(user.ID)

	if err := requestPaymentGatewayPostPayment(ctx, paymentGatewayURL, token, &paymentGatewayPostPaymentRequest{Amount: fare}, desiredCount); err != nil {
		if errors.Is(err, erroredUpstream) {
			writeError(w, r, http.StatusBadGateway, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	now := time.Now()
	ride.mu.Lock()
	evaluation := req.Evaluation
	ride.Evaluation = &evaluation
	ride.UpdatedAt = now
	ride.mu.Unlock()

	if _, err := db.ExecContext(ctx, `UPDATE rides SET evaluation = ?, updated_at = ? WHERE id = ?`, req.Evaluation, now, rideID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if _, err := appendRideStatus(ride, statusCompleted); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, &appPostRideEvaluationResponse{
		Fare:        fare,
		CompletedAt: now.UnixMilli(),
	})
}

type appGetNotificationResponse struct {
	Data         *appGetNotificationResponseData `json:"data"`
	RetryAfterMs int                             `json:"retry_after_ms"`
}

type appGetNotificationResponseData struct {
	RideID                string                           `json:"ride_id"`
	PickupCoordinate      Coordinate                       `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate                       `json:"destination_coordinate"`
	Fare                  int                              `json:"fare"`
	Status                string                           `json:"status"`
	Chair                 *appGetNotificationResponseChair `json:"chair,omitempty"`
	CreatedAt             int64                            `json:"created_at"`
	UpdateAt              int64                            `json:"updated_at"`
}

type appGetNotificationResponseChair struct {
	ID    string                               `json:"id"`
	Name  string                               `json:"name"`
	Model string                               `json:"model"`
	Stats appGetNotificationResponseChairStats `json:"stats"`
}

type appGetNotificationResponseChairStats struct {
	TotalRidesCount    int     `json:"total_rides_count"`
	TotalEvaluationAvg float64 `json:"total_evaluation_avg"`
}

func appNotificationData(user *User, ride *Ride, status, chairID string) *appGetNotificationResponseData {
	data := &appGetNotificationResponseData{
		RideID:                ride.ID,
		PickupCoordinate:      Coordinate{Latitude: ride.PickupLatitude, Longitude: ride.PickupLongitude},
		DestinationCoordinate: Coordinate{Latitude: ride.DestinationLatitude, Longitude: ride.DestinationLongitude},
		Fare:                  calculateDiscountedFare(user.ID, ride, 0, 0, 0, 0),
		Status:                status,
		CreatedAt:             ride.CreatedAt.UnixMilli(),
		UpdateAt:              ride.UpdatedAt.UnixMilli(),
	}

	if chairID == "" && ride.ChairID.Valid {
		chairID = ride.ChairID.String
	}
	if chairID != "" {
		if chair, ok := chairCache.get(chairID); ok {
			ridesCount, evaluationAvg := getChairStats(chair.ID)
			data.Chair = &appGetNotificationResponseChair{
				ID:    chair.ID,
				Name:  chair.Name,
				Model: chair.Model,
				Stats: appGetNotificationResponseChairStats{
					TotalRidesCount:    ridesCount,
					TotalEvaluationAvg: evaluationAvg,
				},
			}
		}
	}
	return data
}

func appGetNotification(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("expected http.ResponseWriter to be an http.Flusher"))
		return
	}

	ctx := r.Context()
	user := ctx.Value("user").(*User)

	ch := make(chan *RideEvent, 128)
	detach := userNotifBus.queue(user.ID).subscribe(ch)
	defer detach()

	if len(ch) == 0 {
		ride, ok := rideCache.latestOfUser(user.ID)
		if !ok {
			writeJSON(w, http.StatusOK, &appGetNotificationResponse{
				RetryAfterMs: 100,
			})
			return
		}
		status := ""
		if st := ride.latestStatus(); st != nil {
			status = st.Status
		}
		setSSEHeaders(w)
		if err := writeSSE(w, flusher, appNotificationData(user, ride, status, "")); err != nil {
			return
		}
	} else {
		setSSEHeaders(w)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			ride, ok := rideCache.get(ev.rideID)
			if !ok {
				continue
			}
			data := appNotificationData(user, ride, ev.status, ev.chairID)
			data.UpdateAt = ev.updatedAt.UnixMilli()
			if err := writeSSE(w, flusher, data); err != nil {
				return
			}
		}
	}
}

// getChairStats counts the chair's completed, evaluated rides from cache.
func getChairStats(chairID string) (int, float64) {
	totalRides := 0
	totalEvaluation := 0
	for _, ride := range rideCache.ofChair(chairID) {
		st := ride.latestStatus()
		if st == nil || st.Status != statusCompleted {
			continue
		}
		ride.mu.Lock()
		evaluation := ride.Evaluation
		ride.mu.Unlock()
		if evaluation == nil {
			continue
		}
		totalRides++
		totalEvaluation += *evaluation
	}

	if totalRides == 0 {
		return 0, 0
	}
	return totalRides, float64(totalEvaluation) / float64(totalRides)
}

type appGetNearbyChairsResponse struct {
	Chairs      []appGetNearbyChairsResponseChair `json:"chairs"`
	RetrievedAt int64                             `json:"retrieved_at"`
}

type appGetNearbyChairsResponseChair struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Model             string     `json:"model"`
	CurrentCoordinate Coordinate `json:"current_coordinate"`
}

func appGetNearbyChairs(w http.ResponseWriter, r *http.Request) {
	latStr := r.URL.Query().Get("latitude")
	lonStr := r.URL.Query().Get("longitude")
	distanceStr := r.URL.Query().Get("distance")
	if latStr == "" || lonStr == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("latitude or longitude is empty"))
		return
	}

	lat, err := strconv.Atoi(latStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("latitude is invalid"))
		return
	}

	lon, err := strconv.Atoi(lonStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("longitude is invalid"))
		return
	}

	distance := 50
	if distanceStr != "" {
		distance, err = strconv.Atoi(distanceStr)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errors.New("distance is invalid"))
			return
		}
	}

	nearbyChairs := []appGetNearbyChairsResponseChair{}
	for _, chair := range chairCache.all() {
		if !chairCache.isActive(chair.ID) || !chairIsFree(chair.ID) {
			continue
		}
		snap, ok := chairLocationCache.snapshot(chair.ID)
		if !ok {
			continue
		}
		if calculateDistance(lat, lon, snap.coord.Latitude, snap.coord.Longitude) <= distance {
			nearbyChairs = append(nearbyChairs, appGetNearbyChairsResponseChair{
				ID:                chair.ID,
				Name:              chair.Name,
				Model:             chair.Model,
				CurrentCoordinate: snap.coord,
			})
		}
	}

	writeJSON(w, http.StatusOK, &appGetNearbyChairsResponse{
		Chairs:      nearbyChairs,
		RetrievedAt: time.Now().UnixMilli(),
	})
}
