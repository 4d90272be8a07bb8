package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	isuhttp "github.com/mazrean/isucon-go-tools/v2/http"
	"github.com/oklog/ulid/v2"
)

type chairPostChairsRequest struct {
	Name               string `json:"name"`
	Model              string `json:"model"`
	ChairRegisterToken string `json:"chair_register_token"`
}

type chairPostChairsResponse struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

func chairPostChairs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &chairPostChairsRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Model == "" || req.ChairRegisterToken == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("some of required fields(name, model, chair_register_token) are empty"))
		return
	}

	owner, ok := ownerCache.getByRegisterToken(req.ChairRegisterToken)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errors.New("invalid chair_register_token"))
		return
	}

	now := time.Now()
	chair := &Chair{
		ID:          ulid.Make().String(),
		OwnerID:     owner.ID,
		Name:        req.Name,
		Model:       req.Model,
		IsActive:    false,
		AccessToken: secureRandomStr(32),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := db.ExecContext(
		ctx,
		"INSERT INTO chairs (id, owner_id, name, model, is_active, access_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		chair.ID, chair.OwnerID, chair.Name, chair.Model, chair.IsActive, chair.AccessToken, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	chairCache.store(chair)

	http.SetCookie(w, &http.Cookie{
		Path:  "/",
		Name:  "chair_session",
		Value: chair.AccessToken,
	})

	writeJSON(w, http.StatusCreated, &chairPostChairsResponse{
		ID:      chair.ID,
		OwnerID: owner.ID,
	})
}

type postChairActivityRequest struct {
	IsActive bool `json:"is_active"`
}

func chairPostActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chair := ctx.Value("chair").(*Chair)

	req := &postChairActivityRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	chairCache.setActive(chair.ID, req.IsActive)
	if _, err := db.ExecContext(ctx, "UPDATE chairs SET is_active = ?, updated_at = ? WHERE id = ?", req.IsActive, time.Now(), chair.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if req.IsActive {
		if chairIsFree(chair.ID) {
			pushFreeChair(chair)
		}
	} else {
		removeFreeChair(chair.ID)
	}

	w.WriteHeader(http.StatusNoContent)
}

func chairPostCoordinate(w http.ResponseWriter, r *http.Request) {
	req := &Coordinate{}
	if err := req.bindJSON(r); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	chair := r.Context().Value("chair").(*Chair)

	now, fired := recordChairLocation(chair.ID, *req)

	if fired != nil {
		if ride, ok := rideCache.get(fired.rideID); ok {
			if _, err := appendRideStatus(ride, fired.nextStatus); err != nil {
				// Lost the race with an explicit status post; the report
				// itself is already recorded.
				slog.Warn("movement target fired on stale status",
					slog.String("ride_id", fired.rideID),
					slog.String("status", fired.nextStatus),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(http.StatusOK)
	sb := &strings.Builder{}
	sb.WriteString(`{"recorded_at":`)
	sb.WriteString(fmt.Sprint(now.UnixMilli()))
	sb.WriteString("}")
	if _, err := io.Copy(w, strings.NewReader(sb.String())); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
}

type simpleUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chairGetNotificationResponse struct {
	Data         *chairGetNotificationResponseData `json:"data"`
	RetryAfterMs int                               `json:"retry_after_ms"`
}

type chairGetNotificationResponseData struct {
	RideID                string     `json:"ride_id"`
	User                  simpleUser `json:"user"`
	PickupCoordinate      Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate `json:"destination_coordinate"`
	Status                string     `json:"status"`
}

func chairNotificationData(ride *Ride, status string) *chairGetNotificationResponseData {
	data := &chairGetNotificationResponseData{
		RideID: ride.ID,
		PickupCoordinate: Coordinate{
			Latitude:  ride.PickupLatitude,
			Longitude: ride.PickupLongitude,
		},
		DestinationCoordinate: Coordinate{
			Latitude:  ride.DestinationLatitude,
			Longitude: ride.DestinationLongitude,
		},
		Status: status,
	}
	if user, ok := userCache.get(ride.UserID); ok {
		data.User = simpleUser{
			ID:   user.ID,
			Name: fmt.Sprintf("%s %s", user.Firstname, user.Lastname),
		}
	}
	return data
}

func chairGetNotification(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("expected http.ResponseWriter to be an http.Flusher"))
		return
	}

	ctx := r.Context()
	chair := ctx.Value("chair").(*Chair)

	ch := make(chan *RideEvent, 128)
	detach := chairNotifBus.queue(chair.ID).subscribe(ch)
	defer detach()

	if len(ch) == 0 {
		ride, ok := latestRideByChair.load(chair.ID)
		if !ok {
			writeJSON(w, http.StatusOK, &chairGetNotificationResponse{
				RetryAfterMs: 100,
			})
			return
		}
		status := ""
		if st := ride.latestStatus(); st != nil {
			status = st.Status
		}
		setSSEHeaders(w)
		if err := writeSSE(w, flusher, chairNotificationData(ride, status)); err != nil {
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
			if err := writeSSE(w, flusher, chairNotificationData(ride, ev.status)); err != nil {
				return
			}
		}
	}
}

type postChairRidesRideIDStatusRequest struct {
	Status string `json:"status"`
}

func chairPostRideStatus(w http.ResponseWriter, r *http.Request) {
	isuhttp.SetPath(r, "/api/chair/rides/{ride_id}/status")
	rideID := r.PathValue("ride_id")

	chair := r.Context().Value("chair").(*Chair)

	req := &postChairRidesRideIDStatusRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ride, ok := rideCache.get(rideID)
	if !ok {
		writeError(w, r, http.StatusNotFound, errors.New("ride not found"))
		return
	}

	ride.mu.Lock()
	assignedTo := ride.ChairID
	ride.mu.Unlock()
	if !assignedTo.Valid || assignedTo.String != chair.ID {
		writeError(w, r, http.StatusBadRequest, errors.New("not assigned to this ride"))
		return
	}

	switch req.Status {
	// Acknowledge the ride
	case statusEnroute:
	// After Picking up user
	case statusCarrying:
	default:
		writeError(w, r, http.StatusBadRequest, errors.New("invalid status"))
		return
	}

	if _, err := appendRideStatus(ride, req.Status); err != nil {
		if errors.Is(err, errInvalidTransition) {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
