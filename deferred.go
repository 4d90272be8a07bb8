package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write-behind buffers. Cache mutations are visible immediately; rows land
// in MySQL on the next flush. Queues are unbounded and survive a failed
// flush (rows are put back), so persistence is at-least-once until the
// process dies. initialize calls commit() on every writer before reseeding.

const (
	deferredFlushInterval = 500 * time.Millisecond
	deferredChunkSize     = 500
	deferredCapacityHint  = 500
)

// A tick firing between the reseed script's truncate and the buffer reset
// must not write pre-reset rows into the fresh tables, so initialize
// quiesces the writers for that window.
var (
	deferredQuiesced atomic.Bool
	deferredGate     sync.RWMutex
)

// quiesceDeferred stops new flushes and waits out any in-flight one.
func quiesceDeferred() {
	deferredQuiesced.Store(true)
	deferredGate.Lock()
	deferredGate.Unlock()
}

func resumeDeferred() {
	deferredQuiesced.Store(false)
}

var deferredFlushedRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "deferred_flushed_rows_total",
	Help: "rows persisted by the deferred writers",
}, []string{"table", "kind"})

func chunkRows[T any](rows []T, size int) [][]T {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(rows)+size-1)/size)
	for len(rows) > size {
		chunks = append(chunks, rows[:size])
		rows = rows[size:]
	}
	return append(chunks, rows)
}

// insertBuffer is the insert-only variant (chair_locations, payment_tokens).
type insertBuffer[T any] struct {
	table string
	query string

	mu   sync.Mutex
	rows []T
	kick chan struct{}
}

func newInsertBuffer[T any](table, query string) *insertBuffer[T] {
	return &insertBuffer[T]{
		table: table,
		query: query,
		kick:  make(chan struct{}, 1),
	}
}

func (b *insertBuffer[T]) insert(row T) {
	b.mu.Lock()
	b.rows = append(b.rows, row)
	n := len(b.rows)
	b.mu.Unlock()

	if n >= deferredCapacityHint {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *insertBuffer[T]) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func (b *insertBuffer[T]) flush(ctx context.Context) error {
	deferredGate.RLock()
	defer deferredGate.RUnlock()
	if deferredQuiesced.Load() {
		return nil
	}

	b.mu.Lock()
	rows := b.rows
	b.rows = nil
	b.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	if err := func() error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, chunk := range chunkRows(rows, deferredChunkSize) {
			if _, err := tx.NamedExecContext(ctx, b.query, chunk); err != nil {
				return fmt.Errorf("insert %s: %w", b.table, err)
			}
		}
		return tx.Commit()
	}(); err != nil {
		b.mu.Lock()
		b.rows = append(rows, b.rows...)
		b.mu.Unlock()
		return err
	}

	deferredFlushedRows.WithLabelValues(b.table, "insert").Add(float64(len(rows)))
	return nil
}

// commit forces a synchronous flush. Used by initialize.
func (b *insertBuffer[T]) commit(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *insertBuffer[T]) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = nil
}

func (b *insertBuffer[T]) run(ctx context.Context) {
	ticker := time.NewTicker(deferredFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.flush(ctx); err != nil {
			slog.Error("deferred flush failed",
				slog.String("table", b.table),
				slog.String("error", err.Error()),
			)
		}
	}
}

var chairLocationWriter = newInsertBuffer[ChairLocation](
	"chair_locations",
	`INSERT INTO chair_locations (id, chair_id, latitude, longitude, created_at) VALUES (:id, :chair_id, :latitude, :longitude, :created_at)`,
)

var paymentTokenWriter = newInsertBuffer[PaymentToken](
	"payment_tokens",
	`INSERT INTO payment_tokens (user_id, token, created_at) VALUES (:user_id, :token, :created_at) ON DUPLICATE KEY UPDATE token = VALUES(token)`,
)

// rideStatusUpdate is a pending sent-at write for one status row.
type rideStatusUpdate struct {
	statusID    string
	appSentAt   sql.NullTime
	chairSentAt sql.NullTime
}

// coalesceRideStatusUpdates folds updates whose row is still waiting to be
// inserted into the insert itself, so a row's INSERT always precedes any
// UPDATE that targets it. Returns the updates that still need statements.
func coalesceRideStatusUpdates(inserts []RideStatus, updates []rideStatusUpdate) []rideStatusUpdate {
	byID := make(map[string]int, len(inserts))
	for idx, row := range inserts {
		byID[row.ID] = idx
	}

	remaining := updates[:0]
	for _, u := range updates {
		idx, ok := byID[u.statusID]
		if !ok {
			remaining = append(remaining, u)
			continue
		}
		if u.appSentAt.Valid {
			inserts[idx].AppSentAt = u.appSentAt
		}
		if u.chairSentAt.Valid {
			inserts[idx].ChairSentAt = u.chairSentAt
		}
	}
	return remaining
}

type rideStatusDeferredWriter struct {
	mu      sync.Mutex
	inserts []RideStatus
	updates []rideStatusUpdate
	kick    chan struct{}
}

var rideStatusWriter = &rideStatusDeferredWriter{kick: make(chan struct{}, 1)}

func (w *rideStatusDeferredWriter) insert(s *RideStatus) {
	w.mu.Lock()
	w.inserts = append(w.inserts, *s)
	n := len(w.inserts)
	w.mu.Unlock()

	if n >= deferredCapacityHint {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (w *rideStatusDeferredWriter) markAppSent(statusID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, rideStatusUpdate{
		statusID:  statusID,
		appSentAt: sql.NullTime{Time: at, Valid: true},
	})
}

func (w *rideStatusDeferredWriter) markChairSent(statusID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, rideStatusUpdate{
		statusID:    statusID,
		chairSentAt: sql.NullTime{Time: at, Valid: true},
	})
}

func (w *rideStatusDeferredWriter) flush(ctx context.Context) error {
	deferredGate.RLock()
	defer deferredGate.RUnlock()
	if deferredQuiesced.Load() {
		return nil
	}

	w.mu.Lock()
	inserts := w.inserts
	updates := w.updates
	w.inserts = nil
	w.updates = nil
	w.mu.Unlock()

	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	updates = coalesceRideStatusUpdates(inserts, updates)

	if err := func() error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, chunk := range chunkRows(inserts, deferredChunkSize) {
			if _, err := tx.NamedExecContext(
				ctx,
				`INSERT INTO ride_statuses (id, ride_id, status, created_at, app_sent_at, chair_sent_at) VALUES (:id, :ride_id, :status, :created_at, :app_sent_at, :chair_sent_at)`,
				chunk,
			); err != nil {
				return fmt.Errorf("insert ride_statuses: %w", err)
			}
		}
		for _, u := range updates {
			if u.appSentAt.Valid {
				if _, err := tx.ExecContext(ctx, `UPDATE ride_statuses SET app_sent_at = ? WHERE id = ?`, u.appSentAt.Time, u.statusID); err != nil {
					return fmt.Errorf("update ride_statuses.app_sent_at: %w", err)
				}
			}
			if u.chairSentAt.Valid {
				if _, err := tx.ExecContext(ctx, `UPDATE ride_statuses SET chair_sent_at = ? WHERE id = ?`, u.chairSentAt.Time, u.statusID); err != nil {
					return fmt.Errorf("update ride_statuses.chair_sent_at: %w", err)
				}
			}
		}
		return tx.Commit()
	}(); err != nil {
		w.mu.Lock()
		w.inserts = append(inserts, w.inserts...)
		w.updates = append(updates, w.updates...)
		w.mu.Unlock()
		return err
	}

	deferredFlushedRows.WithLabelValues("ride_statuses", "insert").Add(float64(len(inserts)))
	deferredFlushedRows.WithLabelValues("ride_statuses", "update").Add(float64(len(updates)))
	return nil
}

func (w *rideStatusDeferredWriter) commit(ctx context.Context) error {
	return w.flush(ctx)
}

func (w *rideStatusDeferredWriter) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts = nil
	w.updates = nil
}

func (w *rideStatusDeferredWriter) run(ctx context.Context) {
	ticker := time.NewTicker(deferredFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if err := w.flush(ctx); err != nil {
			slog.Error("deferred flush failed",
				slog.String("table", "ride_statuses"),
				slog.String("error", err.Error()),
			)
		}
	}
}

type couponUpdate struct {
	userID string
	code   string
	usedBy string
}

func couponKey(userID, code string) string {
	return userID + "\x00" + code
}

func coalesceCouponUpdates(inserts []Coupon, updates []couponUpdate) []couponUpdate {
	byKey := make(map[string]int, len(inserts))
	for idx, row := range inserts {
		byKey[couponKey(row.UserID, row.Code)] = idx
	}

	remaining := updates[:0]
	for _, u := range updates {
		idx, ok := byKey[couponKey(u.userID, u.code)]
		if !ok {
			remaining = append(remaining, u)
			continue
		}
		inserts[idx].UsedBy = sql.NullString{String: u.usedBy, Valid: true}
	}
	return remaining
}

type couponDeferredWriter struct {
	mu      sync.Mutex
	inserts []Coupon
	updates []couponUpdate
}

var couponWriter = &couponDeferredWriter{}

func (w *couponDeferredWriter) insert(c *Coupon) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts = append(w.inserts, *c)
}

func (w *couponDeferredWriter) markUsed(userID, code, rideID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, couponUpdate{userID: userID, code: code, usedBy: rideID})
}

func (w *couponDeferredWriter) flush(ctx context.Context) error {
	deferredGate.RLock()
	defer deferredGate.RUnlock()
	if deferredQuiesced.Load() {
		return nil
	}

	w.mu.Lock()
	inserts := w.inserts
	updates := w.updates
	w.inserts = nil
	w.updates = nil
	w.mu.Unlock()

	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	updates = coalesceCouponUpdates(inserts, updates)

	if err := func() error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, chunk := range chunkRows(inserts, deferredChunkSize) {
			if _, err := tx.NamedExecContext(
				ctx,
				`INSERT INTO coupons (user_id, code, discount, created_at, used_by) VALUES (:user_id, :code, :discount, :created_at, :used_by)`,
				chunk,
			); err != nil {
				return fmt.Errorf("insert coupons: %w", err)
			}
		}
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, `UPDATE coupons SET used_by = ? WHERE user_id = ? AND code = ?`, u.usedBy, u.userID, u.code); err != nil {
				return fmt.Errorf("update coupons.used_by: %w", err)
			}
		}
		return tx.Commit()
	}(); err != nil {
		w.mu.Lock()
		w.inserts = append(inserts, w.inserts...)
		w.updates = append(updates, w.updates...)
		w.mu.Unlock()
		return err
	}

	deferredFlushedRows.WithLabelValues("coupons", "insert").Add(float64(len(inserts)))
	deferredFlushedRows.WithLabelValues("coupons", "update").Add(float64(len(updates)))
	return nil
}

func (w *couponDeferredWriter) commit(ctx context.Context) error {
	return w.flush(ctx)
}

func (w *couponDeferredWriter) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts = nil
	w.updates = nil
}

func (w *couponDeferredWriter) run(ctx context.Context) {
	ticker := time.NewTicker(deferredFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.flush(ctx); err != nil {
			slog.Error("deferred flush failed",
				slog.String("table", "coupons"),
				slog.String("error", err.Error()),
			)
		}
	}
}

func startDeferredWriters(ctx context.Context) {
	go chairLocationWriter.run(ctx)
	go paymentTokenWriter.run(ctx)
	go rideStatusWriter.run(ctx)
	go couponWriter.run(ctx)
}

// commitDeferred flushes every buffer and waits. Durability point for
// initialize before the reseed script truncates and reloads.
func commitDeferred(ctx context.Context) error {
	defer watchHold("commitDeferred")()

	if err := rideStatusWriter.commit(ctx); err != nil {
		return err
	}
	if err := couponWriter.commit(ctx); err != nil {
		return err
	}
	if err := chairLocationWriter.commit(ctx); err != nil {
		return err
	}
	return paymentTokenWriter.commit(ctx)
}

// resetDeferred drops anything enqueued between the commit above and the
// reseed script truncating the tables. Those rows no longer exist upstream.
func resetDeferred() {
	rideStatusWriter.reset()
	couponWriter.reset()
	chairLocationWriter.reset()
	paymentTokenWriter.reset()
}
