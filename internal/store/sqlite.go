package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/models"
)

// SQLiteStore implements PositionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes read-modify-write sequences such as the high-water-mark max.
	mu  sync.Mutex
	now func() time.Time
}

var _ PositionStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-based position store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Positions, one row per entry order
	CREATE TABLE IF NOT EXISTS positions (
		order_no TEXT PRIMARY KEY,
		security_id TEXT NOT NULL,
		segment TEXT NOT NULL,
		symbol TEXT NOT NULL,
		underlying_symbol TEXT,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		lot_size INTEGER NOT NULL DEFAULT 0,
		entry_price TEXT NOT NULL,
		sl_price TEXT,
		tp_price TEXT,
		status TEXT NOT NULL,
		high_water_mark_pnl TEXT NOT NULL DEFAULT '0',
		last_pnl_rupees TEXT NOT NULL DEFAULT '0',
		last_pnl_pct TEXT NOT NULL DEFAULT '0',
		exit_price TEXT,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		exited_at DATETIME
	);

	-- Exit attempts, append only
	CREATE TABLE IF NOT EXISTS exit_events (
		id TEXT PRIMARY KEY,
		order_no TEXT NOT NULL,
		reason TEXT NOT NULL,
		outcome TEXT NOT NULL,
		idempotency_key TEXT,
		broker_order_id TEXT,
		exit_price TEXT,
		error TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (order_no) REFERENCES positions(order_no)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_positions_security ON positions(segment, security_id);
	CREATE INDEX IF NOT EXISTS idx_exit_events_order ON exit_events(order_no);
	CREATE INDEX IF NOT EXISTS idx_exit_events_created ON exit_events(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetClock replaces the time source used for updated_at stamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = `order_no, security_id, segment, symbol, underlying_symbol, side, quantity, lot_size,
	entry_price, sl_price, tp_price, status, high_water_mark_pnl, last_pnl_rupees, last_pnl_pct,
	exit_price, meta, created_at, updated_at, exited_at`

// Create inserts a new pending or active position.
func (s *SQLiteStore) Create(ctx context.Context, rec *models.PositionRecord) error {
	if err := rec.Validate(); err != nil {
		return &apperrors.ValidationError{Field: "position", Value: rec.OrderNo, Message: err.Error()}
	}
	if rec.Status != models.StatusPending && rec.Status != models.StatusActive {
		return apperrors.NewTransitionError(rec.OrderNo, "", string(rec.Status))
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.OrderNo, rec.SecurityID, string(rec.Segment), rec.Symbol, rec.UnderlyingSymbol, string(rec.Side),
		rec.Quantity, rec.LotSize, rec.EntryPrice.String(), nullDec(rec.SLPrice), nullDec(rec.TPPrice),
		string(rec.Status), rec.HighWaterMarkPnL.String(), rec.LastPnLRupees.String(), rec.LastPnLPct.String(),
		nullDec(rec.ExitPrice), meta, created.UTC(), now.UTC(), nil)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicatePosition, rec.OrderNo)
		}
		return fmt.Errorf("%w: failed to create position: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

// Activate records the fill price of a pending position and makes it active.
func (s *SQLiteStore) Activate(ctx context.Context, orderNo string, entryPrice decimal.Decimal, at time.Time) error {
	if !entryPrice.IsPositive() {
		return &apperrors.ValidationError{Field: "entry_price", Value: entryPrice.String(), Message: "must be positive"}
	}
	return s.transition(ctx, orderNo, models.StatusActive, []models.Status{models.StatusPending},
		"entry_price = ?, updated_at = ?", entryPrice.String(), at.UTC())
}

// UpdatePnL stores the latest P&L of an active position. The stored
// high-water-mark only ever grows.
func (s *SQLiteStore) UpdatePnL(ctx context.Context, orderNo string, snap PnLSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status, storedHWM string
	err = tx.QueryRowContext(ctx, `SELECT status, high_water_mark_pnl FROM positions WHERE order_no = ?`, orderNo).
		Scan(&status, &storedHWM)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, orderNo)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read position: %v", apperrors.ErrDatabaseError, err)
	}
	// P&L is frozen once the position leaves the monitored states.
	if st := models.Status(status); st != models.StatusActive && st != models.StatusExitRequested {
		return apperrors.NewTransitionError(orderNo, status, status)
	}

	hwm := decimal.Max(parseDec(storedHWM), snap.HighWaterMark, snap.PnLRupees)
	at := snap.At
	if at.IsZero() {
		at = s.now()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE positions SET last_pnl_rupees = ?, last_pnl_pct = ?, high_water_mark_pnl = ?, updated_at = ?
		WHERE order_no = ?
	`, snap.PnLRupees.String(), snap.PnLPct.String(), hwm.String(), at.UTC(), orderNo); err != nil {
		return fmt.Errorf("%w: failed to update pnl: %v", apperrors.ErrDatabaseError, err)
	}

	return tx.Commit()
}

// MarkExitRequested moves an active position to exit_requested and merges meta.
func (s *SQLiteStore) MarkExitRequested(ctx context.Context, orderNo string, meta map[string]string) error {
	return s.transitionWithMeta(ctx, orderNo, models.StatusExitRequested,
		[]models.Status{models.StatusActive}, meta, nil, s.nowUTC())
}

// MarkExited finalises a position.
func (s *SQLiteStore) MarkExited(ctx context.Context, orderNo string, exitPrice decimal.NullDecimal, meta map[string]string, at time.Time) error {
	if at.IsZero() {
		at = s.nowUTC()
	}
	return s.transitionWithMeta(ctx, orderNo, models.StatusExited,
		[]models.Status{models.StatusActive, models.StatusExitRequested}, meta, &exitPrice, at.UTC())
}

// RevertToActive returns an exit_requested position to the monitored pool and
// drops the exit keys from its meta.
func (s *SQLiteStore) RevertToActive(ctx context.Context, orderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, meta, err := readStatusMeta(ctx, tx, orderNo)
	if err != nil {
		return err
	}
	if status != models.StatusExitRequested {
		return apperrors.NewTransitionError(orderNo, string(status), string(models.StatusActive))
	}
	for _, k := range []string{models.MetaExitReason, models.MetaExitOutcome, models.MetaIdempotencyKey, models.MetaExitOrderID} {
		delete(meta, k)
	}
	encoded, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, meta = ?, updated_at = ? WHERE order_no = ? AND status = ?
	`, string(models.StatusActive), encoded, s.now().UTC(), orderNo, string(status))
	if err := checkCAS(res, err, orderNo, status, models.StatusActive); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel cancels a pending or active position.
func (s *SQLiteStore) Cancel(ctx context.Context, orderNo string) error {
	return s.transition(ctx, orderNo, models.StatusCancelled,
		[]models.Status{models.StatusPending, models.StatusActive}, "updated_at = ?", s.nowUTC())
}

// transition applies a compare-and-set status change with extra assignments.
func (s *SQLiteStore) transition(ctx context.Context, orderNo string, to models.Status, from []models.Status, set string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE order_no = ?`, orderNo).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, orderNo)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read position: %v", apperrors.ErrDatabaseError, err)
	}
	status := models.Status(current)
	if !allowed(status, to, from) {
		return apperrors.NewTransitionError(orderNo, current, string(to))
	}

	query := `UPDATE positions SET status = ?, ` + set + ` WHERE order_no = ? AND status = ?`
	params := append([]any{string(to)}, args...)
	params = append(params, orderNo, current)
	res, err := s.db.ExecContext(ctx, query, params...)
	return checkCAS(res, err, orderNo, status, to)
}

func (s *SQLiteStore) transitionWithMeta(ctx context.Context, orderNo string, to models.Status, from []models.Status, meta map[string]string, exitPrice *decimal.NullDecimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, merged, err := readStatusMeta(ctx, tx, orderNo)
	if err != nil {
		return err
	}
	if !allowed(status, to, from) {
		return apperrors.NewTransitionError(orderNo, string(status), string(to))
	}
	for k, v := range meta {
		merged[k] = v
	}
	encoded, err := encodeMeta(merged)
	if err != nil {
		return err
	}

	var res sql.Result
	if exitPrice != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE positions SET status = ?, meta = ?, exit_price = ?, exited_at = ?, updated_at = ?
			WHERE order_no = ? AND status = ?
		`, string(to), encoded, nullDec(*exitPrice), at, at, orderNo, string(status))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE positions SET status = ?, meta = ?, updated_at = ? WHERE order_no = ? AND status = ?
		`, string(to), encoded, at, orderNo, string(status))
	}
	if err := checkCAS(res, err, orderNo, status, to); err != nil {
		return err
	}
	return tx.Commit()
}

func allowed(current, to models.Status, from []models.Status) bool {
	if !current.CanTransition(to) {
		return false
	}
	for _, f := range from {
		if f == current {
			return true
		}
	}
	return false
}

func checkCAS(res sql.Result, err error, orderNo string, from, to models.Status) error {
	if err != nil {
		return fmt.Errorf("%w: failed to update status: %v", apperrors.ErrDatabaseError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrDatabaseError, err)
	}
	if n == 0 {
		return apperrors.NewTransitionError(orderNo, string(from), string(to))
	}
	return nil
}

func readStatusMeta(ctx context.Context, tx *sql.Tx, orderNo string) (models.Status, map[string]string, error) {
	var status, meta string
	err := tx.QueryRowContext(ctx, `SELECT status, meta FROM positions WHERE order_no = ?`, orderNo).Scan(&status, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, orderNo)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to read position: %v", apperrors.ErrDatabaseError, err)
	}
	m, err := decodeMeta(meta)
	if err != nil {
		return "", nil, err
	}
	return models.Status(status), m, nil
}

// Get returns the position with the given order number.
func (s *SQLiteStore) Get(ctx context.Context, orderNo string) (*models.PositionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE order_no = ?`, orderNo)
	rec, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, orderNo)
	}
	return rec, err
}

// ListByStatus returns positions in any of the given statuses, oldest first.
// No statuses lists everything.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PositionRecord, error) {
	query := `SELECT ` + positionColumns + ` FROM positions`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, order_no ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*models.PositionRecord
	for rows.Next() {
		rec, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (*models.PositionRecord, error) {
	var (
		rec                                  models.PositionRecord
		segment, side, status                string
		underlying, slPrice, tpPrice, exitPx sql.NullString
		entry, hwm, lastRupees, lastPct      string
		meta                                 string
		exitedAt                             sql.NullTime
	)
	err := row.Scan(&rec.OrderNo, &rec.SecurityID, &segment, &rec.Symbol, &underlying, &side,
		&rec.Quantity, &rec.LotSize, &entry, &slPrice, &tpPrice, &status, &hwm, &lastRupees, &lastPct,
		&exitPx, &meta, &rec.CreatedAt, &rec.UpdatedAt, &exitedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	rec.Segment = models.Segment(segment)
	rec.Side = models.Side(side)
	rec.Status = models.Status(status)
	rec.UnderlyingSymbol = underlying.String
	rec.EntryPrice = parseDec(entry)
	rec.SLPrice = parseNullDec(slPrice)
	rec.TPPrice = parseNullDec(tpPrice)
	rec.ExitPrice = parseNullDec(exitPx)
	rec.HighWaterMarkPnL = parseDec(hwm)
	rec.LastPnLRupees = parseDec(lastRupees)
	rec.LastPnLPct = parseDec(lastPct)
	if exitedAt.Valid {
		t := exitedAt.Time
		rec.ExitedAt = &t
	}
	if rec.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ============================================================================
// Exit events
// ============================================================================

// RecordExitEvent appends an exit attempt to the audit trail.
func (s *SQLiteStore) RecordExitEvent(ctx context.Context, ev *ExitEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.nowUTC()
	}
	md, err := encodeMeta(ev.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exit_events (id, order_no, reason, outcome, idempotency_key, broker_order_id, exit_price, error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.OrderNo, ev.Reason, ev.Outcome, ev.IdempotencyKey, ev.BrokerOrderID,
		nullDec(ev.ExitPrice), ev.Error, md, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: failed to record exit event: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

// ExitEvents returns exit attempts matching filter, newest first.
func (s *SQLiteStore) ExitEvents(ctx context.Context, filter ExitEventFilter) ([]ExitEvent, error) {
	query := "SELECT id, order_no, reason, outcome, idempotency_key, broker_order_id, exit_price, error, metadata, created_at FROM exit_events WHERE 1=1"
	args := []any{}

	if filter.OrderNo != "" {
		query += " AND order_no = ?"
		args = append(args, filter.OrderNo)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if !filter.StartDate.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exit events: %w", err)
	}
	defer rows.Close()

	var events []ExitEvent
	for rows.Next() {
		var (
			ev                        ExitEvent
			key, brokerID, px, errMsg sql.NullString
			md                        string
		)
		if err := rows.Scan(&ev.ID, &ev.OrderNo, &ev.Reason, &ev.Outcome, &key, &brokerID, &px, &errMsg, &md, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exit event: %w", err)
		}
		ev.IdempotencyKey = key.String
		ev.BrokerOrderID = brokerID.String
		ev.ExitPrice = parseNullDec(px)
		ev.Error = errMsg.String
		if ev.Metadata, err = decodeMeta(md); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exit events: %w", err)
	}
	return events, nil
}

// ============================================================================
// Encoding helpers
// ============================================================================

func (s *SQLiteStore) nowUTC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

func nullDec(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDec(s sql.NullString) decimal.NullDecimal {
	if !s.Valid || s.String == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode meta: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return m, nil
}
