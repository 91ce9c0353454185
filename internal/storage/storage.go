// Package storage provides SQLite-backed persistence for decisions, trades,
// the confidence log and the risk profile.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when an append-only row already exists.
	ErrDuplicate = errors.New("storage: duplicate record")
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/decision-engine/engine.db.
func New(logger *zap.Logger, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "decision-engine", "engine.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, logger: logger.Named("storage")}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	s.logger.Info("Opened database", zap.String("path", dbPath))
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id          TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			action      TEXT NOT NULL,
			executed    INTEGER NOT NULL DEFAULT 0,
			confidence  REAL NOT NULL,
			threshold   REAL NOT NULL,
			reasoning   TEXT,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			decision_id TEXT,
			order_id    TEXT,
			exchange    TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			quantity    TEXT NOT NULL,
			price       TEXT NOT NULL,
			fees        TEXT NOT NULL,
			pnl         TEXT NOT NULL,
			executed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, executed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS confidence_records (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL,
			decision_id TEXT NOT NULL DEFAULT '',
			symbol      TEXT NOT NULL,
			confidence  REAL NOT NULL,
			threshold   REAL NOT NULL,
			outcome     TEXT,
			pnl         TEXT NOT NULL,
			executed    INTEGER NOT NULL,
			context     TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_confidence_decision
			ON confidence_records(decision_id) WHERE decision_id <> ''`,
		`CREATE TABLE IF NOT EXISTS risk_profile (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			payload    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS emergency_audit (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			action     TEXT NOT NULL,
			reason     TEXT,
			operator   TEXT,
			daily_pnl  TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveDecision inserts or replaces d.
func (s *Storage) SaveDecision(ctx context.Context, d *types.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions
			(id, symbol, action, executed, confidence, threshold, reasoning, payload, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Symbol, string(d.Action), boolToInt(d.Executed), d.Confidence, d.Threshold,
		d.Reasoning, string(payload), d.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision returns the decision with id.
func (s *Storage) GetDecision(ctx context.Context, id string) (*types.Decision, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM decisions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	var d types.Decision
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

// ListDecisions returns the newest decisions first. An empty symbol lists all.
func (s *Storage) ListDecisions(ctx context.Context, symbol string, limit int) ([]*types.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT payload FROM decisions ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if symbol != "" {
		query = `SELECT payload FROM decisions WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{symbol, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []*types.Decision{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var d types.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

const tradeCols = `id, decision_id, order_id, exchange, symbol, side, quantity, price, fees, pnl, executed_at`

// SaveTrade appends t.
func (s *Storage) SaveTrade(ctx context.Context, t *types.Trade) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trades (`+tradeCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DecisionID, t.OrderID, t.Exchange, t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Fees.String(), t.PnL.String(),
		t.ExecutedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// GetTrade returns the trade with id.
func (s *Storage) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// TradesBySymbol returns the newest trades for symbol first.
func (s *Storage) TradesBySymbol(ctx context.Context, symbol string, limit int) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE symbol = ? ORDER BY executed_at DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []*types.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// AppendConfidenceRecord appends rec. A second record for the same
// decision returns ErrDuplicate.
func (s *Storage) AppendConfidenceRecord(ctx context.Context, rec types.ConfidenceRecord) error {
	mctx, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to encode market context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confidence_records
			(id, decision_id, symbol, confidence, threshold, outcome, pnl, executed, context, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.DecisionID, rec.Symbol, rec.Confidence, rec.Threshold, string(rec.Outcome),
		rec.PnL.String(), boolToInt(rec.Executed), string(mctx), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("confidence record for decision %s: %w", rec.DecisionID, ErrDuplicate)
		}
		return fmt.Errorf("failed to append confidence record: %w", err)
	}
	return nil
}

// LoadConfidenceRecords returns the latest limit records, oldest first.
func (s *Storage) LoadConfidenceRecords(ctx context.Context, limit int) ([]types.ConfidenceRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, symbol, confidence, threshold, outcome, pnl, executed, context, recorded_at
		FROM (SELECT * FROM confidence_records ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence records: %w", err)
	}
	defer rows.Close()

	var records []types.ConfidenceRecord
	for rows.Next() {
		var (
			rec       types.ConfidenceRecord
			outcome   sql.NullString
			pnl, mctx string
			executed  int
			at        int64
		)
		if err := rows.Scan(&rec.ID, &rec.DecisionID, &rec.Symbol, &rec.Confidence, &rec.Threshold,
			&outcome, &pnl, &executed, &mctx, &at); err != nil {
			return nil, fmt.Errorf("failed to scan confidence record: %w", err)
		}
		rec.Outcome = types.Outcome(outcome.String)
		rec.Executed = executed != 0
		rec.Timestamp = time.Unix(0, at)
		if rec.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("failed to parse pnl: %w", err)
		}
		if err := json.Unmarshal([]byte(mctx), &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode market context: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveRiskProfile replaces the stored risk profile snapshot.
func (s *Storage) SaveRiskProfile(ctx context.Context, p *risk.RiskProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode risk profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profile (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

// LoadRiskProfile returns the stored snapshot, or nil when none exists.
func (s *Storage) LoadRiskProfile(ctx context.Context) (*risk.RiskProfile, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM risk_profile WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	var p risk.RiskProfile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("failed to decode risk profile: %w", err)
	}
	return &p, nil
}

// AppendAudit records an emergency stop transition.
func (s *Storage) AppendAudit(ctx context.Context, e risk.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_audit (action, reason, operator, daily_pnl, created_at)
		VALUES (?,?,?,?,?)`,
		e.Action, e.Reason, e.Operator, e.DailyPnL.String(), e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditLog returns the newest audit entries first.
func (s *Storage) AuditLog(ctx context.Context, limit int) ([]risk.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, reason, operator, daily_pnl, created_at
		FROM emergency_audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []risk.AuditEntry
	for rows.Next() {
		var (
			e      risk.AuditEntry
			reason sql.NullString
			op     sql.NullString
			pnl    string
			at     int64
		)
		if err := rows.Scan(&e.Action, &reason, &op, &pnl, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Reason, e.Operator = reason.String, op.String
		e.DailyPnL, _ = decimal.NewFromString(pnl)
		e.Timestamp = time.Unix(0, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTrade(scan func(...any) error) (*types.Trade, error) {
	var (
		t                     types.Trade
		side                  string
		decisionID, orderID   sql.NullString
		qty, price, fees, pnl string
		executedAt            int64
	)
	if err := scan(&t.ID, &decisionID, &orderID, &t.Exchange, &t.Symbol, &side,
		&qty, &price, &fees, &pnl, &executedAt); err != nil {
		return nil, err
	}
	t.DecisionID, t.OrderID = decisionID.String, orderID.String
	t.Side = types.OrderSide(side)
	t.ExecutedAt = time.Unix(0, executedAt)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Quantity, qty}, {&t.Price, price}, {&t.Fees, fees}, {&t.PnL, pnl}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse decimal %q: %w", f.src, err)
		}
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
