package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A partial
// unique index on (owner_id, symbol) WHERE status = 'open' is the final
// authority for the one-open-position invariant.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_id, symbol, strategy, entry_price, quantity,
	entry_score, entry_atr, target_price, stop_price, trailing_stop, trailing_high,
	status, opened_at, max_hold_until, closed_at, close_price, close_reason,
	realized_pnl, realized_rate`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var closeReason *string

	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Symbol, &p.Strategy,
		&p.EntryPrice, &p.Quantity,
		&p.EntryScore, &p.EntryATR,
		&p.TargetPrice, &p.StopPrice, &p.TrailingStop, &p.TrailingHigh,
		&status, &p.OpenedAt, &p.MaxHoldUntil,
		&p.ClosedAt, &p.ClosePrice, &closeReason,
		&p.RealizedPnL, &p.RealizedRate,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if closeReason != nil {
		r := domain.ExitReason(*closeReason)
		p.CloseReason = &r
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new open position. It returns domain.ErrDuplicatePosition
// when an open position already exists for the same (owner, symbol).
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_id, symbol, strategy, entry_price, quantity,
			entry_score, entry_atr, target_price, stop_price,
			trailing_stop, trailing_high, status, opened_at, max_hold_until,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Symbol, p.Strategy,
		p.EntryPrice, p.Quantity,
		p.EntryScore, p.EntryATR,
		p.TargetPrice, p.StopPrice,
		p.TrailingStop, p.TrailingHigh,
		string(p.Status), p.OpenedAt, p.MaxHoldUntil,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicatePosition
		}
		return fmt.Errorf("postgres: create position %s/%s: %w", p.OwnerID, p.Symbol, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all open positions for the given owner.
func (s *PositionStore) GetOpen(ctx context.Context, ownerID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_id = $1 AND status = 'open'
		 ORDER BY opened_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// GetOpenBySymbol returns the open position for (owner, symbol), or
// domain.ErrNotFound when none exists.
func (s *PositionStore) GetOpenBySymbol(ctx context.Context, ownerID, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_id = $1 AND symbol = $2 AND status = 'open'`, ownerID, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position %s/%s: %w", ownerID, symbol, err)
	}
	return p, nil
}

// UpdateTrailing persists a raised trailing stop and high-water mark. The
// WHERE clause keeps the stored trailing stop monotonic even if two writers
// race: a lower candidate never overwrites a higher stored value.
func (s *PositionStore) UpdateTrailing(ctx context.Context, id string, trailingStop, trailingHigh float64) error {
	const query = `
		UPDATE positions SET
			trailing_stop = $2,
			trailing_high = GREATEST(trailing_high, $3),
			updated_at    = NOW()
		WHERE id = $1 AND status = 'open'
		  AND (trailing_stop IS NULL OR trailing_stop < $2)`

	tag, err := s.pool.Exec(ctx, query, id, trailingStop, trailingHigh)
	if err != nil {
		return fmt.Errorf("postgres: update trailing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone, closed, or a higher stop is already stored.
		// All are benign for the caller.
		return nil
	}
	return nil
}

// Close marks a position closed exactly once. A second call on the same id
// returns domain.ErrPositionClosed so the service layer can treat it as an
// idempotent success, and never re-mutates the stored P&L.
func (s *PositionStore) Close(ctx context.Context, id string, closePrice float64, reason domain.ExitReason, pnl, rate float64, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status        = 'closed',
			close_price   = $2,
			close_reason  = $3,
			realized_pnl  = $4,
			realized_rate = $5,
			closed_at     = $6,
			updated_at    = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, closePrice, string(reason), pnl, rate, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: close position %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrPositionClosed
	}
	return nil
}

// ListClosed returns closed positions for the owner with pagination and
// optional time filtering.
func (s *PositionStore) ListClosed(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE owner_id = $1 AND status = 'closed'`
	args := []any{ownerID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// CountOpenedSince counts positions the owner opened at or after since,
// open or closed. Used to seed the daily trade counter after a restart.
func (s *PositionStore) CountOpenedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE owner_id = $1 AND opened_at >= $2`,
		ownerID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count opened since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}

// Performance aggregates closed-position history for the owner since the
// given time.
func (s *PositionStore) Performance(ctx context.Context, ownerID string, since time.Time) (domain.PerformanceSummary, error) {
	const query = `
		SELECT
			COUNT(*),
			COALESCE(AVG(CASE WHEN realized_pnl > 0 THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(AVG(realized_rate), 0)
		FROM positions
		WHERE owner_id = $1 AND status = 'closed' AND closed_at >= $2`

	var sum domain.PerformanceSummary
	err := s.pool.QueryRow(ctx, query, ownerID, since).Scan(
		&sum.TotalTrades, &sum.WinRate, &sum.TotalPnL, &sum.AvgPnLRate,
	)
	if err != nil {
		return domain.PerformanceSummary{}, fmt.Errorf("postgres: performance summary: %w", err)
	}
	return sum, nil
}

// ListClosedBefore returns closed positions across all owners whose close
// time is strictly before cutoff. A limit of zero means no limit. Used by
// the cold-storage archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE status = 'closed' AND closed_at < $1
		ORDER BY closed_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed before: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes closed positions older than cutoff and returns
// the number deleted. Open positions are never touched.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status = 'closed' AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
