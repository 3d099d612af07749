package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradekit/arbscan/internal/domain"
)

// PriceStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore creates a PriceStore backed by the given connection pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

var _ domain.PriceHistoryStore = (*PriceStore)(nil)

// Insert appends one quote observation.
func (s *PriceStore) Insert(ctx context.Context, q domain.Quote) error {
	const query = `
		INSERT INTO price_history (venue, pair, bid, ask, last, volume, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		q.Venue, q.Pair, q.Bid, q.Ask, q.Last, q.Volume, q.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert price: %w", err)
	}
	return nil
}

// ListBefore returns up to limit quotes observed strictly before cutoff,
// oldest first. Used by the archiver to page through aged rows.
func (s *PriceStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Quote, error) {
	const query = `
		SELECT venue, pair, bid, ask, last, volume, observed_at
		FROM price_history
		WHERE observed_at < $1
		ORDER BY observed_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list prices before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	return scanQuoteRows(rows)
}

// DeleteBefore removes quotes observed strictly before cutoff and returns the
// number of rows deleted.
func (s *PriceStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM price_history WHERE observed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete prices before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func scanQuoteRows(rows pgx.Rows) ([]domain.Quote, error) {
	var quotes []domain.Quote
	for rows.Next() {
		var q domain.Quote
		if err := rows.Scan(
			&q.Venue, &q.Pair, &q.Bid, &q.Ask, &q.Last, &q.Volume, &q.ObservedAt,
		); err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}
