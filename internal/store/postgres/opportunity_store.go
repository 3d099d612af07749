package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradekit/arbscan/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by the given
// connection pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// Insert persists one emitted opportunity. Replays of the same ID are
// silently skipped.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, pair, buy_venue, sell_venue,
			buy_price, sell_price, gross_spread,
			profit, profit_percent, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		opp.ID, opp.Pair, opp.BuyVenue, opp.SellVenue,
		opp.BuyPrice, opp.SellPrice, opp.GrossSpread,
		opp.Profit, opp.ProfitPercent, opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity: %w", err)
	}
	return nil
}

// ListRecent returns the most recently detected opportunities, newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	const query = `
		SELECT id, pair, buy_venue, sell_venue,
		       buy_price, sell_price, gross_spread,
		       profit, profit_percent, detected_at
		FROM opportunities
		ORDER BY detected_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var o domain.Opportunity
		if err := rows.Scan(
			&o.ID, &o.Pair, &o.BuyVenue, &o.SellVenue,
			&o.BuyPrice, &o.SellPrice, &o.GrossSpread,
			&o.Profit, &o.ProfitPercent, &o.DetectedAt,
		); err != nil {
			return nil, err
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}
