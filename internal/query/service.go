package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Service provides read-only access to the stored market and journal rows.
// Reads go to Postgres, not the in-memory engine state, so results trail
// the engine by at most one persistence flush.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const marketColumns = `market_id, kind, owner, asset, directions, strike_time,
	strike_price, buyin, buyin_usd, collateral, payout, payout_usd, fee_rate,
	referrer_cut, safe_box_cut, referral_tier, risk_reserved, created_at,
	resolved, final_prices, is_user_winner, payout_paid, manual, resolved_at`

// GetMarket returns one market by id.
func (s *Service) GetMarket(ctx context.Context, id uuid.UUID) (*MarketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM speed.markets WHERE market_id = $1`,
		id.String(),
	)
	rec, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListMarkets returns markets matching the filter, newest first. Pass the
// last row's CreatedAt as CreatedBefore to fetch the next page.
func (s *Service) ListMarkets(ctx context.Context, f MarketFilter) ([]MarketRecord, error) {
	query := `SELECT ` + marketColumns + ` FROM speed.markets WHERE TRUE`
	var args []interface{}

	if f.Owner != nil {
		args = append(args, *f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if f.Asset != nil {
		args = append(args, *f.Asset)
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		query += fmt.Sprintf(" AND resolved = $%d", len(args))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MarketRecord
	for rows.Next() {
		rec, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetJournals returns the ledger entries for one market, oldest first.
func (s *Service) GetJournals(ctx context.Context, marketRef string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, market_ref, debit_account, credit_account,
		       asset, amount, journal_type, ts
		FROM speed.journals
		WHERE market_ref = $1
		ORDER BY ts, journal_id
	`, marketRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.MarketRef, &e.DebitAccount,
			&e.CreditAccount, &e.Asset, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetStats aggregates stored market counts and ledger totals.
func (s *Service) GetStats(ctx context.Context) (*PlatformStats, error) {
	stats := &PlatformStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT resolved),
		       COUNT(*) FILTER (WHERE resolved),
		       COUNT(*) FILTER (WHERE is_user_winner)
		FROM speed.markets
	`).Scan(&stats.TotalMarkets, &stats.OpenMarkets, &stats.ResolvedMarkets, &stats.UserWins)
	if err != nil {
		return nil, err
	}

	stats.SafeBoxAccrued, err = s.sumByAsset(ctx, `
		SELECT asset, SUM(amount)::TEXT FROM speed.journals
		WHERE journal_type = 'fee_safe_box' GROUP BY asset
	`)
	if err != nil {
		return nil, err
	}

	// Outstanding escrow: locks minus what has already left the pool.
	stats.EscrowLocked, err = s.sumByAsset(ctx, `
		SELECT asset,
		       (SUM(amount) FILTER (WHERE journal_type = 'escrow_lock')
		        - COALESCE(SUM(amount) FILTER (WHERE journal_type IN ('payout', 'escrow_return')), 0))::TEXT
		FROM speed.journals
		WHERE journal_type IN ('escrow_lock', 'payout', 'escrow_return')
		GROUP BY asset
	`)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// VerifyIntegrity audits the stored ledger: every resolved market's escrow
// release must equal its lock, and resolved markets must carry journals.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT j.market_ref,
		       COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'escrow_lock'), 0)::TEXT,
		       COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type IN ('payout', 'escrow_return')), 0)::TEXT
		FROM speed.journals j
		JOIN speed.markets m ON m.market_id::TEXT = j.market_ref
		WHERE m.resolved
		GROUP BY j.market_ref
		HAVING COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'escrow_lock'), 0)
		    != COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type IN ('payout', 'escrow_return')), 0)
		LIMIT 25
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var im EscrowImbalance
		if err := rows.Scan(&im.MarketRef, &im.Locked, &im.Released); err != nil {
			return nil, err
		}
		report.EscrowImbalances = append(report.EscrowImbalances, im)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orphanRows, err := s.db.QueryContext(ctx, `
		SELECT m.market_id FROM speed.markets m
		WHERE m.resolved
		  AND NOT EXISTS (
		      SELECT 1 FROM speed.journals j WHERE j.market_ref = m.market_id::TEXT
		  )
		LIMIT 25
	`)
	if err != nil {
		return nil, err
	}
	defer orphanRows.Close()

	for orphanRows.Next() {
		var id string
		if err := orphanRows.Scan(&id); err != nil {
			return nil, err
		}
		report.ResolvedNoJournals = append(report.ResolvedNoJournals, id)
	}
	if err := orphanRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.EscrowImbalances) == 0 && len(report.ResolvedNoJournals) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) sumByAsset(ctx context.Context, query string) ([]AssetTotal, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []AssetTotal
	for rows.Next() {
		var t AssetTotal
		if err := rows.Scan(&t.Asset, &t.Total); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner) (*MarketRecord, error) {
	var (
		rec         MarketRecord
		directions  pq.StringArray
		finalPrices pq.StringArray
		winner      sql.NullBool
		payoutPaid  sql.NullString
		manual      sql.NullBool
		resolvedAt  sql.NullTime
	)
	if err := row.Scan(
		&rec.MarketID, &rec.Kind, &rec.Owner, &rec.Asset, &directions,
		&rec.StrikeTime, &rec.StrikePrice, &rec.Buyin, &rec.BuyinUSD,
		&rec.Collateral, &rec.Payout, &rec.PayoutUSD, &rec.FeeRate,
		&rec.ReferrerCut, &rec.SafeBoxCut, &rec.ReferralTier,
		&rec.RiskReserved, &rec.CreatedAt, &rec.Resolved, &finalPrices,
		&winner, &payoutPaid, &manual, &resolvedAt,
	); err != nil {
		return nil, err
	}

	rec.Directions = []string(directions)
	rec.FinalPrices = []string(finalPrices)
	if winner.Valid {
		rec.IsUserWinner = &winner.Bool
	}
	if payoutPaid.Valid {
		rec.PayoutPaid = payoutPaid.String
	}
	if manual.Valid {
		rec.Manual = &manual.Bool
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
