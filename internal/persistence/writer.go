package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/ledger"
)

// RowWriter batch-inserts market and journal rows into Postgres using
// multi-row INSERT with ON CONFLICT DO NOTHING, so redelivered outputs are
// idempotent. Amounts travel as decimal strings into NUMERIC(78,0) columns.
type RowWriter struct {
	db *sql.DB
}

func NewRowWriter(db *sql.DB) *RowWriter {
	return &RowWriter{db: db}
}

func (w *RowWriter) DB() *sql.DB {
	return w.db
}

// MarketRow is one row in speed.markets, written at creation.
type MarketRow struct {
	MarketID     string
	Kind         string
	Owner        string
	Asset        string
	Directions   pq.StringArray
	StrikeTime   string
	StrikePrice  string
	Buyin        string
	BuyinUSD     string
	Collateral   string
	Payout       string
	PayoutUSD    string
	FeeRate      string
	ReferrerCut  string
	SafeBoxCut   string
	ReferralTier string
	RiskReserved string
	CreatedAt    string
}

// ResolutionRow updates the market's terminal columns.
type ResolutionRow struct {
	MarketID     string
	FinalPrices  pq.StringArray
	IsUserWinner bool
	PayoutPaid   string
	Manual       bool
	ResolvedAt   string
}

// JournalRow is one row in speed.journals.
type JournalRow struct {
	JournalID     string
	BatchID       string
	MarketRef     string
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Timestamp     string
}

const rowTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// MarketRowFromCreation flattens a creation result for storage.
func MarketRowFromCreation(c *engine.CreationResult) MarketRow {
	dirs := make(pq.StringArray, len(c.Directions))
	for i, d := range c.Directions {
		dirs[i] = d.String()
	}
	return MarketRow{
		MarketID:     c.MarketID.String(),
		Kind:         string(c.Kind),
		Owner:        c.Owner.Hex(),
		Asset:        c.Asset,
		Directions:   dirs,
		StrikeTime:   c.StrikeTime.UTC().Format(rowTimeLayout),
		StrikePrice:  c.StrikePrice.String(),
		Buyin:        c.Buyin.String(),
		BuyinUSD:     c.BuyinUSD.String(),
		Collateral:   c.Collateral.Hex(),
		Payout:       c.Payout.String(),
		PayoutUSD:    c.PayoutUSD.String(),
		FeeRate:      c.FeeRate.String(),
		ReferrerCut:  c.ReferrerCut.String(),
		SafeBoxCut:   c.SafeBoxCut.String(),
		ReferralTier: c.ReferralTier.String(),
		RiskReserved: c.RiskReserved.String(),
		CreatedAt:    c.CreatedAt.UTC().Format(rowTimeLayout),
	}
}

// ResolutionRowFrom flattens a resolution result for storage.
func ResolutionRowFrom(r *engine.ResolutionResult) ResolutionRow {
	prices := make(pq.StringArray, len(r.FinalPrices))
	for i, p := range r.FinalPrices {
		prices[i] = p.String()
	}
	return ResolutionRow{
		MarketID:     r.MarketID.String(),
		FinalPrices:  prices,
		IsUserWinner: r.IsUserWinner,
		PayoutPaid:   r.PayoutPaid.String(),
		Manual:       r.Manual,
		ResolvedAt:   r.ResolvedAt.UTC().Format(rowTimeLayout),
	}
}

// JournalRowsFromBatch flattens a ledger batch for storage.
func JournalRowsFromBatch(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, len(b.Journals))
	for i, j := range b.Journals {
		rows[i] = JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			MarketRef:     j.MarketRef,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.DebitAccount.Asset.Hex(),
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp.UTC().Format(rowTimeLayout),
		}
	}
	return rows
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteMarkets inserts creation rows.
func (w *RowWriter) WriteMarkets(ctx context.Context, ex execer, rows []MarketRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO speed.markets
		(market_id, kind, owner, asset, directions, strike_time, strike_price,
		 buyin, buyin_usd, collateral, payout, payout_usd, fee_rate,
		 referrer_cut, safe_box_cut, referral_tier, risk_reserved, created_at)
		VALUES `

	const cols = 18
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.MarketID, r.Kind, r.Owner, r.Asset, r.Directions,
			r.StrikeTime, r.StrikePrice, r.Buyin, r.BuyinUSD, r.Collateral,
			r.Payout, r.PayoutUSD, r.FeeRate, r.ReferrerCut, r.SafeBoxCut,
			r.ReferralTier, r.RiskReserved, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteResolutions marks markets resolved. Updates are applied one by one;
// resolutions are far rarer per flush than journal rows.
func (w *RowWriter) WriteResolutions(ctx context.Context, ex execer, rows []ResolutionRow) error {
	const query = `UPDATE speed.markets SET
			resolved = TRUE, final_prices = $2, is_user_winner = $3,
			payout_paid = $4, manual = $5, resolved_at = $6
		WHERE market_id = $1 AND resolved = FALSE`

	for _, r := range rows {
		if _, err := ex.ExecContext(ctx, query,
			r.MarketID, r.FinalPrices, r.IsUserWinner,
			r.PayoutPaid, r.Manual, r.ResolvedAt,
		); err != nil {
			return fmt.Errorf("resolve market %s: %w", r.MarketID, err)
		}
	}
	return nil
}

// WriteJournals inserts ledger rows.
func (w *RowWriter) WriteJournals(ctx context.Context, ex execer, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO speed.journals
		(journal_id, batch_id, market_ref, debit_account, credit_account,
		 asset, amount, journal_type, ts)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.JournalID, r.BatchID, r.MarketRef, r.DebitAccount,
			r.CreditAccount, r.Asset, r.Amount, r.JournalType, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
