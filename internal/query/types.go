package query

import "time"

// MarketRecord is the stored view of a market. Amounts are decimal strings
// in collateral base units; prices and rates are 18-decimal fixed point
// strings.
type MarketRecord struct {
	MarketID     string     `json:"market_id"`
	Kind         string     `json:"kind"`
	Owner        string     `json:"owner"`
	Asset        string     `json:"asset"`
	Directions   []string   `json:"directions"`
	StrikeTime   time.Time  `json:"strike_time"`
	StrikePrice  string     `json:"strike_price"`
	Buyin        string     `json:"buyin"`
	BuyinUSD     string     `json:"buyin_usd"`
	Collateral   string     `json:"collateral"`
	Payout       string     `json:"payout"`
	PayoutUSD    string     `json:"payout_usd"`
	FeeRate      string     `json:"fee_rate"`
	ReferrerCut  string     `json:"referrer_cut"`
	SafeBoxCut   string     `json:"safe_box_cut"`
	ReferralTier string     `json:"referral_tier"`
	RiskReserved string     `json:"risk_reserved"`
	CreatedAt    time.Time  `json:"created_at"`
	Resolved     bool       `json:"resolved"`
	FinalPrices  []string   `json:"final_prices,omitempty"`
	IsUserWinner *bool      `json:"is_user_winner,omitempty"`
	PayoutPaid   string     `json:"payout_paid,omitempty"`
	Manual       *bool      `json:"manual,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// JournalEntry is one stored double-entry row.
type JournalEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	MarketRef     string    `json:"market_ref"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarketFilter narrows ListMarkets. Nil fields match everything; CreatedBefore
// is the pagination cursor.
type MarketFilter struct {
	Owner         *string
	Asset         *string
	Resolved      *bool
	CreatedBefore *time.Time
	Limit         int
}

// AssetTotal is a per-collateral sum used in platform stats.
type AssetTotal struct {
	Asset string `json:"asset"`
	Total string `json:"total"`
}

// PlatformStats aggregates stored activity.
type PlatformStats struct {
	TotalMarkets    int64        `json:"total_markets"`
	OpenMarkets     int64        `json:"open_markets"`
	ResolvedMarkets int64        `json:"resolved_markets"`
	UserWins        int64        `json:"user_wins"`
	SafeBoxAccrued  []AssetTotal `json:"safe_box_accrued"`
	EscrowLocked    []AssetTotal `json:"escrow_locked"`
}

// EscrowImbalance reports a market whose escrow journals do not balance.
type EscrowImbalance struct {
	MarketRef string `json:"market_ref"`
	Locked    string `json:"locked"`
	Released  string `json:"released"`
}

// IntegrityReport is the result of the stored-ledger audit.
type IntegrityReport struct {
	IsHealthy          bool              `json:"is_healthy"`
	EscrowImbalances   []EscrowImbalance `json:"escrow_imbalances,omitempty"`
	ResolvedNoJournals []string          `json:"resolved_without_journals,omitempty"`
}
