package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"
	"speedmarkets/internal/persistence"
	"speedmarkets/internal/referral"
	"speedmarkets/internal/testutil"
)

// Exercises the full write path against a real Postgres: migrate, run the
// worker, feed it a creation and a resolution, and read the rows back.
func TestWorker_WritesRows(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	outputs := make(chan engine.Output, 8)
	worker := persistence.NewWorker(db, outputs, 16, 50*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	id := uuid.New()
	owner := common.HexToAddress("0xbe")
	token := common.HexToAddress("0x01")
	created := time.Now().UTC().Truncate(time.Second)
	batchID := uuid.New()

	outputs <- engine.Output{
		Creation: &engine.CreationResult{
			MarketID:     id,
			Kind:         engine.KindSingle,
			Owner:        owner,
			Asset:        "ETH",
			Directions:   []market.Direction{market.DirectionUp},
			StrikeTime:   created.Add(5 * time.Minute),
			StrikePrice:  big.NewInt(2500),
			Buyin:        big.NewInt(10_000_000),
			BuyinUSD:     big.NewInt(10),
			Collateral:   token,
			Payout:       big.NewInt(20_000_000),
			PayoutUSD:    big.NewInt(20),
			FeeRate:      big.NewInt(200),
			ReferrerCut:  big.NewInt(0),
			SafeBoxCut:   big.NewInt(200_000),
			ReferralTier: referral.TierNone,
			RiskReserved: big.NewInt(10),
			CreatedAt:    created,
		},
		Batch: &ledger.Batch{
			BatchID:   batchID,
			MarketRef: id.String(),
			Timestamp: created,
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				MarketRef:     id.String(),
				DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeWorkingCapital, token),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalStakes, token),
				Amount:        big.NewInt(10_000_000),
				JournalType:   ledger.JournalTypeStakeIn,
				Timestamp:     created,
			}},
		},
	}
	outputs <- engine.Output{
		Resolution: &engine.ResolutionResult{
			MarketID:     id,
			Kind:         engine.KindSingle,
			Owner:        owner,
			Asset:        "ETH",
			Collateral:   token,
			FinalPrices:  []*big.Int{big.NewInt(2600)},
			IsUserWinner: true,
			PayoutPaid:   big.NewInt(20_000_000),
			ResolvedAt:   created.Add(5 * time.Minute),
		},
	}

	// Wait for the flush timeout to fire.
	require.Eventually(t, func() bool {
		var resolved bool
		err := db.QueryRow(
			`SELECT resolved FROM speed.markets WHERE market_id = $1`, id.String(),
		).Scan(&resolved)
		return err == nil && resolved
	}, 5*time.Second, 100*time.Millisecond)

	var kind, buyin, payoutPaid string
	var winner bool
	require.NoError(t, db.QueryRow(`
		SELECT kind, buyin, payout_paid, is_user_winner
		FROM speed.markets WHERE market_id = $1
	`, id.String()).Scan(&kind, &buyin, &payoutPaid, &winner))
	assert.Equal(t, "single", kind)
	assert.Equal(t, "10000000", buyin)
	assert.Equal(t, "20000000", payoutPaid)
	assert.True(t, winner)

	var journals int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM speed.journals WHERE market_ref = $1`, id.String(),
	).Scan(&journals))
	assert.Equal(t, 1, journals)

	cancel()
	<-done
}
