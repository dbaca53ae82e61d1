package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/market"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes committed engine outputs to NATS for
// downstream consumers. Subjects follow the pattern:
// {prefix}.events.{created|resolved}.{kind}.{market_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	prefix    string
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, prefix string) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		prefix:    prefix,
	}
}

// createdRecord is the outbound wire form of a creation. Big integers are
// decimal strings so consumers in any language can read them losslessly.
type createdRecord struct {
	MarketID     string    `json:"market_id"`
	Kind         string    `json:"kind"`
	Owner        string    `json:"owner"`
	Asset        string    `json:"asset"`
	Directions   []string  `json:"directions"`
	StrikeTime   time.Time `json:"strike_time"`
	StrikePrice  string    `json:"strike_price"`
	Buyin        string    `json:"buyin"`
	BuyinUSD     string    `json:"buyin_usd"`
	Collateral   string    `json:"collateral"`
	Payout       string    `json:"payout"`
	FeeRate      string    `json:"fee_rate"`
	ReferrerCut  string    `json:"referrer_cut"`
	SafeBoxCut   string    `json:"safe_box_cut"`
	ReferralTier string    `json:"referral_tier"`
	RiskReserved string    `json:"risk_reserved"`
	CreatedAt    time.Time `json:"created_at"`
}

// resolvedRecord is the outbound wire form of a settlement.
type resolvedRecord struct {
	MarketID     string    `json:"market_id"`
	Kind         string    `json:"kind"`
	Owner        string    `json:"owner"`
	Asset        string    `json:"asset"`
	Collateral   string    `json:"collateral"`
	FinalPrices  []string  `json:"final_prices"`
	IsUserWinner bool      `json:"is_user_winner"`
	PayoutPaid   string    `json:"payout_paid"`
	Manual       bool      `json:"manual"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed: %v", err)
				// Non-fatal: downstream consumers can query the API directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	var (
		subject string
		payload interface{}
	)

	switch {
	case out.Creation != nil:
		c := out.Creation
		subject = fmt.Sprintf("%s.events.created.%s.%s", op.prefix, c.Kind, c.MarketID)
		payload = createdRecord{
			MarketID:     c.MarketID.String(),
			Kind:         string(c.Kind),
			Owner:        c.Owner.Hex(),
			Asset:        c.Asset,
			Directions:   directionStrings(c.Directions),
			StrikeTime:   c.StrikeTime,
			StrikePrice:  c.StrikePrice.String(),
			Buyin:        c.Buyin.String(),
			BuyinUSD:     c.BuyinUSD.String(),
			Collateral:   c.Collateral.Hex(),
			Payout:       c.Payout.String(),
			FeeRate:      c.FeeRate.String(),
			ReferrerCut:  c.ReferrerCut.String(),
			SafeBoxCut:   c.SafeBoxCut.String(),
			ReferralTier: c.ReferralTier.String(),
			RiskReserved: c.RiskReserved.String(),
			CreatedAt:    c.CreatedAt,
		}

	case out.Resolution != nil:
		r := out.Resolution
		subject = fmt.Sprintf("%s.events.resolved.%s.%s", op.prefix, r.Kind, r.MarketID)
		prices := make([]string, len(r.FinalPrices))
		for i, p := range r.FinalPrices {
			prices[i] = p.String()
		}
		payload = resolvedRecord{
			MarketID:     r.MarketID.String(),
			Kind:         string(r.Kind),
			Owner:        r.Owner.Hex(),
			Asset:        r.Asset,
			Collateral:   r.Collateral.Hex(),
			FinalPrices:  prices,
			IsUserWinner: r.IsUserWinner,
			PayoutPaid:   r.PayoutPaid.String(),
			Manual:       r.Manual,
			ResolvedAt:   r.ResolvedAt,
		}

	default:
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbound record: %w", err)
	}
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

func directionStrings(dirs []market.Direction) []string {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = d.String()
	}
	return out
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SPEED_MARKET_EVENTS",
		Subjects:  []string{prefix + ".events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream SPEED_MARKET_EVENTS")
	return nil
}
