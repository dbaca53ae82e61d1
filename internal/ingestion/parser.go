package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/fixed"
	"speedmarkets/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Command types carried on the request subjects. The ingestion shell parses
// and validates wire payloads before anything reaches the engine.
const (
	CommandCreateSingle   = "CreateSingle"
	CommandCreateChained  = "CreateChained"
	CommandResolveSingle  = "ResolveSingle"
	CommandResolveChained = "ResolveChained"
)

// ResolveCommand is the parsed resolution request. Evidence carries one blob
// per leg; single-leg markets carry exactly one.
type ResolveCommand struct {
	MarketID uuid.UUID
	Evidence [][]byte
}

// ParseCommand converts a raw subject+payload into a typed engine input.
// The returned value is one of engine.CreateRequest, engine.CreateChainedRequest,
// or ResolveCommand.
func ParseCommand(raw RawRequest, commandType string) (interface{}, error) {
	switch commandType {
	case CommandCreateSingle:
		return parseCreateSingle(raw.Data)
	case CommandCreateChained:
		return parseCreateChained(raw.Data)
	case CommandResolveSingle:
		return parseResolveSingle(raw.Data)
	case CommandResolveChained:
		return parseResolveChained(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// Amounts in native token base units are decimal integer strings; wad-scaled
// values (prices, rates) are 18-decimal integer strings. Evidence is base64
// (encoding/json's default for []byte). Field names use snake_case.

type createSingleJSON struct {
	Owner         string `json:"owner"`
	Asset         string `json:"asset"`
	Direction     string `json:"direction"`
	StrikeTime    string `json:"strike_time"` // RFC3339
	Buyin         string `json:"buyin"`
	Collateral    string `json:"collateral"`
	Referrer      string `json:"referrer,omitempty"`
	ExpectedPrice string `json:"expected_price"`
	SlippageBound string `json:"slippage_bound,omitempty"`
	Evidence      []byte `json:"evidence"`
}

func parseCreateSingle(data []byte) (engine.CreateRequest, error) {
	var j createSingleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.CreateRequest{}, fmt.Errorf("parse CreateSingle: %w", err)
	}

	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	collateralAddr, err := parseAddress("collateral", j.Collateral)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	referrer, err := parseOptionalAddress("referrer", j.Referrer)
	if err != nil {
		return engine.CreateRequest{}, err
	}

	dir, ok := market.ParseDirection(j.Direction)
	if !ok {
		return engine.CreateRequest{}, fmt.Errorf("parse direction: unknown value %q", j.Direction)
	}
	strikeTime, err := time.Parse(time.RFC3339, j.StrikeTime)
	if err != nil {
		return engine.CreateRequest{}, fmt.Errorf("parse strike_time: %w", err)
	}
	buyin, err := parseBigInt("buyin", j.Buyin)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	expected, err := parseBigInt("expected_price", j.ExpectedPrice)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	slippage, err := parseOptionalBigInt("slippage_bound", j.SlippageBound)
	if err != nil {
		return engine.CreateRequest{}, err
	}

	return engine.CreateRequest{
		Owner:         owner,
		Asset:         j.Asset,
		Direction:     dir,
		StrikeTime:    strikeTime,
		Buyin:         buyin,
		Collateral:    collateralAddr,
		Referrer:      referrer,
		ExpectedPrice: expected,
		SlippageBound: slippage,
		Evidence:      j.Evidence,
	}, nil
}

type createChainedJSON struct {
	Owner         string   `json:"owner"`
	Asset         string   `json:"asset"`
	Directions    []string `json:"directions"`
	TimeFrameSec  int64    `json:"time_frame_sec"`
	Buyin         string   `json:"buyin"`
	Collateral    string   `json:"collateral"`
	Referrer      string   `json:"referrer,omitempty"`
	ExpectedPrice string   `json:"expected_price"`
	SlippageBound string   `json:"slippage_bound,omitempty"`
	Evidence      []byte   `json:"evidence"`
}

func parseCreateChained(data []byte) (engine.CreateChainedRequest, error) {
	var j createChainedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.CreateChainedRequest{}, fmt.Errorf("parse CreateChained: %w", err)
	}

	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}
	collateralAddr, err := parseAddress("collateral", j.Collateral)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}
	referrer, err := parseOptionalAddress("referrer", j.Referrer)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}

	if len(j.Directions) == 0 {
		return engine.CreateChainedRequest{}, fmt.Errorf("parse directions: empty")
	}
	directions := make([]market.Direction, len(j.Directions))
	for i, s := range j.Directions {
		dir, ok := market.ParseDirection(s)
		if !ok {
			return engine.CreateChainedRequest{}, fmt.Errorf("parse directions[%d]: unknown value %q", i, s)
		}
		directions[i] = dir
	}

	if j.TimeFrameSec <= 0 {
		return engine.CreateChainedRequest{}, fmt.Errorf("parse time_frame_sec: must be positive")
	}
	buyin, err := parseBigInt("buyin", j.Buyin)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}
	expected, err := parseBigInt("expected_price", j.ExpectedPrice)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}
	slippage, err := parseOptionalBigInt("slippage_bound", j.SlippageBound)
	if err != nil {
		return engine.CreateChainedRequest{}, err
	}

	return engine.CreateChainedRequest{
		Owner:         owner,
		Asset:         j.Asset,
		Directions:    directions,
		TimeFrame:     time.Duration(j.TimeFrameSec) * time.Second,
		Buyin:         buyin,
		Collateral:    collateralAddr,
		Referrer:      referrer,
		ExpectedPrice: expected,
		SlippageBound: slippage,
		Evidence:      j.Evidence,
	}, nil
}

type resolveSingleJSON struct {
	MarketID string `json:"market_id"`
	Evidence []byte `json:"evidence"`
}

func parseResolveSingle(data []byte) (ResolveCommand, error) {
	var j resolveSingleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return ResolveCommand{}, fmt.Errorf("parse ResolveSingle: %w", err)
	}
	id, err := uuid.Parse(j.MarketID)
	if err != nil {
		return ResolveCommand{}, fmt.Errorf("parse market_id: %w", err)
	}
	if len(j.Evidence) == 0 {
		return ResolveCommand{}, fmt.Errorf("parse evidence: empty")
	}
	return ResolveCommand{MarketID: id, Evidence: [][]byte{j.Evidence}}, nil
}

type resolveChainedJSON struct {
	MarketID string   `json:"market_id"`
	Evidence [][]byte `json:"evidence"`
}

func parseResolveChained(data []byte) (ResolveCommand, error) {
	var j resolveChainedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return ResolveCommand{}, fmt.Errorf("parse ResolveChained: %w", err)
	}
	id, err := uuid.Parse(j.MarketID)
	if err != nil {
		return ResolveCommand{}, fmt.Errorf("parse market_id: %w", err)
	}
	if len(j.Evidence) == 0 {
		return ResolveCommand{}, fmt.Errorf("parse evidence: empty")
	}
	for i, leg := range j.Evidence {
		if len(leg) == 0 {
			return ResolveCommand{}, fmt.Errorf("parse evidence[%d]: empty", i)
		}
	}
	return ResolveCommand{MarketID: id, Evidence: j.Evidence}, nil
}

// --- field helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseOptionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, s)
}

func parseBigInt(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q is not a base-10 integer", field, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("parse %s: must be positive, got %s", field, fixed.FormatDecimal(v))
	}
	return v, nil
}

func parseOptionalBigInt(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q is not a base-10 integer", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: must be non-negative", field)
	}
	return v, nil
}
