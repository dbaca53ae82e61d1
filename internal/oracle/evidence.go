package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"speedmarkets/internal/fixed"
)

// ErrMalformedEvidence is returned when a payload matches neither accepted
// encoding or fails to decode.
var ErrMalformedEvidence = errors.New("malformed oracle evidence")

// PriceUpdate is the canonical decoded form of oracle evidence: an
// 18-decimal price and the time it attests to.
type PriceUpdate struct {
	FeedID      [32]byte
	Price       *big.Int
	PublishTime time.Time
}

// Verifier authenticates an opaque evidence payload and returns the inner
// update bytes. Signature schemes are external to the engine; a deployment
// injects whichever verifier its oracle network requires.
type Verifier interface {
	Verify(raw []byte) ([]byte, error)
}

// NopVerifier passes evidence through unauthenticated. Test and
// development use only.
type NopVerifier struct{}

func (NopVerifier) Verify(raw []byte) ([]byte, error) { return raw, nil }

// Format A: fixed-layout feed update.
// Big-endian: magic(4) feedID(32) price(int64) expo(int32) publishTime(int64).
const (
	feedUpdateMagic = 0x53504431 // "SPD1"
	feedUpdateLen   = 4 + 32 + 8 + 4 + 8
)

// EncodeFeedUpdate builds a format-A payload. The price is a scaled integer
// with the given exponent (price * 10^expo is the real value), matching
// feed-id-keyed oracle update encodings.
func EncodeFeedUpdate(feedID [32]byte, price int64, expo int32, publishTime time.Time) []byte {
	buf := make([]byte, feedUpdateLen)
	binary.BigEndian.PutUint32(buf[0:4], feedUpdateMagic)
	copy(buf[4:36], feedID[:])
	binary.BigEndian.PutUint64(buf[36:44], uint64(price))
	binary.BigEndian.PutUint32(buf[44:48], uint32(expo))
	binary.BigEndian.PutUint64(buf[48:56], uint64(publishTime.Unix()))
	return buf
}

func decodeFeedUpdate(data []byte) (PriceUpdate, error) {
	if len(data) != feedUpdateLen {
		return PriceUpdate{}, fmt.Errorf("%w: feed update length %d", ErrMalformedEvidence, len(data))
	}

	var upd PriceUpdate
	copy(upd.FeedID[:], data[4:36])
	price := int64(binary.BigEndian.Uint64(data[36:44]))
	expo := int32(binary.BigEndian.Uint32(data[44:48]))
	publish := int64(binary.BigEndian.Uint64(data[48:56]))

	canonical, err := scaleByExponent(price, expo)
	if err != nil {
		return PriceUpdate{}, err
	}
	upd.Price = canonical
	upd.PublishTime = time.Unix(publish, 0).UTC()
	return upd, nil
}

// scaleByExponent converts a (mantissa, expo) pair to the canonical
// 18-decimal scale: value = mantissa * 10^expo.
func scaleByExponent(mantissa int64, expo int32) (*big.Int, error) {
	shift := int64(fixed.Decimals) + int64(expo)
	v := big.NewInt(mantissa)
	switch {
	case shift >= 0:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
		return v.Mul(v, factor), nil
	case shift >= -18:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
		return v.Quo(v, factor), nil
	default:
		return nil, fmt.Errorf("%w: exponent %d out of range", ErrMalformedEvidence, expo)
	}
}

// Format B: ABI-encoded signed report with an explicit valid-from timestamp
// and an 18-decimal price.
var reportArguments = abi.Arguments{
	{Name: "feedId", Type: mustABIType("bytes32")},
	{Name: "validFromTimestamp", Type: mustABIType("uint32")},
	{Name: "observationsTimestamp", Type: mustABIType("uint32")},
	{Name: "price", Type: mustABIType("int192")},
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("oracle: abi type %s: %v", t, err))
	}
	return typ
}

// EncodeReport builds a format-B payload with an already 18-decimal price.
func EncodeReport(feedID [32]byte, validFrom, observations time.Time, price *big.Int) ([]byte, error) {
	return reportArguments.Pack(feedID, uint32(validFrom.Unix()), uint32(observations.Unix()), price)
}

func decodeReport(data []byte) (PriceUpdate, error) {
	values, err := reportArguments.Unpack(data)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: report: %v", ErrMalformedEvidence, err)
	}

	feedID, ok := values[0].([32]byte)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("%w: report feed id", ErrMalformedEvidence)
	}
	observations, ok := values[2].(uint32)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("%w: report timestamp", ErrMalformedEvidence)
	}
	price, ok := values[3].(*big.Int)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("%w: report price", ErrMalformedEvidence)
	}

	return PriceUpdate{
		FeedID:      feedID,
		Price:       price,
		PublishTime: time.Unix(int64(observations), 0).UTC(),
	}, nil
}

// DecodeUpdate decodes an authenticated payload in either accepted encoding.
// Format A is recognized by its magic prefix; everything else is treated as
// an ABI report.
func DecodeUpdate(data []byte) (PriceUpdate, error) {
	if len(data) >= 4 && binary.BigEndian.Uint32(data[0:4]) == feedUpdateMagic {
		return decodeFeedUpdate(data)
	}
	return decodeReport(data)
}

// FeedIDForAsset derives a deterministic feed id from an asset key. Real
// deployments configure the oracle network's published ids; this keeps dev
// and test environments consistent without extra configuration.
func FeedIDForAsset(asset string) [32]byte {
	var id [32]byte
	copy(id[:], crypto.Keccak256([]byte(asset+"/USD")))
	return id
}
