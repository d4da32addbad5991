package horizon

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"github.com/streamingfast/eth-go"
)

// CollectionID is the 32-byte identifier the GraphTallyCollector contract
// groups receipts and RAVs by. A sender-accounting agent has no native
// 32-byte collection concept of its own; it tracks 20-byte allocation
// addresses, so every collection id in this package is the allocation
// address left-padded into 32 bytes (see CollectionIDFromAllocation).
type CollectionID [32]byte

// CollectionIDFromAllocation derives the collection id the on-chain
// collector uses for alloc, by left-padding the 20-byte allocation address
// into the 32-byte slot, following the same left-pad convention EIP712
// encoding uses for every address field in this package.
func CollectionIDFromAllocation(alloc eth.Address) CollectionID {
	var id CollectionID
	copy(id[12:], alloc[:])
	return id
}

// MarshalJSON implements json.Marshaler
func (c CollectionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(eth.Hash(c[:]).Pretty())
}

// UnmarshalJSON implements json.Unmarshaler
func (c *CollectionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	h := eth.MustNewHash(s)
	copy(c[:], h)
	return nil
}

// Receipt is one paid query: a single unit of work a data service performed
// for payer against one allocation, priced at Value and signed by the
// payer's authorized signer before it ever reaches the allocation actor
// that tracks it.
type Receipt struct {
	CollectionID    CollectionID `json:"collection_id"`
	Payer           eth.Address  `json:"payer"`
	DataService     eth.Address  `json:"data_service"`
	ServiceProvider eth.Address  `json:"service_provider"`
	TimestampNs     uint64       `json:"timestamp_ns"`
	Nonce           uint64       `json:"nonce"`
	Value           *big.Int     `json:"value"`
}

// NewReceipt builds a Receipt for collectionID, stamped with the current
// time and a fresh random nonce.
func NewReceipt(
	collectionID CollectionID,
	payer, dataService, serviceProvider eth.Address,
	value *big.Int,
) *Receipt {
	return &Receipt{
		CollectionID:    collectionID,
		Payer:           payer,
		DataService:     dataService,
		ServiceProvider: serviceProvider,
		TimestampNs:     uint64(time.Now().UnixNano()),
		Nonce:           randomNonce(),
		Value:           new(big.Int).Set(value),
	}
}

// RAV is a Receipt Aggregate Voucher: the batched, collector-signed claim
// an allocation actor redeems on-chain once its unaggregated receipts for
// one allocation cross a trigger threshold.
type RAV struct {
	CollectionID    CollectionID `json:"collectionId"`
	Payer           eth.Address  `json:"payer"`
	ServiceProvider eth.Address  `json:"serviceProvider"`
	DataService     eth.Address  `json:"dataService"`
	TimestampNs     uint64       `json:"timestampNs"`
	ValueAggregate  *big.Int     `json:"valueAggregate"`
	Metadata        []byte       `json:"metadata"`
}

// MaxUint128 bounds RAV.ValueAggregate: the collector contract stores
// aggregate value in a uint128 slot, so an aggregation that would overflow
// it must be rejected rather than silently wrapped.
var MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// randomNonce generates the random nonce every new receipt carries, so two
// receipts for the same allocation/value/timestamp still sign distinct
// messages.
func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
