package horizon

import (
	"errors"
	"math/big"

	"github.com/streamingfast/eth-go"
)

var (
	ErrNoReceipts              = errors.New("no valid receipts for RAV request")
	ErrAggregateOverflow       = errors.New("aggregating receipt results in overflow")
	ErrDuplicateSignature      = errors.New("duplicate receipt signature detected")
	ErrInvalidTimestamp        = errors.New("receipt timestamp not greater than previous RAV")
	ErrCollectionMismatch      = errors.New("receipts have different collection IDs")
	ErrPayerMismatch           = errors.New("receipts have different payer addresses")
	ErrServiceProviderMismatch = errors.New("receipts have different service provider addresses")
	ErrDataServiceMismatch     = errors.New("receipts have different data service addresses")
	ErrInvalidSigner           = errors.New("receipt signed by unauthorized signer")
	ErrRAVSignerMismatch       = errors.New("previous RAV signed by unauthorized signer")
)

// Aggregator is the collector-side counterpart to a sender's allocation
// actors: it takes whatever batch of unaggregated receipts an actor hands
// it for one allocation, checks every receipt is genuinely the sender's and
// genuinely new, folds them into the allocation's running RAV, and signs
// the result so the actor can redeem it on-chain.
type Aggregator struct {
	domain          *Domain
	signerKey       *eth.PrivateKey
	acceptedSigners map[string]bool
}

// NewAggregator creates an Aggregator that signs with signerKey and accepts
// receipts/RAVs signed by any address in acceptedSigners.
func NewAggregator(domain *Domain, signerKey *eth.PrivateKey, acceptedSigners []eth.Address) *Aggregator {
	signerMap := make(map[string]bool, len(acceptedSigners))
	for _, addr := range acceptedSigners {
		signerMap[addr.Pretty()] = true
	}

	return &Aggregator{
		domain:          domain,
		signerKey:       signerKey,
		acceptedSigners: signerMap,
	}
}

// AggregateReceipts validates receipts against previousRAV and returns a
// freshly signed RAV covering all of them.
func (a *Aggregator) AggregateReceipts(
	receipts []*SignedReceipt,
	previousRAV *SignedRAV,
) (*SignedRAV, error) {

	if len(receipts) == 0 {
		return nil, ErrNoReceipts
	}

	if err := a.validateReceipts(receipts); err != nil {
		return nil, err
	}

	if previousRAV != nil {
		if err := a.verifyRAVSigner(previousRAV); err != nil {
			return nil, err
		}
	}

	if err := checkReceiptTimestamps(receipts, previousRAV); err != nil {
		return nil, err
	}

	if err := validateReceiptConsistency(receipts); err != nil {
		return nil, err
	}

	if previousRAV != nil {
		if err := validateRAVConsistency(receipts[0].Message, previousRAV.Message); err != nil {
			return nil, err
		}
	}

	rav, err := aggregate(receipts, previousRAV)
	if err != nil {
		return nil, err
	}

	return Sign(a.domain, rav, a.signerKey)
}

// validateReceipts checks, in one pass, that no two receipts carry the same
// signature (malleability protection) and that every receipt recovers to a
// signer this aggregator accepts.
func (a *Aggregator) validateReceipts(receipts []*SignedReceipt) error {
	seen := make(map[[65]byte]bool, len(receipts))
	for _, r := range receipts {
		normalized := normalizeSignature(r.Signature)
		if seen[normalized] {
			return ErrDuplicateSignature
		}
		seen[normalized] = true

		signer, err := r.RecoverSigner(a.domain)
		if err != nil {
			return err
		}
		if !a.acceptedSigners[signer.Pretty()] {
			return ErrInvalidSigner
		}
	}
	return nil
}

// aggregate creates a RAV from validated receipts
func aggregate(receipts []*SignedReceipt, previousRAV *SignedRAV) (*RAV, error) {
	first := receipts[0].Message

	var timestampMax uint64 = 0
	valueAggregate := big.NewInt(0)

	// Initialize from previous RAV if present
	if previousRAV != nil {
		timestampMax = previousRAV.Message.TimestampNs
		valueAggregate = new(big.Int).Set(previousRAV.Message.ValueAggregate)
	}

	// Aggregate all receipts
	for _, r := range receipts {
		receipt := r.Message

		// Add value with overflow check
		newValue := new(big.Int).Add(valueAggregate, receipt.Value)
		if newValue.Cmp(MaxUint128) > 0 {
			return nil, ErrAggregateOverflow
		}
		valueAggregate = newValue

		// Track max timestamp
		if receipt.TimestampNs > timestampMax {
			timestampMax = receipt.TimestampNs
		}
	}

	return &RAV{
		CollectionID:    first.CollectionID,
		Payer:           first.Payer,
		ServiceProvider: first.ServiceProvider,
		DataService:     first.DataService,
		TimestampNs:     timestampMax,
		ValueAggregate:  valueAggregate,
		Metadata:        []byte{}, // Empty metadata by default
	}, nil
}

func (a *Aggregator) verifyRAVSigner(rav *SignedRAV) error {
	signer, err := rav.RecoverSigner(a.domain)
	if err != nil {
		return err
	}
	if !a.acceptedSigners[signer.Pretty()] {
		return ErrRAVSignerMismatch
	}
	return nil
}

func checkReceiptTimestamps(receipts []*SignedReceipt, previousRAV *SignedRAV) error {
	if previousRAV == nil {
		return nil
	}
	ravTimestamp := previousRAV.Message.TimestampNs
	for _, r := range receipts {
		if r.Message.TimestampNs <= ravTimestamp {
			return ErrInvalidTimestamp
		}
	}
	return nil
}

// allocationFields is the subset of Receipt/RAV fields that must agree
// across every receipt feeding one aggregation, and between those receipts
// and any previous RAV they extend: they all describe the same allocation.
type allocationFields struct {
	CollectionID    CollectionID
	Payer           eth.Address
	ServiceProvider eth.Address
	DataService     eth.Address
}

func (f allocationFields) matches(other allocationFields) error {
	if f.CollectionID != other.CollectionID {
		return ErrCollectionMismatch
	}
	if !addressesEqual(f.Payer, other.Payer) {
		return ErrPayerMismatch
	}
	if !addressesEqual(f.ServiceProvider, other.ServiceProvider) {
		return ErrServiceProviderMismatch
	}
	if !addressesEqual(f.DataService, other.DataService) {
		return ErrDataServiceMismatch
	}
	return nil
}

func receiptFields(r *Receipt) allocationFields {
	return allocationFields{r.CollectionID, r.Payer, r.ServiceProvider, r.DataService}
}

func ravFields(r *RAV) allocationFields {
	return allocationFields{r.CollectionID, r.Payer, r.ServiceProvider, r.DataService}
}

func validateReceiptConsistency(receipts []*SignedReceipt) error {
	if len(receipts) == 0 {
		return nil
	}

	first := receiptFields(receipts[0].Message)
	for _, r := range receipts[1:] {
		if err := first.matches(receiptFields(r.Message)); err != nil {
			return err
		}
	}
	return nil
}

func validateRAVConsistency(receipt *Receipt, rav *RAV) error {
	return receiptFields(receipt).matches(ravFields(rav))
}

// addressesEqual compares two eth.Address values
func addressesEqual(a, b eth.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
