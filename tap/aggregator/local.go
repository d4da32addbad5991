package aggregator

import (
	"context"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/streamingfast/eth-go"
)

// Local wraps horizon.Aggregator directly, satisfying the Client interface
// without a network round-trip: it verifies and signs in-process, so it can
// be handed straight to an allocation actor in place of an HTTPClient.
type Local struct {
	inner *horizon.Aggregator
}

var _ Client = (*Local)(nil)

// NewLocal creates a Client that aggregates in-process using domain for
// EIP-712 verification/signing, signerKey as the aggregator's own signing
// key, and acceptedSigners as the set of sender signers it trusts.
func NewLocal(domain *horizon.Domain, signerKey *eth.PrivateKey, acceptedSigners []eth.Address) *Local {
	return &Local{inner: horizon.NewAggregator(domain, signerKey, acceptedSigners)}
}

func (l *Local) AggregateReceipts(_ context.Context, receipts []*horizon.SignedReceipt, previousRAV *horizon.SignedRAV) (*horizon.SignedRAV, error) {
	return l.inner.AggregateReceipts(receipts, previousRAV)
}
