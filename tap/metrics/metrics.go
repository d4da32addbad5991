// Package metrics exposes the contractual Prometheus gauges the sender
// accounting agent reports (spec section 6): deny state, escrow balance,
// unaggregated/invalid/pending fee totals, and the configured caps that
// drive the deny decision.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// Recorder is the metrics surface the supervisor writes through. Defined as
// an interface on the consumer side so tests can swap in a no-op recorder
// without standing up a Prometheus registry.
type Recorder interface {
	SetDenied(sender types.Address, denied bool)
	SetEscrowBalance(sender types.Address, balance types.Balance)
	SetMaxFeePerSender(sender types.Address, max types.Fee)
	SetTriggerValue(sender types.Address, value types.Fee)
	SetUnaggregatedFees(sender, alloc types.Address, value types.Fee)
	SetInvalidReceiptFees(sender, alloc types.Address, value types.Fee)
	SetPendingRAV(sender, alloc types.Address, value types.Fee)
	RemoveAllocationLabels(sender, alloc types.Address)
}

// Prometheus implements Recorder against a set of registered gauge vectors.
type Prometheus struct {
	denied             *prometheus.GaugeVec
	escrowBalance      *prometheus.GaugeVec
	maxFeePerSender    *prometheus.GaugeVec
	triggerValue       *prometheus.GaugeVec
	unaggregatedFees   *prometheus.GaugeVec
	invalidReceiptFees *prometheus.GaugeVec
	pendingRAV         *prometheus.GaugeVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the agent's gauges on reg and returns a Recorder
// backed by them.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		denied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sender_denied",
			Help: "1 if the sender is currently denied, 0 otherwise.",
		}, []string{"sender"}),
		escrowBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sender_escrow_balance",
			Help: "On-chain escrow balance last observed for the sender.",
		}, []string{"sender"}),
		maxFeePerSender: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "max_fee_per_sender",
			Help: "Configured unaggregated+invalid fee cap before denial.",
		}, []string{"sender"}),
		triggerValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rav_request_trigger_value",
			Help: "Configured unaggregated value that triggers a RAV request.",
		}, []string{"sender"}),
		unaggregatedFees: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unaggregated_fees",
			Help: "Receipt value not yet covered by a signed RAV, per allocation.",
		}, []string{"sender", "allocation"}),
		invalidReceiptFees: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "invalid_receipt_fees",
			Help: "Cumulative value of receipts rejected downstream, per allocation.",
		}, []string{"sender", "allocation"}),
		pendingRAV: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pending_rav",
			Help: "Value claimed by a signed but unredeemed RAV, per allocation.",
		}, []string{"sender", "allocation"}),
	}

	reg.MustRegister(
		p.denied,
		p.escrowBalance,
		p.maxFeePerSender,
		p.triggerValue,
		p.unaggregatedFees,
		p.invalidReceiptFees,
		p.pendingRAV,
	)
	return p
}

func (p *Prometheus) SetDenied(sender types.Address, denied bool) {
	v := 0.0
	if denied {
		v = 1.0
	}
	p.denied.WithLabelValues(sender.Pretty()).Set(v)
}

func (p *Prometheus) SetEscrowBalance(sender types.Address, balance types.Balance) {
	p.escrowBalance.WithLabelValues(sender.Pretty()).Set(bigToFloat(balance))
}

func (p *Prometheus) SetMaxFeePerSender(sender types.Address, max types.Fee) {
	p.maxFeePerSender.WithLabelValues(sender.Pretty()).Set(bigToFloat(max))
}

func (p *Prometheus) SetTriggerValue(sender types.Address, value types.Fee) {
	p.triggerValue.WithLabelValues(sender.Pretty()).Set(bigToFloat(value))
}

func (p *Prometheus) SetUnaggregatedFees(sender, alloc types.Address, value types.Fee) {
	p.unaggregatedFees.WithLabelValues(sender.Pretty(), alloc.Pretty()).Set(bigToFloat(value))
}

func (p *Prometheus) SetInvalidReceiptFees(sender, alloc types.Address, value types.Fee) {
	p.invalidReceiptFees.WithLabelValues(sender.Pretty(), alloc.Pretty()).Set(bigToFloat(value))
}

func (p *Prometheus) SetPendingRAV(sender, alloc types.Address, value types.Fee) {
	p.pendingRAV.WithLabelValues(sender.Pretty(), alloc.Pretty()).Set(bigToFloat(value))
}

func (p *Prometheus) RemoveAllocationLabels(sender, alloc types.Address) {
	p.unaggregatedFees.DeleteLabelValues(sender.Pretty(), alloc.Pretty())
	p.invalidReceiptFees.DeleteLabelValues(sender.Pretty(), alloc.Pretty())
	p.pendingRAV.DeleteLabelValues(sender.Pretty(), alloc.Pretty())
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}

// Noop discards every observation; used where a supervisor is constructed
// without a Prometheus registry, e.g. in tests.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) SetDenied(types.Address, bool)                       {}
func (Noop) SetEscrowBalance(types.Address, types.Balance)       {}
func (Noop) SetMaxFeePerSender(types.Address, types.Fee)         {}
func (Noop) SetTriggerValue(types.Address, types.Fee)            {}
func (Noop) SetUnaggregatedFees(types.Address, types.Address, types.Fee)   {}
func (Noop) SetInvalidReceiptFees(types.Address, types.Address, types.Fee) {}
func (Noop) SetPendingRAV(types.Address, types.Address, types.Fee)         {}
func (Noop) RemoveAllocationLabels(types.Address, types.Address)          {}
