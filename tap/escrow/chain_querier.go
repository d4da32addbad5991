package escrow

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/eth-go/rpc"
)

// ChainQuerier reads live escrow balances from the on-chain PaymentsEscrow
// contract. It feeds the escrow-accounts watcher; the per-sender Adapter
// above is what allocation actors actually consult.
type ChainQuerier struct {
	rpcClient  *rpc.Client
	escrowAddr eth.Address
}

// NewChainQuerier creates a ChainQuerier against the PaymentsEscrow contract
// deployed at escrowAddr, reachable over the given Ethereum RPC endpoint.
func NewChainQuerier(rpcEndpoint string, escrowAddr eth.Address) *ChainQuerier {
	return &ChainQuerier{
		rpcClient:  rpc.NewClient(rpcEndpoint),
		escrowAddr: escrowAddr,
	}
}

// getBalanceSignature is the canonical Solidity signature of the view
// function this agent calls on PaymentsEscrow: a sender's escrowed balance
// earmarked for one (collector, indexer) pair.
const getBalanceSignature = "getBalance(address,address,address)"

// GetBalance returns sender's escrow balance, earmarked for indexer via
// collector, by calling PaymentsEscrow.getBalance(sender, collector, indexer).
func (q *ChainQuerier) GetBalance(ctx context.Context, sender, collector, indexer eth.Address) (*big.Int, error) {
	params := rpc.CallParams{
		To:   q.escrowAddr,
		Data: encodeAddressCall(getBalanceSignature, sender, collector, indexer),
	}

	resultHex, err := q.rpcClient.Call(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("calling getBalance: %w", err)
	}

	return decodeUint256(resultHex)
}

// encodeAddressCall builds calldata for a view function whose only
// arguments are addresses: a 4-byte selector derived from the function's
// canonical signature, followed by each address left-padded into its own
// 32-byte word, in order.
func encodeAddressCall(signature string, addrs ...eth.Address) []byte {
	selector := eth.Keccak256([]byte(signature))

	data := make([]byte, 4+32*len(addrs))
	copy(data[:4], selector[:4])
	for i, addr := range addrs {
		word := 4 + 32*i
		copy(data[word+12:word+32], addr[:])
	}
	return data
}

// decodeUint256 parses a single uint256 return value out of a hex-encoded
// eth_call result.
func decodeUint256(resultHex string) (*big.Int, error) {
	resultHex = strings.TrimPrefix(resultHex, "0x")

	resultBytes, err := hex.DecodeString(resultHex)
	if err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	if len(resultBytes) != 32 {
		return nil, fmt.Errorf("unexpected result length: %d", len(resultBytes))
	}

	return new(big.Int).SetBytes(resultBytes), nil
}
