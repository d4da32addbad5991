// Package escrowsubgraph is a thin client for the escrow subgraph's
// redeemed-transaction query (spec section 6). It is consulted by the
// escrow-accounts watcher to tell which last-non-final RAVs have already
// been redeemed on-chain.
package escrowsubgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// Client queries the escrow subgraph's Transactions collection, grounded on
// the GraphQL-over-HTTP shape every subgraph client in the ecosystem uses:
// a single POST carrying {query, variables} and a {data, errors} envelope.
// No dedicated GraphQL library is pulled in for this (see DESIGN.md); the
// query shape is fixed and small enough that net/http plus encoding/json
// covers it without a generated client.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a Client against endpoint, the escrow subgraph's query URL.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

const unfinalizedTransactionsQuery = `
query UnfinalizedTransactions($unfinalizedRavsAllocationIds: [String!]!, $sender: String!) {
  transactions(
    where: {
      and: [
        { allocationID_in: $unfinalizedRavsAllocationIds }
        { sender_: { id: $sender } }
      ]
    }
  ) {
    allocationID
  }
}
`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type transactionsResponse struct {
	Data struct {
		Transactions []struct {
			AllocationID string `json:"allocationID"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// RedeemedAllocations returns, among allocationIDs, those for which sender
// already has a recorded on-chain redeem transaction. Per spec section 6,
// callers are expected to treat a failing query as an empty result rather
// than propagate the error to the deny decision — RedeemedAllocations
// itself returns the error so the caller can log it before falling back.
func (c *Client) RedeemedAllocations(ctx context.Context, sender types.Address, allocationIDs []types.Address) (map[string]struct{}, error) {
	ids := make([]string, len(allocationIDs))
	for i, id := range allocationIDs {
		ids[i] = id.Pretty()
	}

	body, err := json.Marshal(graphQLRequest{
		Query: unfinalizedTransactionsQuery,
		Variables: map[string]any{
			"unfinalizedRavsAllocationIds": ids,
			"sender":                       sender.Pretty(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying escrow subgraph: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("escrow subgraph returned status %d", resp.StatusCode)
	}

	var parsed transactionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("escrow subgraph error: %s", parsed.Errors[0].Message)
	}

	redeemed := make(map[string]struct{}, len(parsed.Data.Transactions))
	for _, tx := range parsed.Data.Transactions {
		addr, err := types.ParseAddress(tx.AllocationID)
		if err != nil {
			continue
		}
		redeemed[types.Key(addr)] = struct{}{}
	}
	return redeemed, nil
}
