package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// PostgresStore persists deny-list membership, receipts and RAVs in
// PostgreSQL via database/sql and lib/pq, the same pairing the rest of the
// pack uses for its relational stores.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-opened *sql.DB. Callers own the pool's
// lifetime (including Close).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) IsDenied(ctx context.Context, sender types.Address) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tap_denylist WHERE sender_address = $1)`,
		sender.Pretty(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking deny list: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) Deny(ctx context.Context, sender types.Address) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tap_denylist (sender_address) VALUES ($1)
		 ON CONFLICT (sender_address) DO NOTHING`,
		sender.Pretty(),
	)
	if err != nil {
		return fmt.Errorf("inserting into deny list: %w", err)
	}
	return nil
}

func (p *PostgresStore) Allow(ctx context.Context, sender types.Address) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM tap_denylist WHERE sender_address = $1`,
		sender.Pretty(),
	)
	if err != nil {
		return fmt.Errorf("removing from deny list: %w", err)
	}
	return nil
}

func (p *PostgresStore) LastNonFinalRAVs(ctx context.Context, sender types.Address) (map[string]AllocationValue, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT allocation_address, value_aggregate FROM tap_ravs
		 WHERE sender_address = $1 AND last = true AND final = false`,
		sender.Pretty(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying last non-final ravs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]AllocationValue)
	for rows.Next() {
		var allocHex, valueDecimal string
		if err := rows.Scan(&allocHex, &valueDecimal); err != nil {
			return nil, fmt.Errorf("scanning rav row: %w", err)
		}
		alloc, err := types.ParseAddress(allocHex)
		if err != nil {
			return nil, fmt.Errorf("parsing allocation address %q: %w", allocHex, err)
		}
		value, err := types.ParseFee(valueDecimal)
		if err != nil {
			return nil, fmt.Errorf("parsing rav value %q: %w", valueDecimal, err)
		}
		out[types.Key(alloc)] = AllocationValue{Allocation: alloc, Value: value}
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertReceipt(ctx context.Context, sender, allocation types.Address, receipt *horizon.SignedReceipt) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tap_receipts (
			sender_address, allocation_address, timestamp_ns, nonce, value, signed_receipt
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(39,0), $6)
		ON CONFLICT (sender_address, allocation_address, timestamp_ns, nonce) DO NOTHING`,
		sender.Pretty(), allocation.Pretty(),
		receipt.Message.TimestampNs, receipt.Message.Nonce, receipt.Message.Value.String(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) ReceiptsAfter(ctx context.Context, sender, allocation types.Address, afterTimestampNs uint64) ([]*horizon.SignedReceipt, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT signed_receipt FROM tap_receipts
		 WHERE sender_address = $1 AND allocation_address = $2 AND timestamp_ns > $3
		 ORDER BY timestamp_ns ASC`,
		sender.Pretty(), allocation.Pretty(), afterTimestampNs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*horizon.SignedReceipt
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning receipt row: %w", err)
		}
		receipt := &horizon.SignedReceipt{}
		if err := json.Unmarshal(payload, receipt); err != nil {
			return nil, fmt.Errorf("decoding receipt: %w", err)
		}
		out = append(out, receipt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastRAV(ctx context.Context, sender, allocation types.Address) (*horizon.SignedRAV, bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT signed_rav FROM tap_ravs WHERE sender_address = $1 AND allocation_address = $2`,
		sender.Pretty(), allocation.Pretty(),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying last rav: %w", err)
	}

	rav := &horizon.SignedRAV{}
	if err := json.Unmarshal(payload, rav); err != nil {
		return nil, false, fmt.Errorf("decoding rav: %w", err)
	}
	return rav, true, nil
}

func (p *PostgresStore) InsertRAV(ctx context.Context, sender, allocation types.Address, rav *horizon.SignedRAV, last bool) error {
	payload, err := json.Marshal(rav)
	if err != nil {
		return fmt.Errorf("encoding rav: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tap_ravs (
			sender_address, allocation_address, timestamp_ns, value_aggregate, last, final, signed_rav
		) VALUES ($1, $2, $3, $4::NUMERIC(39,0), $5, false, $6)
		ON CONFLICT (sender_address, allocation_address) DO UPDATE SET
			timestamp_ns = EXCLUDED.timestamp_ns,
			value_aggregate = EXCLUDED.value_aggregate,
			last = EXCLUDED.last,
			final = false,
			signed_rav = EXCLUDED.signed_rav`,
		sender.Pretty(), allocation.Pretty(),
		rav.Message.TimestampNs, rav.Message.ValueAggregate.String(), last,
		payload,
	)
	if err != nil {
		return fmt.Errorf("inserting rav: %w", err)
	}
	return nil
}
