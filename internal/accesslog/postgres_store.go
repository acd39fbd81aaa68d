package accesslog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/l7policy/internal/identity"
)

// PostgresStore persists collected records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, e *Entry) error {
	var httpJSON []byte
	if e.HTTP != nil {
		var err error
		httpJSON, err = json.Marshal(e.HTTP)
		if err != nil {
			return fmt.Errorf("marshal http: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_log_entries (
			id, entry_type, is_ingress, policy_name, rule_ref,
			source_identity, destination_identity,
			source_address, destination_address, destination_port,
			http, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id, entry_type) DO NOTHING`,
		e.ID, e.EntryType.String(), e.IsIngress, e.PolicyName, e.RuleRef,
		int64(e.SourceSecurityID), int64(e.DestinationSecurityID),
		e.SourceAddress, e.DestinationAddress, int32(e.DestinationPort),
		nullJSON(httpJSON), e.Timestamp,
	)
	return err
}

// List returns matching records, newest first.
func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var entryType sql.NullString
	if f.EntryType != nil {
		entryType = sql.NullString{String: f.EntryType.String(), Valid: true}
	}

	var beforeTS sql.NullTime
	var beforeID string
	if f.Before != nil {
		beforeTS = sql.NullTime{Time: f.Before.Timestamp, Valid: true}
		beforeID = f.Before.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, entry_type, is_ingress, policy_name, rule_ref,
		       source_identity, destination_identity,
		       source_address, destination_address, destination_port,
		       http, created_at
		FROM access_log_entries
		WHERE ($1::TEXT IS NULL OR entry_type = $1)
		  AND ($2 = '' OR policy_name = $2)
		  AND ($4::TIMESTAMPTZ IS NULL OR (created_at, id) < ($4, $5))
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, entryType, f.PolicyName, f.limit(), beforeTS, beforeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var (
			e        Entry
			typ      string
			srcID    int64
			dstID    int64
			port     int32
			httpJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &typ, &e.IsIngress, &e.PolicyName, &e.RuleRef,
			&srcID, &dstID,
			&e.SourceAddress, &e.DestinationAddress, &port,
			&httpJSON, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := e.EntryType.UnmarshalText([]byte(typ)); err != nil {
			return nil, err
		}
		e.SourceSecurityID = identityFromInt(srcID)
		e.DestinationSecurityID = identityFromInt(dstID)
		e.DestinationPort = uint16(port) //nolint:gosec // column is constrained to 0-65535
		if len(httpJSON) > 0 {
			e.HTTP = &HTTPLogEntry{}
			if err := json.Unmarshal(httpJSON, e.HTTP); err != nil {
				return nil, fmt.Errorf("unmarshal http: %w", err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func identityFromInt(v int64) identity.NumericIdentity {
	return identity.NumericIdentity(uint32(v)) //nolint:gosec // stored from a uint32
}

var _ Store = (*PostgresStore)(nil)
