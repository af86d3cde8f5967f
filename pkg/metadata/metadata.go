// Package metadata implements the tabular metadata store backing the
// Memory and ConsentGrant entities (spec §3, §6 "Persisted state layout"),
// using pgx/v5 against PostgreSQL.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// Encryption describes how a Memory's content is protected, per spec §3.
type Encryption struct {
	// Kind is "plaintext" or "ibe".
	Kind string
	// IdentityString is set only when Kind == "ibe".
	IdentityString string
	// AADHash is set only when Kind == "ibe".
	AADHash string
}

// Memory is the atomic persisted-metadata record, per spec §3. ContentRef
// points at the ciphertext (or plaintext) blob in pkg/blobstore; VectorRef
// is nil until the Vector Index Manager assigns one.
type Memory struct {
	MemoryID       string
	Owner          string
	Category       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Importance     float64
	Tags           []string
	ContentRef     string
	VectorRef      *int64
	EmbeddingModel string
	Encryption     Encryption
	GraphRefs      []string
}

// Store persists Memory and ConsentGrant records.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL using connString (a standard libpq DSN or URL).
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("metadata: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadata: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the memories and consent_grants tables if they do not
// already exist. Intended for local/dev bring-up; production deployments
// are expected to run migrations out of band.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memories (
	memory_id       TEXT PRIMARY KEY,
	owner           TEXT NOT NULL,
	category        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	importance      DOUBLE PRECISION NOT NULL,
	tags            TEXT[] NOT NULL DEFAULT '{}',
	content_ref     TEXT NOT NULL,
	vector_ref      BIGINT,
	embedding_model TEXT NOT NULL,
	enc_kind        TEXT NOT NULL,
	enc_identity    TEXT NOT NULL DEFAULT '',
	enc_aad_hash    TEXT NOT NULL DEFAULT '',
	graph_refs      TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS memories_owner_idx ON memories (owner);

CREATE TABLE IF NOT EXISTS consent_grants (
	requesting_identity TEXT NOT NULL,
	target_identity     TEXT NOT NULL,
	scope               TEXT NOT NULL,
	granted_at          TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ,
	PRIMARY KEY (requesting_identity, target_identity, scope)
);
`)
	if err != nil {
		return fmt.Errorf("metadata: migrate: %w", err)
	}
	return nil
}

// PutMemory inserts or updates m. Per spec I3, memory_id is stable across
// updates; callers are responsible for bumping content_ref/graph_refs.
func (s *Store) PutMemory(ctx context.Context, m Memory) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO memories (
	memory_id, owner, category, created_at, updated_at, importance, tags,
	content_ref, vector_ref, embedding_model, enc_kind, enc_identity, enc_aad_hash, graph_refs
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (memory_id) DO UPDATE SET
	category = EXCLUDED.category,
	updated_at = EXCLUDED.updated_at,
	importance = EXCLUDED.importance,
	tags = EXCLUDED.tags,
	content_ref = EXCLUDED.content_ref,
	vector_ref = EXCLUDED.vector_ref,
	embedding_model = EXCLUDED.embedding_model,
	enc_kind = EXCLUDED.enc_kind,
	enc_identity = EXCLUDED.enc_identity,
	enc_aad_hash = EXCLUDED.enc_aad_hash,
	graph_refs = EXCLUDED.graph_refs
`,
		m.MemoryID, m.Owner, m.Category, m.CreatedAt, m.UpdatedAt, m.Importance, m.Tags,
		m.ContentRef, m.VectorRef, m.EmbeddingModel, m.Encryption.Kind, m.Encryption.IdentityString,
		m.Encryption.AADHash, m.GraphRefs,
	)
	if err != nil {
		return fmt.Errorf("metadata: put memory %s: %w", m.MemoryID, err)
	}
	return nil
}

// GetMemory fetches a single Memory by id. Returns memerr.ErrNotFound if
// no such record exists.
func (s *Store) GetMemory(ctx context.Context, memoryID string) (Memory, error) {
	row := s.pool.QueryRow(ctx, `
SELECT memory_id, owner, category, created_at, updated_at, importance, tags,
	content_ref, vector_ref, embedding_model, enc_kind, enc_identity, enc_aad_hash, graph_refs
FROM memories WHERE memory_id = $1`, memoryID)

	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Memory{}, fmt.Errorf("metadata: memory %s: %w", memoryID, memerr.ErrNotFound)
	}
	if err != nil {
		return Memory{}, fmt.Errorf("metadata: get memory %s: %w", memoryID, err)
	}
	return m, nil
}

// ListByOwner returns every Memory owned by owner, most recently updated first.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT memory_id, owner, category, created_at, updated_at, importance, tags,
	content_ref, vector_ref, embedding_model, enc_kind, enc_identity, enc_aad_hash, graph_refs
FROM memories WHERE owner = $1 ORDER BY updated_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("metadata: list by owner %s: %w", owner, err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	err := row.Scan(
		&m.MemoryID, &m.Owner, &m.Category, &m.CreatedAt, &m.UpdatedAt, &m.Importance, &m.Tags,
		&m.ContentRef, &m.VectorRef, &m.EmbeddingModel,
		&m.Encryption.Kind, &m.Encryption.IdentityString, &m.Encryption.AADHash, &m.GraphRefs,
	)
	return m, err
}

// ConsentGrant mirrors permission.ConsentGrant as the row shape returned by
// ListConsentGrants; kept separate so pkg/metadata has no import-time
// dependency on pkg/permission.
type ConsentGrant struct {
	RequestingIdentity string
	TargetIdentity     string
	Scope              string
	GrantedAt          time.Time
	ExpiresAt          *time.Time
}

// ListConsentGrants returns every grant matching the given (requestingIdentity,
// targetIdentity, scope) triple. Used by internal/app to adapt this store to
// permission.GrantStore.
func (s *Store) ListConsentGrants(ctx context.Context, requestingIdentity, targetIdentity, scope string) ([]ConsentGrant, error) {
	rows, err := s.pool.Query(ctx, `
SELECT requesting_identity, target_identity, scope, granted_at, expires_at
FROM consent_grants WHERE requesting_identity = $1 AND target_identity = $2 AND scope = $3
`, requestingIdentity, targetIdentity, scope)
	if err != nil {
		return nil, fmt.Errorf("metadata: list consent grants: %w", err)
	}
	defer rows.Close()

	var out []ConsentGrant
	for rows.Next() {
		var g ConsentGrant
		if err := rows.Scan(&g.RequestingIdentity, &g.TargetIdentity, &g.Scope, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("metadata: scan consent grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: list consent grants: %w", err)
	}
	return out, nil
}

// PutConsentGrant inserts or refreshes a ConsentGrant (spec §3).
func (s *Store) PutConsentGrant(ctx context.Context, requestingIdentity, targetIdentity, scope string, grantedAt time.Time, expiresAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO consent_grants (requesting_identity, target_identity, scope, granted_at, expires_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (requesting_identity, target_identity, scope) DO UPDATE SET
	granted_at = EXCLUDED.granted_at,
	expires_at = EXCLUDED.expires_at
`, requestingIdentity, targetIdentity, scope, grantedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("metadata: put consent grant: %w", err)
	}
	return nil
}

// RevokeConsentGrant deletes a grant. Returns memerr.ErrNotFound if none existed.
func (s *Store) RevokeConsentGrant(ctx context.Context, requestingIdentity, targetIdentity, scope string) error {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM consent_grants WHERE requesting_identity = $1 AND target_identity = $2 AND scope = $3
`, requestingIdentity, targetIdentity, scope)
	if err != nil {
		return fmt.Errorf("metadata: revoke consent grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metadata: revoke consent grant: %w", memerr.ErrNotFound)
	}
	return nil
}
