package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id          TEXT PRIMARY KEY,
	client_secret_hash TEXT NOT NULL DEFAULT '',
	client_type        TEXT NOT NULL,
	client_name        TEXT NOT NULL DEFAULT '',
	redirect_uris      TEXT[] NOT NULL DEFAULT '{}',
	scopes             TEXT[] NOT NULL DEFAULT '{}',
	signing_key_id     TEXT NOT NULL DEFAULT '',
	disabled           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const clientColumns = `client_id, client_secret_hash, client_type, client_name,
	redirect_uris, scopes, signing_key_id, disabled, created_at`

// Store is a PostgreSQL client store
type Store struct {
	db     Querier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.ClientStore = (*Store)(nil)

// New connects to PostgreSQL using dsn and verifies the connection
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewWithQuerier(pool, logger)
	s.pool = pool
	return s, nil
}

// NewWithQuerier wraps an existing connection, pool or transaction
func NewWithQuerier(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the clients table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate clients table: %w", err)
	}
	return nil
}

// Close releases the pool when the store owns it
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveClient inserts or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
INSERT INTO oauth_clients (` + clientColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (client_id) DO UPDATE SET
	client_secret_hash = EXCLUDED.client_secret_hash,
	client_type        = EXCLUDED.client_type,
	client_name        = EXCLUDED.client_name,
	redirect_uris      = EXCLUDED.redirect_uris,
	scopes             = EXCLUDED.scopes,
	signing_key_id     = EXCLUDED.signing_key_id,
	disabled           = EXCLUDED.disabled;
`
	_, err := s.db.Exec(ctx, q,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.ClientName,
		nonNil(client.RedirectURIs),
		nonNil(client.Scopes),
		client.SigningKeyID,
		client.Disabled,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns the client or storage.ErrClientNotFound
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients returns all clients ordered by id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.Query(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	if err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.ClientName,
		&c.RedirectURIs,
		&c.Scopes,
		&c.SigningKeyID,
		&c.Disabled,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
