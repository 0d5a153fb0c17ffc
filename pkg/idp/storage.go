package idp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the identity-provider configuration store consumed by the
// registry at bootstrap
type Store interface {
	// ListIdentityProviders returns every configured IdP with its OIDC
	// config and partners
	ListIdentityProviders(ctx context.Context) ([]*IdentityProvider, error)
}

// SQLStore is the database-backed identity-provider store
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL-backed identity-provider store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the identity-provider tables
func (s *SQLStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS identity_providers (
			id VARCHAR(255) PRIMARY KEY,
			home_url TEXT NOT NULL,
			oidc_config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS partners (
			id VARCHAR(255) PRIMARY KEY,
			idp_id VARCHAR(255) NOT NULL REFERENCES identity_providers(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_partners_idp_id ON partners(idp_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run identity-provider migration: %w", err)
		}
	}
	return nil
}

// ListIdentityProviders returns all configured identity providers with their
// partners attached
func (s *SQLStore) ListIdentityProviders(ctx context.Context) ([]*IdentityProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, home_url, oidc_config, created_at, updated_at
		FROM identity_providers
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity providers: %w", err)
	}
	defer rows.Close()

	var providers []*IdentityProvider
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, provider := range providers {
		partners, err := s.listPartners(ctx, provider.ID)
		if err != nil {
			return nil, err
		}
		provider.Partners = partners
	}

	return providers, nil
}

// GetIdentityProvider retrieves one identity provider by id
func (s *SQLStore) GetIdentityProvider(ctx context.Context, id string) (*IdentityProvider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, home_url, oidc_config, created_at, updated_at
		FROM identity_providers
		WHERE id = $1
	`, id)

	provider, err := scanProvider(row)
	if err != nil {
		return nil, err
	}

	partners, err := s.listPartners(ctx, provider.ID)
	if err != nil {
		return nil, err
	}
	provider.Partners = partners

	return provider, nil
}

// CreateIdentityProvider stores an identity provider and its partners
func (s *SQLStore) CreateIdentityProvider(ctx context.Context, provider *IdentityProvider) error {
	configJSON, err := json.Marshal(provider.OIDC)
	if err != nil {
		return fmt.Errorf("failed to marshal OIDC config: %w", err)
	}

	now := time.Now().UTC()
	if provider.CreatedAt.IsZero() {
		provider.CreatedAt = now
	}
	provider.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identity_providers (id, home_url, oidc_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, provider.ID, provider.HomeURL, configJSON, provider.CreatedAt, provider.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert identity provider: %w", err)
	}

	for _, partner := range provider.Partners {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO partners (id, idp_id) VALUES ($1, $2)
		`, partner.ID, provider.ID)
		if err != nil {
			return fmt.Errorf("failed to insert partner %s: %w", partner.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) listPartners(ctx context.Context, idpID string) ([]Partner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idp_id FROM partners WHERE idp_id = $1 ORDER BY id
	`, idpID)
	if err != nil {
		return nil, fmt.Errorf("failed to query partners: %w", err)
	}
	defer rows.Close()

	var partners []Partner
	for rows.Next() {
		var partner Partner
		if err := rows.Scan(&partner.ID, &partner.IdPID); err != nil {
			return nil, err
		}
		partners = append(partners, partner)
	}

	return partners, rows.Err()
}

func scanProvider(scanner interface {
	Scan(dest ...interface{}) error
}) (*IdentityProvider, error) {
	provider := &IdentityProvider{}
	var configJSON []byte

	err := scanner.Scan(
		&provider.ID,
		&provider.HomeURL,
		&configJSON,
		&provider.CreatedAt,
		&provider.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &provider.OIDC); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OIDC config for IdP %s: %w", provider.ID, err)
	}

	return provider, nil
}
