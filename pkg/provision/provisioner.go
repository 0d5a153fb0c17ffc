package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hangarhq/hangar/pkg/observability"
)

// Provisioner performs idempotent just-in-time creation of user, tenant, and
// membership records on first login. Concurrent first-logins for the same
// pair are resolved through unique constraints plus a single transparent
// re-query, not locking.
type Provisioner struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewProvisioner creates a new provisioner
func NewProvisioner(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Provisioner {
	return &Provisioner{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// Migrate creates the provisioning tables. driver is "postgres" or
// "sqlite3"; the only dialect difference is the auto-increment primary key.
func (p *Provisioner) Migrate(ctx context.Context, driver string) error {
	pk := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			idp_id VARCHAR(255) NOT NULL,
			external_id VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			given_name VARCHAR(255) NOT NULL DEFAULT '',
			family_name VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(external_id, idp_id)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
			id %s,
			code VARCHAR(255) NOT NULL,
			partner_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(code, partner_id)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_tenants (
			id %s,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, tenant_id)
		)`, pk),
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run provisioning migration: %w", err)
		}
	}
	return nil
}

// FindOrCreate resolves the user and tenant for a verified login. An
// existing membership joining (idpID, externalID) to (tenantCode, partnerID)
// is returned without writes; otherwise user, tenant, and membership are
// created as needed. A unique-constraint race with a concurrent first login
// is retried once by re-running the whole resolution.
func (p *Provisioner) FindOrCreate(ctx context.Context, info UserInfo, tenantCode, idpID, partnerID string) (*User, *Tenant, error) {
	user, tenant, err := p.findMembership(ctx, info.ExternalID, idpID, tenantCode, partnerID)
	if err == nil {
		return user, tenant, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to look up membership: %w", err)
	}

	user, tenant, err = p.createAll(ctx, info, tenantCode, idpID, partnerID)
	if err == nil {
		return user, tenant, nil
	}
	if !isUniqueViolation(err) {
		return nil, nil, err
	}

	// Concurrent first login for the same pair won the race; the rows now
	// exist, so a second pass resolves them read-mostly.
	if p.metrics != nil {
		p.metrics.ProvisionConflictsTotal.Inc()
	}
	p.logger.WithFields(map[string]interface{}{
		"idp_id":     idpID,
		"partner_id": partnerID,
	}).Debug("Provisioning conflict, retrying")

	user, tenant, err = p.createAll(ctx, info, tenantCode, idpID, partnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("provisioning retry failed: %w", err)
	}
	return user, tenant, nil
}

// findMembership looks for an existing membership joining the user to the
// tenant. Returns sql.ErrNoRows when no such membership exists.
func (p *Provisioner) findMembership(ctx context.Context, externalID, idpID, tenantCode, partnerID string) (*User, *Tenant, error) {
	user := &User{}
	tenant := &Tenant{}
	err := p.db.QueryRowContext(ctx, `
		SELECT u.id, u.idp_id, u.external_id, u.email, u.given_name, u.family_name, u.created_at,
		       t.id, t.code, t.partner_id, t.created_at
		FROM users u
		JOIN user_tenants ut ON ut.user_id = u.id
		JOIN tenants t ON t.id = ut.tenant_id
		WHERE u.external_id = $1 AND u.idp_id = $2 AND t.code = $3 AND t.partner_id = $4
	`, externalID, idpID, tenantCode, partnerID).Scan(
		&user.ID, &user.IdPID, &user.ExternalID, &user.Email, &user.GivenName, &user.FamilyName, &user.CreatedAt,
		&tenant.ID, &tenant.Code, &tenant.PartnerID, &tenant.CreatedAt,
	)
	if err != nil {
		return nil, nil, err
	}
	return user, tenant, nil
}

// createAll gets-or-creates the user and tenant, then links them, inside one
// transaction
func (p *Provisioner) createAll(ctx context.Context, info UserInfo, tenantCode, idpID, partnerID string) (*User, *Tenant, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user, created, err := p.getOrCreateUser(ctx, tx, info, idpID)
	if err != nil {
		return nil, nil, err
	}
	if created && p.metrics != nil {
		p.metrics.ProvisionCreatesTotal.WithLabelValues("user").Inc()
	}

	tenant, created, err := p.getOrCreateTenant(ctx, tx, tenantCode, partnerID)
	if err != nil {
		return nil, nil, err
	}
	if created && p.metrics != nil {
		p.metrics.ProvisionCreatesTotal.WithLabelValues("tenant").Inc()
	}

	var membershipExists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM user_tenants WHERE user_id = $1 AND tenant_id = $2)
	`, user.ID, tenant.ID).Scan(&membershipExists)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check membership: %w", err)
	}

	if !membershipExists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_tenants (user_id, tenant_id, created_at)
			VALUES ($1, $2, $3)
		`, user.ID, tenant.ID, time.Now().UTC())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create membership: %w", err)
		}
		if p.metrics != nil {
			p.metrics.ProvisionCreatesTotal.WithLabelValues("membership").Inc()
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit provisioning: %w", err)
	}

	return user, tenant, nil
}

func (p *Provisioner) getOrCreateUser(ctx context.Context, tx *sql.Tx, info UserInfo, idpID string) (*User, bool, error) {
	user := &User{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, idp_id, external_id, email, given_name, family_name, created_at
		FROM users
		WHERE external_id = $1 AND idp_id = $2
	`, info.ExternalID, idpID).Scan(
		&user.ID, &user.IdPID, &user.ExternalID, &user.Email, &user.GivenName, &user.FamilyName, &user.CreatedAt,
	)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (idp_id, external_id, email, given_name, family_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, idp_id, external_id, email, given_name, family_name, created_at
	`, idpID, info.ExternalID, info.Email, info.GivenName, info.FamilyName, time.Now().UTC()).Scan(
		&user.ID, &user.IdPID, &user.ExternalID, &user.Email, &user.GivenName, &user.FamilyName, &user.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return user, true, nil
}

func (p *Provisioner) getOrCreateTenant(ctx context.Context, tx *sql.Tx, code, partnerID string) (*Tenant, bool, error) {
	tenant := &Tenant{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, code, partner_id, created_at
		FROM tenants
		WHERE code = $1 AND partner_id = $2
	`, code, partnerID).Scan(&tenant.ID, &tenant.Code, &tenant.PartnerID, &tenant.CreatedAt)
	if err == nil {
		return tenant, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up tenant: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenants (code, partner_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, code, partner_id, created_at
	`, code, partnerID, time.Now().UTC()).Scan(&tenant.ID, &tenant.Code, &tenant.PartnerID, &tenant.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create tenant: %w", err)
	}
	return tenant, true, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation
// from either supported driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	if isSQLiteUniqueViolation(err) {
		return true
	}

	// Driver-agnostic fallback for tests and unusual drivers
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
