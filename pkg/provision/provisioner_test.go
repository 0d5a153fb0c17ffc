package provision

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarhq/hangar/pkg/observability"
)

var (
	userColumns   = []string{"id", "idp_id", "external_id", "email", "given_name", "family_name", "created_at"}
	tenantColumns = []string{"id", "code", "partner_id", "created_at"}
	joinedColumns = []string{
		"u_id", "u_idp_id", "u_external_id", "u_email", "u_given_name", "u_family_name", "u_created_at",
		"t_id", "t_code", "t_partner_id", "t_created_at",
	}
)

func newTestProvisioner(t *testing.T) (*Provisioner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewProvisioner(db, logger, nil), mock
}

func testInfo() UserInfo {
	return UserInfo{
		ExternalID: "ext-42",
		Email:      "dev@example.com",
		GivenName:  "Dev",
		FamilyName: "Eloper",
	}
}

func TestProvisionerMigrate(t *testing.T) {
	p, mock := newTestProvisioner(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenants").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_tenants").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background(), "postgres"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateExistingMembership(t *testing.T) {
	p, mock := newTestProvisioner(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM users u").
		WithArgs("ext-42", "idp-1", "acme", "partner-a").
		WillReturnRows(sqlmock.NewRows(joinedColumns).
			AddRow(int64(7), "idp-1", "ext-42", "dev@example.com", "Dev", "Eloper", now,
				int64(3), "acme", "partner-a", now))

	user, tenant, err := p.FindOrCreate(context.Background(), testInfo(), "acme", "idp-1", "partner-a")
	require.NoError(t, err)

	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, "ext-42", user.ExternalID)
	assert.Equal(t, int64(3), tenant.ID)
	assert.Equal(t, "acme", tenant.Code)
	assert.Equal(t, "partner-a", tenant.PartnerID)

	// No writes happened
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateFirstLogin(t *testing.T) {
	p, mock := newTestProvisioner(t)
	now := time.Now().UTC()

	// No membership yet
	mock.ExpectQuery("SELECT (.+) FROM users u").
		WillReturnError(errorNoRows())

	mock.ExpectBegin()

	// User does not exist, gets created
	mock.ExpectQuery("SELECT id, idp_id, external_id, email, given_name, family_name, created_at").
		WithArgs("ext-42", "idp-1").
		WillReturnError(errorNoRows())
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(int64(7), "idp-1", "ext-42", "dev@example.com", "Dev", "Eloper", now))

	// Tenant does not exist, gets created
	mock.ExpectQuery("SELECT id, code, partner_id, created_at").
		WithArgs("new-a", "partner-a").
		WillReturnError(errorNoRows())
	mock.ExpectQuery("INSERT INTO tenants").
		WillReturnRows(sqlmock.NewRows(tenantColumns).
			AddRow(int64(3), "new-a", "partner-a", now))

	// Membership does not exist, gets created
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(7), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO user_tenants").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	user, tenant, err := p.FindOrCreate(context.Background(), testInfo(), "new-a", "idp-1", "partner-a")
	require.NoError(t, err)

	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, "new-a", tenant.Code)
	assert.Equal(t, "partner-a", tenant.PartnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateExistingUserNewTenant(t *testing.T) {
	p, mock := newTestProvisioner(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM users u").
		WillReturnError(errorNoRows())

	mock.ExpectBegin()

	// User already exists
	mock.ExpectQuery("SELECT id, idp_id, external_id, email, given_name, family_name, created_at").
		WithArgs("ext-42", "idp-1").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(int64(7), "idp-1", "ext-42", "dev@example.com", "Dev", "Eloper", now))

	// Tenant is new
	mock.ExpectQuery("SELECT id, code, partner_id, created_at").
		WithArgs("new-b", "partner-a").
		WillReturnError(errorNoRows())
	mock.ExpectQuery("INSERT INTO tenants").
		WillReturnRows(sqlmock.NewRows(tenantColumns).
			AddRow(int64(4), "new-b", "partner-a", now))

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO user_tenants").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	user, tenant, err := p.FindOrCreate(context.Background(), testInfo(), "new-b", "idp-1", "partner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, int64(4), tenant.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateRetriesOnUniqueViolation(t *testing.T) {
	p, mock := newTestProvisioner(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM users u").
		WillReturnError(errorNoRows())

	// First create attempt loses the race on the user insert
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, idp_id, external_id, email, given_name, family_name, created_at").
		WillReturnError(errorNoRows())
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	// Retry finds the rows the concurrent login created
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, idp_id, external_id, email, given_name, family_name, created_at").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(int64(7), "idp-1", "ext-42", "dev@example.com", "Dev", "Eloper", now))
	mock.ExpectQuery("SELECT id, code, partner_id, created_at").
		WillReturnRows(sqlmock.NewRows(tenantColumns).
			AddRow(int64(3), "acme", "partner-a", now))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	user, tenant, err := p.FindOrCreate(context.Background(), testInfo(), "acme", "idp-1", "partner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, int64(3), tenant.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateNonConflictErrorPropagates(t *testing.T) {
	p, mock := newTestProvisioner(t)

	mock.ExpectQuery("SELECT (.+) FROM users u").
		WillReturnError(errorNoRows())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, idp_id, external_id, email, given_name, family_name, created_at").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := p.FindOrCreate(context.Background(), testInfo(), "acme", "idp-1", "partner-a")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: users.external_id")))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}

func errorNoRows() error {
	return sql.ErrNoRows
}
