package repositories

import (
	"context"
	"testing"
	"time"

	"arbion/internal/models"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type APICredentialRepoTestSuite struct {
	suite.Suite
	mock    pgxmock.PgxPoolIface
	repo    APICredentialRepository
	userID  uuid.UUID
	context context.Context
}

func (suite *APICredentialRepoTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	assert.NoError(suite.T(), err)
	suite.mock = mock

	suite.repo = NewAPICredentialRepo(mock)
	suite.userID = uuid.New()
	suite.context = context.Background()
}

func (suite *APICredentialRepoTestSuite) TearDownTest() {
	assert.NoError(suite.T(), suite.mock.ExpectationsWereMet())
	suite.mock.Close()
}

func TestAPICredentialRepoTestSuite(t *testing.T) {
	suite.Run(t, new(APICredentialRepoTestSuite))
}

func (suite *APICredentialRepoTestSuite) credentialColumns() *pgxmock.Rows {
	return suite.mock.NewRows([]string{
		"id", "user_id", "provider", "encrypted_credentials", "credential_type", "status",
		"last_error", "last_error_at", "last_refresh_at", "consecutive_failures",
		"last_tested", "test_status", "is_active", "created_at", "updated_at",
	})
}

func (suite *APICredentialRepoTestSuite) TestGetActive_Success() {
	now := time.Now()
	blob := []byte{0x02, 0x01, 0x02, 0x03}

	suite.mock.ExpectQuery(`FROM api_credentials`).
		WithArgs(suite.userID, "schwab").
		WillReturnRows(suite.credentialColumns().AddRow(
			uuid.New(), suite.userID, "schwab", blob, models.CredentialTypeOAuth, models.CredentialStatusActive,
			nil, nil, nil, 0, nil, nil, true, now, now,
		))

	cred, err := suite.repo.GetActive(suite.context, suite.userID, "schwab")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), blob, cred.EncryptedCredentials)
	assert.Equal(suite.T(), models.CredentialStatusActive, cred.Status)
}

func (suite *APICredentialRepoTestSuite) TestGetActive_NotFound() {
	suite.mock.ExpectQuery(`FROM api_credentials`).
		WithArgs(suite.userID, "schwab").
		WillReturnRows(suite.credentialColumns())

	cred, err := suite.repo.GetActive(suite.context, suite.userID, "schwab")
	assert.ErrorIs(suite.T(), err, ErrNotFound)
	assert.Nil(suite.T(), cred)
}

func (suite *APICredentialRepoTestSuite) TestUpsert() {
	cred := &models.APICredential{
		ID:                   uuid.New(),
		UserID:               suite.userID,
		Provider:             "coinbase",
		EncryptedCredentials: []byte{0x02, 0xFF},
		CredentialType:       models.CredentialTypeOAuth,
		Status:               models.CredentialStatusActive,
	}

	suite.mock.ExpectExec(`INSERT INTO api_credentials`).
		WithArgs(cred.ID, cred.UserID, cred.Provider, cred.EncryptedCredentials,
			cred.CredentialType, cred.Status, cred.LastTested, cred.TestStatus).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := suite.repo.Upsert(suite.context, cred)
	assert.NoError(suite.T(), err)
}

func (suite *APICredentialRepoTestSuite) TestUpdateTokens_Success() {
	readAt := time.Now().Add(-time.Hour)
	cred := &models.APICredential{
		UserID:               suite.userID,
		Provider:             "schwab",
		EncryptedCredentials: []byte{0x02, 0x10},
		Status:               models.CredentialStatusActive,
	}

	suite.mock.ExpectExec(`UPDATE api_credentials\s+SET encrypted_credentials`).
		WithArgs(cred.EncryptedCredentials, cred.Status, cred.LastRefreshAt, cred.TestStatus,
			cred.UserID, cred.Provider, readAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := suite.repo.UpdateTokens(suite.context, cred, readAt)
	assert.NoError(suite.T(), err)
}

func (suite *APICredentialRepoTestSuite) TestUpdateTokens_StaleRead() {
	readAt := time.Now().Add(-time.Hour)
	cred := &models.APICredential{
		UserID:               suite.userID,
		Provider:             "schwab",
		EncryptedCredentials: []byte{0x02, 0x10},
		Status:               models.CredentialStatusActive,
	}

	// Another instance refreshed first: updated_at no longer matches
	suite.mock.ExpectExec(`UPDATE api_credentials\s+SET encrypted_credentials`).
		WithArgs(cred.EncryptedCredentials, cred.Status, cred.LastRefreshAt, cred.TestStatus,
			cred.UserID, cred.Provider, readAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := suite.repo.UpdateTokens(suite.context, cred, readAt)
	assert.ErrorIs(suite.T(), err, ErrStaleWrite)
}

func (suite *APICredentialRepoTestSuite) TestUpdateStatus() {
	cred := &models.APICredential{
		UserID:   suite.userID,
		Provider: "schwab",
	}
	cred.MarkRefreshFailure("invalid_grant", true)

	suite.mock.ExpectExec(`UPDATE api_credentials\s+SET status`).
		WithArgs(cred.Status, cred.LastError, cred.LastErrorAt, cred.ConsecutiveFailures,
			cred.LastTested, cred.TestStatus, cred.UserID, cred.Provider).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := suite.repo.UpdateStatus(suite.context, cred)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.CredentialStatusReauthRequired, cred.Status)
}

func (suite *APICredentialRepoTestSuite) TestDeactivate() {
	suite.mock.ExpectExec(`UPDATE api_credentials\s+SET is_active = false`).
		WithArgs(suite.userID, "coinbase").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := suite.repo.Deactivate(suite.context, suite.userID, "coinbase")
	assert.NoError(suite.T(), err)
}

func (suite *APICredentialRepoTestSuite) TestListActiveOAuth() {
	now := time.Now()
	otherUser := uuid.New()

	suite.mock.ExpectQuery(`FROM api_credentials`).
		WillReturnRows(suite.credentialColumns().
			AddRow(uuid.New(), suite.userID, "schwab", []byte{0x02, 0x01}, models.CredentialTypeOAuth,
				models.CredentialStatusActive, nil, nil, nil, 0, nil, nil, true, now, now).
			AddRow(uuid.New(), otherUser, "coinbase", []byte{0x02, 0x02}, models.CredentialTypeOAuth,
				models.CredentialStatusActive, nil, nil, nil, 0, nil, nil, true, now, now))

	creds, err := suite.repo.ListActiveOAuth(suite.context)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), creds, 2)
}
