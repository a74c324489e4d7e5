package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbion/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type APICredentialRepository interface {
	GetActive(ctx context.Context, userID uuid.UUID, provider string) (*models.APICredential, error)
	// Upsert replaces the credential blob for (user, provider), creating the
	// row on first authorization.
	Upsert(ctx context.Context, cred *models.APICredential) error
	// UpdateTokens writes a refreshed ciphertext only if the row has not
	// changed since it was read. Returns ErrStaleWrite when another instance
	// refreshed first; the caller should re-read rather than refresh again.
	UpdateTokens(ctx context.Context, cred *models.APICredential, expectedUpdatedAt time.Time) error
	// UpdateStatus persists lifecycle metadata (status, error bookkeeping,
	// test results) without touching the ciphertext.
	UpdateStatus(ctx context.Context, cred *models.APICredential) error
	Deactivate(ctx context.Context, userID uuid.UUID, provider string) error
	// ListActiveOAuth returns every active oauth-type credential across
	// users. Used only by the background validator; all request-path queries
	// are scoped by user.
	ListActiveOAuth(ctx context.Context) ([]*models.APICredential, error)
}

type apiCredentialRepo struct {
	db Database
}

func NewAPICredentialRepo(db Database) APICredentialRepository {
	return &apiCredentialRepo{db: db}
}

const credentialColumns = `id, user_id, provider, encrypted_credentials, credential_type, status,
			last_error, last_error_at, last_refresh_at, consecutive_failures,
			last_tested, test_status, is_active, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.APICredential, error) {
	cred := &models.APICredential{}
	err := row.Scan(
		&cred.ID, &cred.UserID, &cred.Provider, &cred.EncryptedCredentials,
		&cred.CredentialType, &cred.Status, &cred.LastError, &cred.LastErrorAt,
		&cred.LastRefreshAt, &cred.ConsecutiveFailures, &cred.LastTested,
		&cred.TestStatus, &cred.IsActive, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (r *apiCredentialRepo) GetActive(ctx context.Context, userID uuid.UUID, provider string) (*models.APICredential, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM api_credentials
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`, credentialColumns)
	cred, err := scanCredential(r.db.QueryRow(ctx, query, userID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return cred, nil
}

func (r *apiCredentialRepo) Upsert(ctx context.Context, cred *models.APICredential) error {
	query := `
		INSERT INTO api_credentials (id, user_id, provider, encrypted_credentials, credential_type, status,
			consecutive_failures, last_tested, test_status, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, true, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			credential_type = EXCLUDED.credential_type,
			status = EXCLUDED.status,
			consecutive_failures = 0,
			last_error = NULL,
			last_error_at = NULL,
			last_tested = EXCLUDED.last_tested,
			test_status = EXCLUDED.test_status,
			is_active = true,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, cred.ID, cred.UserID, cred.Provider, cred.EncryptedCredentials,
		cred.CredentialType, cred.Status, cred.LastTested, cred.TestStatus)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (r *apiCredentialRepo) UpdateTokens(ctx context.Context, cred *models.APICredential, expectedUpdatedAt time.Time) error {
	query := `
		UPDATE api_credentials
		SET encrypted_credentials = $1, status = $2, consecutive_failures = 0,
			last_error = NULL, last_error_at = NULL, last_refresh_at = $3, test_status = $4,
			updated_at = NOW()
		WHERE user_id = $5 AND provider = $6 AND is_active = true AND updated_at = $7
	`
	tag, err := r.db.Exec(ctx, query, cred.EncryptedCredentials, cred.Status, cred.LastRefreshAt,
		cred.TestStatus, cred.UserID, cred.Provider, expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

func (r *apiCredentialRepo) UpdateStatus(ctx context.Context, cred *models.APICredential) error {
	query := `
		UPDATE api_credentials
		SET status = $1, last_error = $2, last_error_at = $3, consecutive_failures = $4,
			last_tested = $5, test_status = $6, updated_at = NOW()
		WHERE user_id = $7 AND provider = $8 AND is_active = true
	`
	_, err := r.db.Exec(ctx, query, cred.Status, cred.LastError, cred.LastErrorAt,
		cred.ConsecutiveFailures, cred.LastTested, cred.TestStatus, cred.UserID, cred.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (r *apiCredentialRepo) Deactivate(ctx context.Context, userID uuid.UUID, provider string) error {
	query := `
		UPDATE api_credentials
		SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`
	if _, err := r.db.Exec(ctx, query, userID, provider); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (r *apiCredentialRepo) ListActiveOAuth(ctx context.Context) ([]*models.APICredential, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM api_credentials
		WHERE is_active = true AND credential_type = 'oauth'
		ORDER BY user_id, provider
	`, credentialColumns)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer rows.Close()

	var creds []*models.APICredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}
