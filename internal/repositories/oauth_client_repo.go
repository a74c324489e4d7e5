package repositories

import (
	"context"
	"errors"
	"fmt"

	"arbion/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type OAuthClientRepository interface {
	GetActive(ctx context.Context, userID uuid.UUID, provider string) (*models.OAuthClientCredential, error)
	// Save deactivates any prior active registration for (user, provider)
	// and inserts the new one in a single transaction, preserving the
	// at-most-one-active invariant. Old rows are never hard-deleted.
	Save(ctx context.Context, client *models.OAuthClientCredential) error
	Deactivate(ctx context.Context, userID uuid.UUID, provider string) error
}

type oauthClientRepo struct {
	db Database
}

func NewOAuthClientRepo(db Database) OAuthClientRepository {
	return &oauthClientRepo{db: db}
}

func (r *oauthClientRepo) GetActive(ctx context.Context, userID uuid.UUID, provider string) (*models.OAuthClientCredential, error) {
	client := &models.OAuthClientCredential{}
	query := `
		SELECT id, user_id, provider, client_id, encrypted_client_secret, redirect_uri, is_active, created_at, updated_at
		FROM oauth_client_credentials
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`
	err := r.db.QueryRow(ctx, query, userID, provider).Scan(
		&client.ID, &client.UserID, &client.Provider, &client.ClientID,
		&client.EncryptedClientSecret, &client.RedirectURI, &client.IsActive,
		&client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return client, nil
}

func (r *oauthClientRepo) Save(ctx context.Context, client *models.OAuthClientCredential) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer tx.Rollback(ctx)

	deactivate := `
		UPDATE oauth_client_credentials
		SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`
	if _, err := tx.Exec(ctx, deactivate, client.UserID, client.Provider); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	insert := `
		INSERT INTO oauth_client_credentials (id, user_id, provider, client_id, encrypted_client_secret, redirect_uri, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, NOW(), NOW())
	`
	if _, err := tx.Exec(ctx, insert, client.ID, client.UserID, client.Provider, client.ClientID, client.EncryptedClientSecret, client.RedirectURI); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (r *oauthClientRepo) Deactivate(ctx context.Context, userID uuid.UUID, provider string) error {
	query := `
		UPDATE oauth_client_credentials
		SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`
	if _, err := r.db.Exec(ctx, query, userID, provider); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
