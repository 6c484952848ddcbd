package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// APIKeyPrefix marks generated keys so they are recognisable in logs and config.
const APIKeyPrefix = "dlk_"

// CreateAPIKey issues a key bound to the tenant. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, tenantID, name, actorID string) (domain.APIKey, string, error) {
	if tenantID == "" {
		return domain.APIKey{}, "", invalidInput("tenant is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := APIKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.audit().Append(ctx, tx, events.APIKeyCreated, tenantID, "apikey", key.ID, actorID, events.EventPayload{"name": key.Name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, tenantID string) ([]domain.APIKey, error) {
	if tenantID == "" {
		return nil, invalidInput("tenant is required")
	}
	return e.Repo.ListAPIKeys(ctx, tenantID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, tenantID, id, actorID string) error {
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, tenantID, id); err != nil {
			return err
		}
		return e.audit().Append(ctx, tx, events.APIKeyRevoked, tenantID, "apikey", id, actorID, nil)
	})
}
