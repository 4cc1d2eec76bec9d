package transport

import (
	"context"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CloudKey is a static api key a game owner registered for outbound messaging.
// Keys are tried in registration order.
type CloudKey struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	GameID    int64     `json:"gameId" gorm:"index"`
	Key       string    `json:"-"`
	CreatedAt time.Time `json:"created"`
}

func (CloudKey) TableName() string {
	return "cloud_keys"
}

// OAuthCredential is a delegated grant usable for outbound messaging once the
// static keys are exhausted
type OAuthCredential struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	GameID       int64     `json:"gameId" gorm:"index"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"created"`
}

func (OAuthCredential) TableName() string {
	return "oauth_credentials"
}

// Expired reports whether the access token needs a refresh before use
func (o *OAuthCredential) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

type CredentialManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// CredentialManager persists the messaging credentials of each game
type CredentialManager struct {
	CredentialManagerOptions
}

func NewCredentialManager(option CredentialManagerOptions) (*CredentialManager, error) {
	if option.DB == nil {
		return nil, extErrors.New("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&CloudKey{}, &OAuthCredential{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize via AutoMigrate")
	}
	return &CredentialManager{
		CredentialManagerOptions: option,
	}, nil
}

// ListKeys returns the static keys of a game in registration order
func (m *CredentialManager) ListKeys(ctx context.Context, gameID int64) ([]CloudKey, error) {
	keys := make([]CloudKey, 0)
	result := m.DB.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at asc").
		Find(&keys)
	if result.Error != nil {
		return nil, result.Error
	}
	return keys, nil
}

// RemoveKey drops a static key that the messaging service rejected
func (m *CredentialManager) RemoveKey(ctx context.Context, gameID int64, keyID string) error {
	return m.DB.WithContext(ctx).
		Where("game_id = ? AND id = ?", gameID, keyID).
		Delete(&CloudKey{}).Error
}

// ListOAuth returns the delegated grants of a game, oldest first
func (m *CredentialManager) ListOAuth(ctx context.Context, gameID int64) ([]OAuthCredential, error) {
	creds := make([]OAuthCredential, 0)
	result := m.DB.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at asc").
		Find(&creds)
	if result.Error != nil {
		return nil, result.Error
	}
	return creds, nil
}

// SaveOAuth persists a refreshed grant before it is used, so a crash between
// refresh and delivery cannot strand a rotated refresh token
func (m *CredentialManager) SaveOAuth(ctx context.Context, cred *OAuthCredential) error {
	return m.DB.WithContext(ctx).Save(cred).Error
}

// DetachOAuth removes a grant that failed to refresh or deliver
func (m *CredentialManager) DetachOAuth(ctx context.Context, gameID int64, credentialID string) error {
	return m.DB.WithContext(ctx).
		Where("game_id = ? AND id = ?", gameID, credentialID).
		Delete(&OAuthCredential{}).Error
}
