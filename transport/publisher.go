package transport

import (
	"context"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// CredentialStore is the persistence surface the publisher needs
type CredentialStore interface {
	ListKeys(ctx context.Context, gameID int64) ([]CloudKey, error)
	RemoveKey(ctx context.Context, gameID int64, keyID string) error
	ListOAuth(ctx context.Context, gameID int64) ([]OAuthCredential, error)
	SaveOAuth(ctx context.Context, cred *OAuthCredential) error
	DetachOAuth(ctx context.Context, gameID int64, credentialID string) error
}

// TokenRefresher exchanges a refresh token for a fresh access token
type TokenRefresher interface {
	Refresh(ctx context.Context, cred OAuthCredential) (*OAuthCredential, error)
}

type PublisherOptions struct {
	Store     CredentialStore
	Client    Client
	Refresher TokenRefresher
	Logger    *zap.Logger
}

// Publisher walks a game's credentials until one delivers. Static keys go
// first in registration order, then delegated grants. Dead credentials are
// pruned as they surface, but removals are collected during the walk and
// applied once it finishes so the credential list is a stable snapshot.
type Publisher struct {
	PublisherOptions
}

func NewPublisher(option PublisherOptions) (*Publisher, error) {
	if option.Store == nil {
		return nil, extErrors.New("nil Store is invalid")
	}
	if option.Client == nil {
		return nil, extErrors.New("nil Client is invalid")
	}
	if option.Refresher == nil {
		return nil, extErrors.New("nil Refresher is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &Publisher{
		PublisherOptions: option,
	}, nil
}

// Publish attempts delivery of the payload to the game's topic and reports
// whether any credential succeeded
func (p *Publisher) Publish(ctx context.Context, gameID int64, payload []byte, topic string) bool {
	if p.tryKeys(ctx, gameID, topic, payload) {
		return true
	}
	return p.tryOAuth(ctx, gameID, topic, payload)
}

func (p *Publisher) tryKeys(ctx context.Context, gameID int64, topic string, payload []byte) bool {
	keys, err := p.Store.ListKeys(ctx, gameID)
	if err != nil {
		p.Logger.Error("Unable to list api keys",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		return false
	}

	deadKeys := make([]string, 0)
	delivered := false
	for _, key := range keys {
		sendErr := p.Client.Send(ctx, gameID, topic, payload, Credential{APIKey: key.Key})
		if sendErr == nil {
			delivered = true
			break
		}
		p.Logger.Info("Removing rejected api key",
			zap.Int64("GameID", gameID),
			zap.String("KeyID", key.ID),
			zap.Error(sendErr),
		)
		deadKeys = append(deadKeys, key.ID)
	}

	for _, keyID := range deadKeys {
		if err := p.Store.RemoveKey(ctx, gameID, keyID); err != nil {
			p.Logger.Error("Unable to remove rejected api key",
				zap.Int64("GameID", gameID),
				zap.String("KeyID", keyID),
				zap.Error(err),
			)
		}
	}

	return delivered
}

func (p *Publisher) tryOAuth(ctx context.Context, gameID int64, topic string, payload []byte) bool {
	creds, err := p.Store.ListOAuth(ctx, gameID)
	if err != nil {
		p.Logger.Error("Unable to list oauth credentials",
			zap.Int64("GameID", gameID),
			zap.Error(err),
		)
		return false
	}

	detached := make([]string, 0)
	delivered := false
	for _, cred := range creds {
		token, refreshErr := p.freshToken(ctx, cred)
		if refreshErr != nil {
			p.Logger.Info("Detaching oauth credential that cannot refresh",
				zap.Int64("GameID", gameID),
				zap.String("CredentialID", cred.ID),
				zap.Error(refreshErr),
			)
			detached = append(detached, cred.ID)
			continue
		}
		sendErr := p.Client.Send(ctx, gameID, topic, payload, Credential{BearerToken: token})
		if sendErr == nil {
			delivered = true
			break
		}
		p.Logger.Info("Detaching oauth credential rejected by messaging service",
			zap.Int64("GameID", gameID),
			zap.String("CredentialID", cred.ID),
			zap.Error(sendErr),
		)
		detached = append(detached, cred.ID)
	}

	for _, credentialID := range detached {
		if err := p.Store.DetachOAuth(ctx, gameID, credentialID); err != nil {
			p.Logger.Error("Unable to detach oauth credential",
				zap.Int64("GameID", gameID),
				zap.String("CredentialID", credentialID),
				zap.Error(err),
			)
		}
	}

	return delivered
}

// freshToken returns a usable access token, refreshing and persisting the
// grant first when it has expired
func (p *Publisher) freshToken(ctx context.Context, cred OAuthCredential) (string, error) {
	if !cred.Expired(time.Now()) {
		return cred.AccessToken, nil
	}
	refreshed, err := p.Refresher.Refresh(ctx, cred)
	if err != nil {
		return "", err
	}
	if err := p.Store.SaveOAuth(ctx, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}
