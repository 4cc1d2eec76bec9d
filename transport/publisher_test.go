package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeCredentialStore struct {
	keys    []CloudKey
	oauth   []OAuthCredential
	removed []string
	saved   []OAuthCredential
	dropped []string
}

func (f *fakeCredentialStore) ListKeys(ctx context.Context, gameID int64) ([]CloudKey, error) {
	return f.keys, nil
}

func (f *fakeCredentialStore) RemoveKey(ctx context.Context, gameID int64, keyID string) error {
	f.removed = append(f.removed, keyID)
	return nil
}

func (f *fakeCredentialStore) ListOAuth(ctx context.Context, gameID int64) ([]OAuthCredential, error) {
	return f.oauth, nil
}

func (f *fakeCredentialStore) SaveOAuth(ctx context.Context, cred *OAuthCredential) error {
	f.saved = append(f.saved, *cred)
	return nil
}

func (f *fakeCredentialStore) DetachOAuth(ctx context.Context, gameID int64, credentialID string) error {
	f.dropped = append(f.dropped, credentialID)
	return nil
}

type fakeClient struct {
	rejected map[string]bool
	attempts []Credential
}

func (f *fakeClient) Send(ctx context.Context, gameID int64, topic string, payload []byte, cred Credential) error {
	f.attempts = append(f.attempts, cred)
	token := cred.APIKey
	if token == "" {
		token = cred.BearerToken
	}
	if f.rejected[token] {
		return errors.New("rejected")
	}
	return nil
}

type fakeRefresher struct {
	fail      bool
	refreshed []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred OAuthCredential) (*OAuthCredential, error) {
	f.refreshed = append(f.refreshed, cred.ID)
	if f.fail {
		return nil, errors.New("grant revoked")
	}
	rotated := cred
	rotated.AccessToken = cred.AccessToken + "-rotated"
	rotated.ExpiresAt = time.Now().Add(time.Hour)
	return &rotated, nil
}

func testPublisher(t *testing.T, store *fakeCredentialStore, client *fakeClient, refresher *fakeRefresher) *Publisher {
	t.Helper()
	p, err := NewPublisher(PublisherOptions{
		Store:     store,
		Client:    client,
		Refresher: refresher,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestPublishFirstKeySucceeds(t *testing.T) {
	store := &fakeCredentialStore{
		keys: []CloudKey{
			{ID: "k1", Key: "key-1"},
			{ID: "k2", Key: "key-2"},
		},
	}
	client := &fakeClient{}
	p := testPublisher(t, store, client, &fakeRefresher{})

	if !p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery to succeed")
	}
	if len(client.attempts) != 1 || client.attempts[0].APIKey != "key-1" {
		t.Fatalf("expected a single attempt with the first key, got %v", client.attempts)
	}
	if len(store.removed) != 0 {
		t.Fatalf("expected no key removal, got %v", store.removed)
	}
}

func TestPublishRemovesRejectedKeysAndFallsBack(t *testing.T) {
	store := &fakeCredentialStore{
		keys: []CloudKey{
			{ID: "k1", Key: "key-1"},
			{ID: "k2", Key: "key-2"},
		},
	}
	client := &fakeClient{rejected: map[string]bool{"key-1": true}}
	p := testPublisher(t, store, client, &fakeRefresher{})

	if !p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery to succeed")
	}
	if len(store.removed) != 1 || store.removed[0] != "k1" {
		t.Fatalf("expected only the rejected key removed, got %v", store.removed)
	}
	if client.attempts[1].APIKey != "key-2" {
		t.Fatalf("expected fallback to the second key, got %v", client.attempts)
	}
}

func TestPublishRefreshesExpiredGrantBeforeUse(t *testing.T) {
	store := &fakeCredentialStore{
		oauth: []OAuthCredential{
			{ID: "o1", AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)},
		},
	}
	client := &fakeClient{}
	refresher := &fakeRefresher{}
	p := testPublisher(t, store, client, refresher)

	if !p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery to succeed")
	}
	if len(refresher.refreshed) != 1 {
		t.Fatalf("expected one refresh, got %v", refresher.refreshed)
	}
	if len(store.saved) != 1 || store.saved[0].AccessToken != "stale-rotated" {
		t.Fatalf("expected rotated grant persisted before use, got %v", store.saved)
	}
	if client.attempts[0].BearerToken != "stale-rotated" {
		t.Fatalf("expected delivery with the rotated token, got %v", client.attempts)
	}
}

func TestPublishDetachesGrantThatCannotRefresh(t *testing.T) {
	store := &fakeCredentialStore{
		oauth: []OAuthCredential{
			{ID: "o1", AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)},
			{ID: "o2", AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	client := &fakeClient{}
	p := testPublisher(t, store, client, &fakeRefresher{fail: true})

	if !p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery via the still-valid grant")
	}
	if len(store.dropped) != 1 || store.dropped[0] != "o1" {
		t.Fatalf("expected the unrefreshable grant detached, got %v", store.dropped)
	}
	if client.attempts[0].BearerToken != "fresh" {
		t.Fatalf("expected delivery with the valid grant, got %v", client.attempts)
	}
}

func TestPublishAllCredentialsFail(t *testing.T) {
	store := &fakeCredentialStore{
		keys: []CloudKey{
			{ID: "k1", Key: "key-1"},
		},
		oauth: []OAuthCredential{
			{ID: "o1", AccessToken: "token-1", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	client := &fakeClient{rejected: map[string]bool{"key-1": true, "token-1": true}}
	p := testPublisher(t, store, client, &fakeRefresher{})

	if p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery to fail")
	}
	if len(store.removed) != 1 || store.removed[0] != "k1" {
		t.Fatalf("expected the rejected key removed, got %v", store.removed)
	}
	if len(store.dropped) != 1 || store.dropped[0] != "o1" {
		t.Fatalf("expected the rejected grant detached, got %v", store.dropped)
	}
}

func TestPublishKeysTriedBeforeOAuth(t *testing.T) {
	store := &fakeCredentialStore{
		keys: []CloudKey{
			{ID: "k1", Key: "key-1"},
		},
		oauth: []OAuthCredential{
			{ID: "o1", AccessToken: "token-1", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	client := &fakeClient{}
	p := testPublisher(t, store, client, &fakeRefresher{})

	if !p.Publish(context.Background(), 1, []byte("payload"), "srv-1") {
		t.Fatalf("expected delivery to succeed")
	}
	if len(client.attempts) != 1 || client.attempts[0].APIKey != "key-1" {
		t.Fatalf("expected the static key preferred over oauth, got %v", client.attempts)
	}
}
