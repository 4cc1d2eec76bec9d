package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultTokenEndpoint = "https://apis.roblox.com/oauth/v1/token"

type OAuthRefresherOptions struct {
	Logger *zap.Logger

	ClientID     string
	ClientSecret string
	Endpoint     string
	HTTP         *http.Client
}

// OAuthRefresher rotates delegated grants against the platform token endpoint
type OAuthRefresher struct {
	OAuthRefresherOptions
}

func NewOAuthRefresher(option OAuthRefresherOptions) (*OAuthRefresher, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.ClientID == "" {
		return nil, extErrors.New("empty ClientID is invalid")
	}
	if option.ClientSecret == "" {
		return nil, extErrors.New("empty ClientSecret is invalid")
	}
	if option.Endpoint == "" {
		option.Endpoint = defaultTokenEndpoint
	}
	if option.HTTP == nil {
		option.HTTP = &http.Client{
			Timeout: time.Second * 10,
		}
	}
	return &OAuthRefresher{
		OAuthRefresherOptions: option,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the grant's refresh token. The returned credential keeps
// the stored identity but carries the rotated token pair.
func (o *OAuthRefresher) Refresh(ctx context.Context, cred OAuthCredential) (*OAuthCredential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", o.ClientID)
	form.Set("client_secret", o.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot construct request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := o.HTTP.Do(req)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot reach token endpoint")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", res.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode token response")
	}
	if token.AccessToken == "" {
		return nil, extErrors.New("token endpoint returned no access token")
	}

	rotated := cred
	rotated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		rotated.RefreshToken = token.RefreshToken
	}
	rotated.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return &rotated, nil
}
