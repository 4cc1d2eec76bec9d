package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://apis.roblox.com/messaging-service/v1"

// Credential is one way of authenticating against the cloud messaging API.
// Exactly one of APIKey or BearerToken is set.
type Credential struct {
	APIKey      string
	BearerToken string
}

// Client delivers one payload to a topic of a game's cloud messaging service
type Client interface {
	Send(ctx context.Context, gameID int64, topic string, payload []byte, cred Credential) error
}

// CloudClientOptions provides initialization parameters for CloudClient
type CloudClientOptions struct {
	Logger   *zap.Logger
	Endpoint string
	HTTP     *http.Client
}

// CloudClient publishes to the platform's messaging REST API
type CloudClient struct {
	CloudClientOptions
}

func NewCloudClient(option CloudClientOptions) (*CloudClient, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Endpoint == "" {
		option.Endpoint = defaultEndpoint
	}
	if option.HTTP == nil {
		option.HTTP = &http.Client{
			Timeout: time.Second * 10,
		}
	}
	return &CloudClient{
		CloudClientOptions: option,
	}, nil
}

type messageBody struct {
	Message string `json:"message"`
}

// Send posts the payload to the game's topic. The messaging API carries the
// payload as an opaque string inside a json envelope.
func (c *CloudClient) Send(ctx context.Context, gameID int64, topic string, payload []byte, cred Credential) error {
	body, err := json.Marshal(messageBody{
		Message: string(payload),
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message body")
	}

	url := fmt.Sprintf("%s/universes/%d/topics/%s", c.Endpoint, gameID, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return extErrors.Wrap(err, "Cannot construct request")
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.APIKey != "" {
		req.Header.Set("x-api-key", cred.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return extErrors.Wrap(err, "Cannot reach messaging service")
	}
	defer res.Body.Close()
	io.Copy(ioutil.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("messaging service returned status %d", res.StatusCode)
	}
	return nil
}
