// Package blinkapi is the Blink cloud REST client. It exposes the remote
// service through the Client interface so the core can be tested against
// fakes, and maps HTTP failures onto the auth/transient/rate-limit error
// taxonomy the rest of the bridge branches on.
package blinkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Client is the capability interface onto the Blink cloud service.
type Client interface {
	// Login authenticates with email/password. The returned response may
	// indicate that 2FA verification is still required.
	Login(ctx context.Context, email, password string) (*LoginResponse, error)
	// VerifyPin submits a 2FA code for the staged session.
	VerifyPin(ctx context.Context, creds Credentials, code string) (*VerifyPinResponse, error)
	// Homescreen fetches the full account state snapshot.
	Homescreen(ctx context.Context, creds Credentials) (*Homescreen, error)
	// SetArmed arms or disarms a network and returns the async command ID.
	SetArmed(ctx context.Context, creds Credentials, networkID int64, armed bool) (int64, error)
	// TriggerSnapshot asks a camera to capture a new thumbnail and returns
	// the async command ID.
	TriggerSnapshot(ctx context.Context, creds Credentials, networkID, cameraID int64) (int64, error)
	// CommandStatus reports completion of an async command.
	CommandStatus(ctx context.Context, creds Credentials, networkID, commandID int64) (*CommandStatus, error)
	// Thumbnail downloads the image behind a camera thumbnail reference.
	Thumbnail(ctx context.Context, creds Credentials, path string) ([]byte, error)
}

// RestClient talks to the Blink REST API over HTTPS.
type RestClient struct {
	httpc    *http.Client
	uniqueID string
	log      *slog.Logger
}

// Ensure RestClient implements Client at compile time.
var _ Client = (*RestClient)(nil)

// NewRestClient creates a Blink REST client. uniqueID identifies this bridge
// install to the service; pass empty to generate one.
func NewRestClient(uniqueID string, log *slog.Logger) *RestClient {
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}
	return &RestClient{
		httpc:    &http.Client{Timeout: 15 * time.Second},
		uniqueID: uniqueID,
		log:      log,
	}
}

const defaultTier = "prod"

func baseURL(tier string) string {
	if tier == "" {
		tier = defaultTier
	}
	return fmt.Sprintf("https://rest-%s.immedia-semi.com", tier)
}

// Login authenticates with email/password.
func (c *RestClient) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body := map[string]interface{}{
		"email":     email,
		"password":  password,
		"unique_id": c.uniqueID,
		"reauth":    true,
	}

	var resp LoginResponse
	err := c.doJSON(ctx, "login", http.MethodPost, baseURL(defaultTier)+"/api/v5/account/login", "", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyPin submits a 2FA code.
func (c *RestClient) VerifyPin(ctx context.Context, creds Credentials, code string) (*VerifyPinResponse, error) {
	url := fmt.Sprintf("%s/api/v4/account/%d/client/%d/pin/verify",
		baseURL(creds.Tier), creds.AccountID, creds.ClientID)

	var resp VerifyPinResponse
	err := c.doJSON(ctx, "verify pin", http.MethodPost, url, creds.Token, map[string]string{"pin": code}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Homescreen fetches the account snapshot.
func (c *RestClient) Homescreen(ctx context.Context, creds Credentials) (*Homescreen, error) {
	url := fmt.Sprintf("%s/api/v3/accounts/%d/homescreen", baseURL(creds.Tier), creds.AccountID)

	var resp Homescreen
	if err := c.doJSON(ctx, "homescreen", http.MethodGet, url, creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetArmed arms or disarms a network.
func (c *RestClient) SetArmed(ctx context.Context, creds Credentials, networkID int64, armed bool) (int64, error) {
	action := "disarm"
	if armed {
		action = "arm"
	}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/networks/%d/state/%s",
		baseURL(creds.Tier), creds.AccountID, networkID, action)

	var resp commandResponse
	if err := c.doJSON(ctx, action, http.MethodPost, url, creds.Token, nil, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// TriggerSnapshot asks a camera to capture a new thumbnail.
func (c *RestClient) TriggerSnapshot(ctx context.Context, creds Credentials, networkID, cameraID int64) (int64, error) {
	url := fmt.Sprintf("%s/network/%d/camera/%d/thumbnail", baseURL(creds.Tier), networkID, cameraID)

	var resp commandResponse
	if err := c.doJSON(ctx, "trigger snapshot", http.MethodPost, url, creds.Token, nil, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// CommandStatus reports completion of an async command.
func (c *RestClient) CommandStatus(ctx context.Context, creds Credentials, networkID, commandID int64) (*CommandStatus, error) {
	url := fmt.Sprintf("%s/network/%d/command/%d", baseURL(creds.Tier), networkID, commandID)

	var resp CommandStatus
	if err := c.doJSON(ctx, "command status", http.MethodGet, url, creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Thumbnail downloads the image behind a thumbnail reference.
func (c *RestClient) Thumbnail(ctx context.Context, creds Credentials, path string) ([]byte, error) {
	url := baseURL(creds.Tier) + path
	if len(path) < 4 || path[len(path)-4:] != ".jpg" {
		url += ".jpg"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransientError{Op: "thumbnail", Err: err}
	}
	c.setHeaders(req, creds.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "thumbnail", Err: err}
	}
	defer resp.Body.Close()

	if err := statusToError("thumbnail", resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "thumbnail", Err: err}
	}
	return data, nil
}

// doJSON performs a request with a JSON body and decodes the JSON response.
func (c *RestClient) doJSON(ctx context.Context, op, method, url, token string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("blinkapi: %s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	c.setHeaders(req, token)

	c.log.Debug("blink api request", "op", op, "method", method, "url", url)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := statusToError(op, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *RestClient) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "blinkd")
	if token != "" {
		req.Header.Set("token-auth", token)
	}
}

// statusToError maps an HTTP status onto the error taxonomy.
func statusToError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{Op: op, StatusCode: resp.StatusCode, Message: string(msg)}
	case resp.StatusCode == http.StatusTooManyRequests:
		retry := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retry = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Op: op, RetryAfter: retry}
	default:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
}
