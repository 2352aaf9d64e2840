package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a thin HTTP client a supervisor uses to register itself (and
// report lifecycle events) with a guardian daemon, whether that guardian
// is the one this process just started or one a sibling process already
// owns on this host. Grounded on internal/providers' HTTP-adapter shape
// (base URL + header auth + JSON body), applied to the guardian's own
// surface instead of an upstream model provider.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a Client for the guardian listening at baseURL
// (typically "http://127.0.0.1:<port>") authenticated with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, extraHeaders map[string]string) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rcc-Guardian-Token", c.token)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// Health reports whether the guardian at baseURL is reachable and
// authenticates with the held token.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guardian health check: status %d", resp.StatusCode)
	}
	return nil
}

// RegisterRequest mirrors the guardian's POST /register body.
type RegisterRequest struct {
	Source        string                 `json:"source"`
	PID           int                    `json:"pid"`
	PPID          int                    `json:"ppid"`
	Port          int                    `json:"port,omitempty"`
	TmuxSessionID string                 `json:"tmuxSessionId,omitempty"`
	TmuxTarget    string                 `json:"tmuxTarget,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Register announces this process to the guardian and returns the
// short-lived session token it issues back.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/register", req, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("guardian register: status %d", resp.StatusCode)
	}
	var out struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionToken, nil
}

// LifecycleRequest mirrors the guardian's POST /lifecycle body.
type LifecycleRequest struct {
	Action    string                 `json:"action"`
	Source    string                 `json:"source"`
	ActorPID  int                    `json:"actorPid"`
	TargetPID int                    `json:"targetPid,omitempty"`
	Signal    string                 `json:"signal,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Lifecycle records one lifecycle event (start/stop/reload/restart) with
// the guardian.
func (c *Client) Lifecycle(ctx context.Context, req LifecycleRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/lifecycle", req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guardian lifecycle: status %d", resp.StatusCode)
	}
	return nil
}

// Stop requests graceful shutdown of the guardian daemon. Both the
// X-Rcc-Guardian-Token header (sent by every call) and the stop token
// must match for the guardian to honor it, per §4.4's two-token design.
func (c *Client) Stop(ctx context.Context, stopToken string) error {
	resp, err := c.do(ctx, http.MethodPost, "/stop", nil, map[string]string{
		"X-Rcc-Guardian-Stop-Token": stopToken,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guardian stop: status %d", resp.StatusCode)
	}
	return nil
}
