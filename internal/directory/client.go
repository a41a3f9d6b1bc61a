// Package directory implements the HTTP client for the platform's
// request/response collaborators: partner profiles, chat history and
// reachability checks.
package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"tripstream/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to the collaborator API. It implements interfaces.Directory.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client for the API rooted at baseURL. token is
// attached as a bearer credential when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

// PartnerSummary fetches the minimal profile used to seed a new
// conversation entry.
func (c *Client) PartnerSummary(ctx context.Context, partnerID string) (*types.PartnerSummary, error) {
	if !types.IsValidUserID(partnerID) {
		return nil, types.ErrInvalidUserID
	}
	var out types.PartnerSummary
	if err := c.get(ctx, "/partners/"+partnerID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the full message list between two users, oldest first.
func (c *Client) History(ctx context.Context, userID, partnerID string) ([]types.ChatMessage, error) {
	if !types.IsValidUserID(userID) || !types.IsValidUserID(partnerID) {
		return nil, types.ErrInvalidUserID
	}
	q := url.Values{}
	q.Set("user", userID)
	q.Set("partner", partnerID)

	var out []types.ChatMessage
	if err := c.get(ctx, "/history", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckReachable verifies a counterpart by email and returns its profile.
func (c *Client) CheckReachable(ctx context.Context, email string) (*types.PartnerSummary, error) {
	if email == "" {
		return nil, ErrEmptyEmail
	}
	q := url.Values{}
	q.Set("email", email)

	var out types.PartnerSummary
	if err := c.get(ctx, "/reachability", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
