// Package apiclient talks to the attendance api on behalf of a capture station.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
)

// ErrUnauthorized is returned when the api rejects the station's token.
var ErrUnauthorized = errors.New("api rejected operator token")

// Client calls the attendance api. Once it holds a refresh token it renews
// an expired access token and retries the rejected call once.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu      sync.Mutex
	access  string
	refresh string

	renewMu sync.Mutex
}

// New creates a client with a bounded timeout. token may be empty until
// Register or SetTokens supplies one.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		access:  token,
	}
}

// SetTokens replaces the access and refresh tokens.
func (c *Client) SetTokens(t auth.TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access = t.AccessToken
	c.refresh = t.RefreshToken
}

// Token returns the current access token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

type errorBody struct {
	Error  string                  `json:"error"`
	Fields []attendance.FieldError `json:"fields"`
}

// Register obtains tokens for an operator and keeps them for later calls.
func (c *Client) Register(ctx context.Context, operatorID string) (auth.TokenPair, error) {
	var out auth.TokenPair
	if err := c.send(ctx, http.MethodPost, "/v1/operators/register", "", map[string]string{"operator_id": operatorID}, &out); err != nil {
		return auth.TokenPair{}, err
	}
	c.SetTokens(out)
	return out, nil
}

// Refresh trades the held refresh token for a new pair and keeps it.
func (c *Client) Refresh(ctx context.Context) (auth.TokenPair, error) {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()
	if refresh == "" {
		return auth.TokenPair{}, fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}
	var out auth.TokenPair
	if err := c.send(ctx, http.MethodPost, "/v1/operators/refresh", "", map[string]string{"refresh_token": refresh}, &out); err != nil {
		return auth.TokenPair{}, err
	}
	c.SetTokens(out)
	return out, nil
}

// Roster returns the students of a class in roll order.
func (c *Client) Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error) {
	var out struct {
		Students []attendance.StudentRef `json:"students"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/classes/"+url.PathEscape(classID)+"/roster", nil, &out); err != nil {
		return nil, err
	}
	if out.Students == nil {
		out.Students = []attendance.StudentRef{}
	}
	return out.Students, nil
}

// ListMarks returns stored marks for key.
func (c *Client) ListMarks(ctx context.Context, key attendance.Key) ([]attendance.StoredMark, error) {
	q := url.Values{}
	q.Set("date", key.Date)
	if key.TopicID != "" {
		q.Set("topic_id", key.TopicID)
	}
	var out struct {
		Marks []attendance.StoredMark `json:"marks"`
	}
	path := "/v1/classes/" + url.PathEscape(key.ClassID) + "/marks?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Marks, nil
}

// SubmitRequest is the body of a batch upsert.
type SubmitRequest struct {
	Date    string            `json:"date"`
	TopicID string            `json:"topic_id,omitempty"`
	Marks   []attendance.Mark `json:"marks"`
}

// Submit upserts a batch. The operator is the token subject, so b.OperatorID
// is informational only.
func (c *Client) Submit(ctx context.Context, b attendance.Batch) (attendance.SubmitResult, error) {
	req := SubmitRequest{Date: b.Key.Date, TopicID: b.Key.TopicID, Marks: b.Marks}
	var out attendance.SubmitResult
	err := c.do(ctx, http.MethodPut, "/v1/classes/"+url.PathEscape(b.Key.ClassID)+"/marks", req, &out)
	return out, err
}

// Health checks if the api is available.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token := c.Token()
	err := c.send(ctx, method, path, token, in, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if rerr := c.renew(ctx, token); rerr != nil {
		logger.Debug.Printf("token renewal failed: %v", rerr)
		return err
	}
	return c.send(ctx, method, path, c.Token(), in, out)
}

// renew refreshes the tokens unless another call already replaced stale.
func (c *Client) renew(ctx context.Context, stale string) error {
	c.renewMu.Lock()
	defer c.renewMu.Unlock()
	if c.Token() != stale {
		return nil
	}
	tokens, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	logger.Info.Printf("operator token renewed, valid until %s", tokens.AccessExp.Format(time.RFC3339))
	return nil
}

func (c *Client) send(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusBadRequest && eb.Error != "":
			return attendance.NewValidationError(errors.New(eb.Error), eb.Fields...)
		case eb.Error != "":
			return fmt.Errorf("api error %s: %s", resp.Status, eb.Error)
		}
		return fmt.Errorf("api error %s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
