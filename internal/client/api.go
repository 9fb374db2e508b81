package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/site-safety/backend/internal/model/session"
)

const defaultHTTPTimeout = 2 * time.Minute

// ErrRateLimited is returned when the server rejects a request with 429.
var ErrRateLimited = errors.New("client: rate limited")

// ChatReply is what a successful chat turn returns.
type ChatReply struct {
	Response    string         `json:"response"`
	ChatHistory []session.Turn `json:"chat_history"`
}

// Snapshot is the server-side view of a session.
type Snapshot struct {
	SessionID   string         `json:"session_id"`
	Keywords    []string       `json:"keywords"`
	Description string         `json:"description"`
	ChatHistory []session.Turn `json:"chat_history"`
}

// APIError is a failed response from the server. It unwraps to the matching session
// sentinel so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if err := session.FromCode(e.Code); err != nil {
		return err
	}
	switch e.Status {
	case http.StatusNotFound:
		return session.ErrSessionNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// HTTPClient talks to the analysis server over its JSON/multipart API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. A nil httpClient gets a
// default with a generous timeout, since model calls are slow.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Analyze uploads img and returns the new session.
func (c *HTTPClient) Analyze(ctx context.Context, img Image, hint string) (*AnalyzeResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	name := img.Name
	if name == "" {
		name = "image"
	}
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	partHeader.Set("Content-Type", img.MIMEType)
	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		if err := mw.WriteField("keyword", hint); err != nil {
			return nil, fmt.Errorf("write keyword: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out AnalyzeResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat sends one chat turn for sessionID.
func (c *HTTPClient) Chat(ctx context.Context, sessionID, message string) (*ChatReply, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"message":    message,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out ChatReply
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession deletes sessionID on the server. Unknown ids succeed.
func (c *HTTPClient) EndSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Session fetches the server's view of sessionID.
func (c *HTTPClient) Session(ctx context.Context, sessionID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	var out Snapshot
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("server reported status %q", out.Status)
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
