package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// HTTPError is a non-2xx upstream response, carrying the status code and the
// server's detail message when one could be parsed.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error (%d)", e.Status)
}

// Upload is one image attached to a classification request.
type Upload struct {
	Name string
	Data []byte
}

// Client talks to the plant backend. All methods take a context; timeouts
// and cancellation are driven entirely by the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given base URL (no trailing slash required).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Plants fetches the full catalog. Every entry's well-known fields are
// normalized so absent values read as the NoInformation placeholder.
func (c *Client) Plants(ctx context.Context) (Catalog, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/plants", "", nil)
	if err != nil {
		return nil, err
	}

	var catalog Catalog
	if err := decodeValidated(plantsValidator, body, &catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Classify uploads one or more images as multipart "files" fields and
// returns the candidate species. A response whose first label equals
// OODLabel signals out-of-distribution input.
func (c *Client) Classify(ctx context.Context, uploads []Upload) (*ClassifyResponse, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("at least one image is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, u := range uploads {
		part, err := w.CreateFormFile("files", u.Name)
		if err != nil {
			return nil, fmt.Errorf("build multipart form: %w", err)
		}
		if _, err := part.Write(u.Data); err != nil {
			return nil, fmt.Errorf("build multipart form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build multipart form: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/classify", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var resp ClassifyResponse
	if err := decodeValidated(classifyValidator, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Answer asks a question, optionally scoped to a selected species label.
// Confidence suffixes on the label are stripped before sending.
func (c *Client) Answer(ctx context.Context, req QARequest) (*QAResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("question is required")
	}
	req.Label = CleanLabel(req.Label)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal qa request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/qa", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp QAResponse
	if err := decodeValidated(qaValidator, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetConversation clears the server-side conversation history for a
// session. Best-effort companion to the client-side reset.
func (c *Client) ResetConversation(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("marshal reset request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/api/reset-conversation", "application/json", bytes.NewReader(payload))
	return err
}

// PlantImages lists the stored images of a species.
func (c *Client) PlantImages(ctx context.Context, scientificName string) (*PlantImagesResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/plant-images/"+url.PathEscape(scientificName), "", nil)
	if err != nil {
		return nil, err
	}

	var resp PlantImagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}

// SessionStats fetches server-side session statistics.
func (c *Client) SessionStats(ctx context.Context) (*SessionStats, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/session-stats", "", nil)
	if err != nil {
		return nil, err
	}

	var stats SessionStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &stats, nil
}

// do executes one HTTP exchange and returns the response body, converting
// non-2xx statuses into *HTTPError with the FastAPI-style detail message
// when present.
func (c *Client) do(ctx context.Context, method, path, contentType string, reqBody io.Reader) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		msg := ""
		if json.Unmarshal(body, &detail) == nil {
			msg = detail.Detail
		}
		return nil, &HTTPError{Status: httpResp.StatusCode, Message: msg}
	}
	return body, nil
}
