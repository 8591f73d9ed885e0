package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// HTTPClient implements Store over the content service's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new content HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListResources(ctx context.Context, parentID string, mediaTypes ...string) ([]models.Resource, error) {
	u := fmt.Sprintf("%s/api/v1/pages/%s/attachments", c.baseURL, url.PathEscape(parentID))
	if len(mediaTypes) > 0 {
		u += "?" + url.Values{"mediaType": mediaTypes}.Encode()
	}

	var listResp resourceListResponse
	if err := c.getJSON(ctx, u, &listResp); err != nil {
		return nil, err
	}

	resources := make([]models.Resource, 0, len(listResp.Results))
	for _, r := range listResp.Results {
		if MatchMediaType(r.MediaType, mediaTypes) {
			resources = append(resources, r.toModel(parentID))
		}
	}
	return resources, nil
}

func (c *HTTPClient) GetResource(ctx context.Context, id string) (models.Resource, error) {
	u := fmt.Sprintf("%s/api/v1/resources/%s", c.baseURL, url.PathEscape(id))

	var r resourceResponse
	if err := c.getJSON(ctx, u, &r); err != nil {
		return models.Resource{}, err
	}
	return r.toModel(r.ParentID), nil
}

func (c *HTTPClient) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	u := fmt.Sprintf("%s/api/v1/resources/%s/data", c.baseURL, url.PathEscape(id))

	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (c *HTTPClient) Exists(ctx context.Context, id string) (bool, error) {
	u := fmt.Sprintf("%s/api/v1/resources/%s", c.baseURL, url.PathEscape(id))

	resp, err := c.do(ctx, http.MethodHead, u, nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	return true, nil
}

func (c *HTTPClient) GetBody(ctx context.Context, parentID string) (models.Body, error) {
	u := fmt.Sprintf("%s/api/v1/pages/%s/body", c.baseURL, url.PathEscape(parentID))

	var b bodyPayload
	if err := c.getJSON(ctx, u, &b); err != nil {
		return models.Body{}, err
	}
	return models.Body{
		ParentID:   parentID,
		Title:      b.Title,
		Content:    b.Content,
		Version:    b.Version,
		ModifiedAt: b.ModifiedAt,
	}, nil
}

func (c *HTTPClient) PutBody(ctx context.Context, body models.Body, expectedVersion string) error {
	u := fmt.Sprintf("%s/api/v1/pages/%s/body", c.baseURL, url.PathEscape(body.ParentID))

	payload, err := json.Marshal(bodyPayload{Title: body.Title, Content: body.Content})
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	if expectedVersion != "" {
		headers.Set("If-Match", expectedVersion)
	}

	resp, err := c.do(ctx, http.MethodPut, u, bytes.NewReader(payload), headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding content response: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: status %d", ErrConflict, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- content API payloads ---

type resourceResponse struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parentId"`
	Title      string    `json:"title"`
	MediaType  string    `json:"mediaType"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

func (r resourceResponse) toModel(parentID string) models.Resource {
	if r.ParentID != "" {
		parentID = r.ParentID
	}
	return models.Resource{
		ID:         r.ID,
		ParentID:   parentID,
		Title:      r.Title,
		MediaType:  r.MediaType,
		ModifiedAt: r.ModifiedAt,
	}
}

type resourceListResponse struct {
	Results []resourceResponse `json:"results"`
}

type bodyPayload struct {
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Version    string    `json:"version,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
}

// Compile-time check that HTTPClient implements Store.
var _ Store = (*HTTPClient)(nil)
