package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	drawsync "github.com/drawbase/drawsync"
)

// canvasEnvelope is the wire form exchanged with the canvas API.
type canvasEnvelope struct {
	Version   int64                   `json:"version"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Content   *drawsync.CanvasContent `json:"content"`
	Patch     *MetadataPatch          `json:"client,omitempty"`
}

// HTTPGateway persists canvases against an HTTP canvas API:
// GET/PUT/DELETE {base}/api/canvases/{id}.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	token   string
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		g.client = client
	}
}

// WithBearerToken sets a bearer token attached to every request.
func WithBearerToken(token string) HTTPOption {
	return func(g *HTTPGateway) {
		g.token = token
	}
}

// NewHTTP creates a gateway against the canvas API at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTPGateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	g := &HTTPGateway{
		baseURL: u.String(),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Fetch retrieves the remote record for the entity.
func (g *HTTPGateway) Fetch(ctx context.Context, entityID string) (*RemoteCanvas, error) {
	req, err := g.newRequest(ctx, http.MethodGet, entityID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching canvas: %w", err)
	}
	defer drainAndClose(resp.Body)

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	var env canvasEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding canvas response: %w", err)
	}
	if env.Content == nil {
		env.Content = &drawsync.CanvasContent{}
	}

	return &RemoteCanvas{
		Content: env.Content,
		Metadata: RemoteMetadata{
			Version:   env.Version,
			UpdatedAt: env.UpdatedAt,
		},
	}, nil
}

// Save writes content for the entity.
func (g *HTTPGateway) Save(ctx context.Context, entityID string, content *drawsync.CanvasContent, patch MetadataPatch) (*RemoteMetadata, error) {
	body, err := json.Marshal(canvasEnvelope{
		Version: patch.Version,
		Content: content,
		Patch:   &patch,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding canvas request: %w", err)
	}

	req, err := g.newRequest(ctx, http.MethodPut, entityID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("saving canvas: %w", err)
	}
	defer drainAndClose(resp.Body)

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	var env canvasEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding save response: %w", err)
	}

	return &RemoteMetadata{
		Version:   env.Version,
		UpdatedAt: env.UpdatedAt,
	}, nil
}

// DeleteContent removes the remote content for the entity. A 404 is treated
// as success.
func (g *HTTPGateway) DeleteContent(ctx context.Context, entityID string) error {
	req, err := g.newRequest(ctx, http.MethodDelete, entityID, nil)
	if err != nil {
		return err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting canvas: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError(resp.StatusCode)
}

func (g *HTTPGateway) newRequest(ctx context.Context, method, entityID string, body io.Reader) (*http.Request, error) {
	u := fmt.Sprintf("%s/api/canvases/%s", g.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

// drainAndClose consumes the remaining body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

var _ Gateway = (*HTTPGateway)(nil)
