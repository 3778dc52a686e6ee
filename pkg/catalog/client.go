package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/maas/backend/pkg/query"
)

// DefaultSearchLimit caps dataset searches when the config does not.
const DefaultSearchLimit = 100

// ClientConfig holds the endpoints of the model and data catalogs.
type ClientConfig struct {
	ModelURL    string
	DataURL     string
	Username    string
	SearchLimit int
}

// Client talks to the model catalog and the data catalog over HTTP.
type Client struct {
	modelURL     string
	dataURL      string
	username     string
	searchLimit  int
	httpClient   *http.Client
	modelSession *Session
	dataSession  *Session
	logger       *slog.Logger
}

var _ Gateway = (*Client)(nil)

// NewHTTPClient returns the transport shared by the client and its
// authenticators. The timeout is the only cutoff for a catalog call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewClient creates a catalog client. Either session may be nil when the
// corresponding catalog does not require credentials.
func NewClient(cfg ClientConfig, httpClient *http.Client, modelSession, dataSession *Session, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.SearchLimit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Client{
		modelURL:     strings.TrimSuffix(cfg.ModelURL, "/"),
		dataURL:      strings.TrimSuffix(cfg.DataURL, "/"),
		username:     cfg.Username,
		searchLimit:  limit,
		httpClient:   httpClient,
		modelSession: modelSession,
		dataSession:  dataSession,
		logger:       logger,
	}
}

// ListModels returns every model visible to the configured user.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := c.getModelCatalog(ctx, c.modelEndpoint("models"), &out); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// GetModel fetches a model by name.
func (c *Client) GetModel(ctx context.Context, name string) (Model, error) {
	var out Model
	if err := c.getModelCatalog(ctx, c.modelEndpoint("models", name), &out); err != nil {
		return Model{}, fmt.Errorf("get model %q: %w", name, err)
	}
	return out, nil
}

// GetVersion fetches a software version by id.
func (c *Client) GetVersion(ctx context.Context, id string) (Version, error) {
	var out Version
	if err := c.getModelCatalog(ctx, c.modelEndpoint("softwareversions", id), &out); err != nil {
		return Version{}, fmt.Errorf("get version %q: %w", id, err)
	}
	return out, nil
}

// GetConfiguration fetches a model configuration by id.
func (c *Client) GetConfiguration(ctx context.Context, id string) (Configuration, error) {
	var out Configuration
	if err := c.getModelCatalog(ctx, c.modelEndpoint("modelconfigurations", id), &out); err != nil {
		return Configuration{}, fmt.Errorf("get configuration %q: %w", id, err)
	}
	return out, nil
}

// ListParameters returns the complete parameter catalog.
func (c *Client) ListParameters(ctx context.Context) ([]Parameter, error) {
	var out []Parameter
	if err := c.getModelCatalog(ctx, c.modelEndpoint("parameters"), &out); err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	return out, nil
}

// ConfigurationInputs returns the input descriptors of a configuration.
func (c *Client) ConfigurationInputs(ctx context.Context, id string) ([]IOFile, error) {
	var out []IOFile
	if err := c.getModelCatalog(ctx, c.modelEndpoint("modelconfigurations", id, "inputs"), &out); err != nil {
		return nil, fmt.Errorf("get inputs of %q: %w", id, err)
	}
	return out, nil
}

// ConfigurationOutputs returns the output descriptors of a configuration.
func (c *Client) ConfigurationOutputs(ctx context.Context, id string) ([]IOFile, error) {
	var out []IOFile
	if err := c.getModelCatalog(ctx, c.modelEndpoint("modelconfigurations", id, "outputs"), &out); err != nil {
		return nil, fmt.Errorf("get outputs of %q: %w", id, err)
	}
	return out, nil
}

type boundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
	EPSG int     `json:"epsg,omitempty"`
}

type datasetSearchRequest struct {
	SearchQuery   []string     `json:"search_query,omitempty"`
	SpatialWithin *boundingBox `json:"spatial_coverage__within,omitempty"`
	TemporalStart string       `json:"temporal_coverage__start_time,omitempty"`
	TemporalEnd   string       `json:"temporal_coverage__end_time,omitempty"`
	Limit         int          `json:"limit"`
}

type datasetSearchResponse struct {
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
	Datasets []struct {
		ID          string         `json:"dataset_id"`
		Name        string         `json:"dataset_name"`
		Description string         `json:"dataset_description"`
		Metadata    map[string]any `json:"dataset_metadata"`
	} `json:"datasets"`
}

// dataCatalogTime is the timestamp layout the data catalog filters accept.
const dataCatalogTime = "2006-01-02T15:04:05"

// ExecuteTimeQuery finds datasets whose temporal coverage overlaps the query.
func (c *Client) ExecuteTimeQuery(ctx context.Context, q query.TimeQuery) (query.SearchResult, error) {
	return c.findDatasets(ctx, datasetSearchRequest{
		TemporalStart: q.Start.UTC().Format(dataCatalogTime),
		TemporalEnd:   q.End.UTC().Format(dataCatalogTime),
	})
}

// ExecuteGeoQuery finds datasets inside the query's bounding box.
func (c *Client) ExecuteGeoQuery(ctx context.Context, q query.GeoQuery) (query.SearchResult, error) {
	xmin, ymin, xmax, ymax := q.BBox()
	return c.findDatasets(ctx, datasetSearchRequest{
		SpatialWithin: &boundingBox{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax, EPSG: q.EPSG},
	})
}

// ExecuteTextQuery matches the term against dataset names and descriptions.
func (c *Client) ExecuteTextQuery(ctx context.Context, q query.TextQuery) (query.SearchResult, error) {
	return c.findDatasets(ctx, datasetSearchRequest{SearchQuery: []string{q.Term}})
}

func (c *Client) findDatasets(ctx context.Context, req datasetSearchRequest) (query.SearchResult, error) {
	req.Limit = c.searchLimit

	var resp datasetSearchResponse
	endpoint := c.dataURL + "/datasets/find"
	if err := c.call(ctx, c.dataSession, apiKeyHeader, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("find datasets: %w", err)
	}
	if resp.Result != "" && resp.Result != "success" {
		msg := resp.Error
		if msg == "" {
			msg = resp.Result
		}
		return nil, fmt.Errorf("find datasets: %w: %s", ErrUpstreamUnavailable, msg)
	}

	out := make(query.SearchResult, 0, len(resp.Datasets))
	for _, ds := range resp.Datasets {
		out = append(out, query.Dataset{
			ID:          ds.ID,
			Name:        ds.Name,
			Description: ds.Description,
			Metadata:    ds.Metadata,
		})
	}
	return out, nil
}

func (c *Client) modelEndpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	endpoint := c.modelURL + "/" + strings.Join(escaped, "/")
	if c.username != "" {
		endpoint += "?username=" + url.QueryEscape(c.username)
	}
	return endpoint
}

func (c *Client) getModelCatalog(ctx context.Context, endpoint string, out any) error {
	return c.call(ctx, c.modelSession, bearerHeader, http.MethodGet, endpoint, nil, out)
}

// call performs a catalog request, logging in again once if the catalog
// rejects the current token.
func (c *Client) call(ctx context.Context, sess *Session, auth authHeader, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal catalog request: %w", err)
		}
	}

	token, err := sessionToken(ctx, sess, false)
	if err != nil {
		return err
	}

	start := time.Now()
	status, err := sendJSON(ctx, c.httpClient, method, endpoint, payload, auth.apply(token), out)
	if status == http.StatusUnauthorized && sess != nil {
		c.logger.Info("catalog rejected token, refreshing session", "catalog", sess.Name())
		if token, err = sessionToken(ctx, sess, true); err != nil {
			return err
		}
		status, err = sendJSON(ctx, c.httpClient, method, endpoint, payload, auth.apply(token), out)
	}
	c.logger.Debug("catalog request", "method", method, "endpoint", endpoint, "status", status, "duration", time.Since(start))
	return err
}

func sessionToken(ctx context.Context, sess *Session, refresh bool) (string, error) {
	if sess == nil {
		return "", nil
	}
	if refresh {
		return sess.Refresh(ctx)
	}
	return sess.Token(ctx)
}

type authHeader func(r *http.Request, token string)

func (a authHeader) apply(token string) func(*http.Request) {
	return func(r *http.Request) {
		if token != "" {
			a(r, token)
		}
	}
}

func bearerHeader(r *http.Request, token string) {
	r.Header.Set("Authorization", "Bearer "+token)
}

func apiKeyHeader(r *http.Request, token string) {
	r.Header.Set("X-Api-Key", token)
}

// sendJSON issues a single request and decodes a 2xx JSON body into out. The
// status code is returned alongside any error so callers can react to 401.
func sendJSON(ctx context.Context, hc *http.Client, method, endpoint string, payload []byte, decorate func(*http.Request), out any) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := catalogMessage(snippet)
		if resp.StatusCode == http.StatusNotFound {
			if msg == "" {
				msg = "not found"
			}
			return resp.StatusCode, fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, msg)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode catalog response: %w", ErrUpstreamUnavailable, err)
	}
	return resp.StatusCode, nil
}

// catalogMessage extracts the human readable part of an error body. Both
// catalogs answer with {"message": ...} or {"error": ...}; anything else is
// returned verbatim.
func catalogMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		for _, m := range []string{envelope.Message, envelope.Error, envelope.Detail} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// ModelCatalogLogin authenticates a user against the model catalog.
func ModelCatalogLogin(hc *http.Client, baseURL, username, password string) Authenticator {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/user/login"
	return AuthenticatorFunc(func(ctx context.Context) (Token, error) {
		payload, err := json.Marshal(map[string]string{"username": username, "password": password})
		if err != nil {
			return Token{}, fmt.Errorf("marshal login request: %w", err)
		}
		var out struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if _, err := sendJSON(ctx, hc, http.MethodPost, endpoint, payload, nil, &out); err != nil {
			return Token{}, fmt.Errorf("model catalog login: %w", err)
		}
		tok := Token{Value: out.AccessToken}
		if out.ExpiresIn > 0 {
			tok.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		}
		return tok, nil
	})
}

// DataCatalogKey obtains an API key from the data catalog.
func DataCatalogKey(hc *http.Client, baseURL string) Authenticator {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/get_session_token"
	return AuthenticatorFunc(func(ctx context.Context) (Token, error) {
		var out struct {
			APIKey string `json:"X-Api-Key"`
		}
		if _, err := sendJSON(ctx, hc, http.MethodGet, endpoint, nil, nil, &out); err != nil {
			return Token{}, fmt.Errorf("data catalog session token: %w", err)
		}
		return Token{Value: out.APIKey}, nil
	})
}
