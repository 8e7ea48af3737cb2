package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/models"
)

// RESTClient implements Store over the service's REST dialect:
// GET /rest/v1/{table}?col=eq.value&select=cols, POST for insert/upsert
// (upsert signalled with a Prefer: resolution=ignore-duplicates header),
// PATCH for update, DELETE for delete.
type RESTClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client

	mu      sync.RWMutex
	session *models.Session
}

// ClientConfig holds remote connection configuration.
type ClientConfig struct {
	BaseURL string
	AnonKey string
	Timeout time.Duration
}

// NewRESTClient creates a new RESTClient.
func NewRESTClient(cfg ClientConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		anonKey: cfg.AnonKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Ready reports whether the client has an endpoint and key configured.
func (c *RESTClient) Ready() bool {
	return c != nil && c.baseURL != "" && c.anonKey != ""
}

// SetSession installs or clears the current session.
func (c *RESTClient) SetSession(s *models.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// From starts a query against the named table.
func (c *RESTClient) From(table string) Query {
	return &restQuery{client: c, table: table}
}

// bearerToken returns the session token when signed in, else the anon key.
func (c *RESTClient) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session != nil && c.session.AccessToken != "" {
		return c.session.AccessToken
	}
	return c.anonKey
}

type filter struct {
	column string
	value  interface{}
}

type restQuery struct {
	client  *RESTClient
	table   string
	columns []string
	filters []filter
}

func (q *restQuery) Select(columns ...string) Query {
	q.columns = append(q.columns, columns...)
	return q
}

func (q *restQuery) Eq(column string, value interface{}) Query {
	q.filters = append(q.filters, filter{column: column, value: value})
	return q
}

// queryString builds the filter/select portion of the request URL.
func (q *restQuery) queryString() string {
	values := url.Values{}
	if len(q.columns) > 0 {
		values.Set("select", strings.Join(q.columns, ","))
	}
	for _, f := range q.filters {
		values.Set(f.column, fmt.Sprintf("eq.%v", f.value))
	}
	return values.Encode()
}

func (q *restQuery) Get(ctx context.Context, dest interface{}) error {
	body, err := q.do(ctx, http.MethodGet, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to decode response", err)
	}
	return nil
}

func (q *restQuery) Insert(ctx context.Context, rows interface{}) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode rows", err)
	}
	_, err = q.do(ctx, http.MethodPost, payload, map[string]string{
		"Prefer": "return=minimal",
	})
	return err
}

func (q *restQuery) Upsert(ctx context.Context, rows interface{}, onConflict string) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode rows", err)
	}
	headers := map[string]string{
		// ignore-duplicates makes conflicting rows a no-op instead of an
		// overwrite, which is what history immutability relies on.
		"Prefer": "resolution=ignore-duplicates,return=minimal",
	}
	extra := ""
	if onConflict != "" {
		extra = "on_conflict=" + url.QueryEscape(onConflict)
	}
	_, err = q.doWithExtraQuery(ctx, http.MethodPost, payload, headers, extra)
	return err
}

func (q *restQuery) Update(ctx context.Context, patch map[string]interface{}) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode patch", err)
	}
	_, err = q.do(ctx, http.MethodPatch, payload, map[string]string{
		"Prefer": "return=minimal",
	})
	return err
}

func (q *restQuery) Delete(ctx context.Context) error {
	_, err := q.do(ctx, http.MethodDelete, nil, nil)
	return err
}

func (q *restQuery) do(ctx context.Context, method string, payload []byte, headers map[string]string) ([]byte, error) {
	return q.doWithExtraQuery(ctx, method, payload, headers, "")
}

func (q *restQuery) doWithExtraQuery(ctx context.Context, method string, payload []byte, headers map[string]string, extraQuery string) ([]byte, error) {
	if !q.client.Ready() {
		return nil, apperrors.New(apperrors.ErrConfig, "remote store not configured")
	}

	urlStr := q.client.baseURL + "/rest/v1/" + q.table
	qs := q.queryString()
	if extraQuery != "" {
		if qs != "" {
			qs += "&"
		}
		qs += extraQuery
	}
	if qs != "" {
		urlStr += "?" + qs
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "failed to build request", err)
	}

	req.Header.Set("apikey", q.client.anonKey)
	req.Header.Set("Authorization", "Bearer "+q.client.bearerToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := q.client.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("%s %s failed", method, q.table), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Newf(apperrors.ErrRemote, "%s %s returned status %d: %s",
			method, q.table, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}
