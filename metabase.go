package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the Metabase API.
type APIError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, msg)
}

// retryable reports whether a failed idempotent request may be attempted again.
func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// metabaseClient talks to the Metabase REST API. It authenticates lazily,
// with an API key when one is configured and a session token otherwise.
// GET requests are retried with exponential backoff; writes never are.
type metabaseClient struct {
	baseURL    string
	http       *http.Client
	creds      Credentials
	maxRetries int
	logger     *zap.Logger

	mu      sync.Mutex
	session string
}

func newMetabaseClient(cfg MetabaseConfig, creds Credentials, logger *zap.Logger) *metabaseClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &metabaseClient{
		baseURL:    strings.TrimRight(creds.URL, "/"),
		http:       &http.Client{Timeout: timeout},
		creds:      creds,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// --- platform operations ---

func (c *metabaseClient) GetCollection(ctx context.Context, id int64) (Collection, error) {
	var coll Collection
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/collection/%d", id), nil, &coll)
	if apiErr := (*APIError)(nil); errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return Collection{}, fmt.Errorf("%w: %d", ErrCollectionNotFound, id)
	}
	return coll, err
}

func (c *metabaseClient) ListCollectionItems(ctx context.Context, id int64) ([]Item, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/collection/%d/items", id), nil, &raw); err != nil {
		return nil, err
	}
	return decodeItems(raw)
}

// decodeItems accepts both the paginated {"data": [...]} envelope and the
// bare array returned by older Metabase versions.
func decodeItems(raw json.RawMessage) ([]Item, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var items []Item
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode collection items: %w", err)
		}
		return items, nil
	}
	var page struct {
		Data []Item `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode collection items: %w", err)
	}
	return page.Data, nil
}

func (c *metabaseClient) GetCard(ctx context.Context, id int64) (*Card, error) {
	var card Card
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/card/%d", id), nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

func (c *metabaseClient) PutCard(ctx context.Context, id int64, card *Card) error {
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/card/%d", id), card, nil); err != nil {
		return fmt.Errorf("%w %d: %w", ErrPersist, id, err)
	}
	return nil
}

func (c *metabaseClient) GetField(ctx context.Context, id int64) (Field, error) {
	var f Field
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/field/%d", id), nil, &f)
	return f, err
}

func (c *metabaseClient) ListTables(ctx context.Context, databaseID int64) ([]Table, error) {
	var all []Table
	if err := c.do(ctx, http.MethodGet, "/api/table", nil, &all); err != nil {
		return nil, err
	}
	tables := all[:0]
	for _, t := range all {
		if t.DatabaseID == databaseID {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func (c *metabaseClient) ListFields(ctx context.Context, databaseID int64) ([]Field, error) {
	var fields []Field
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/database/%d/fields", databaseID), nil, &fields)
	return fields, err
}

// CopyCollectionTree copies collection sourceID, with its cards, dashboards
// and sub-collections, as a new child of destParentID.
func (c *metabaseClient) CopyCollectionTree(ctx context.Context, sourceID, destParentID int64) error {
	return c.copyTree(ctx, sourceID, destParentID, make(map[int64]bool))
}

func (c *metabaseClient) copyTree(ctx context.Context, sourceID, destParentID int64, created map[int64]bool) error {
	src, err := c.GetCollection(ctx, sourceID)
	if err != nil {
		return err
	}
	// Listed before the copy exists, so copying under a descendant cannot recurse into itself.
	items, err := c.ListCollectionItems(ctx, sourceID)
	if err != nil {
		return err
	}

	var dst Collection
	body := map[string]any{"name": src.Name, "parent_id": destParentID}
	if err := c.do(ctx, http.MethodPost, "/api/collection", body, &dst); err != nil {
		return fmt.Errorf("create collection %q: %w", src.Name, err)
	}
	created[dst.ID] = true
	c.logger.Debug("collection copied", zap.Int64("source_id", sourceID), zap.Int64("collection_id", dst.ID))

	for _, item := range items {
		if created[item.ID] && item.Kind == ItemCollection {
			continue
		}
		switch item.Kind {
		case ItemCard:
			card, err := c.GetCard(ctx, item.ID)
			if err != nil {
				return err
			}
			card.CollectionID = &dst.ID
			if err := c.do(ctx, http.MethodPost, "/api/card", card, nil); err != nil {
				return fmt.Errorf("copy card %d: %w", item.ID, err)
			}
		case ItemDashboard:
			body := map[string]any{"collection_id": dst.ID, "name": item.Name, "is_deep_copy": false}
			if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/dashboard/%d/copy", item.ID), body, nil); err != nil {
				return fmt.Errorf("copy dashboard %d: %w", item.ID, err)
			}
		case ItemCollection:
			if err := c.copyTree(ctx, item.ID, dst.ID, created); err != nil {
				return err
			}
		default:
			c.logger.Warn("item not copied", zap.String("kind", item.Kind), zap.Int64("id", item.ID), zap.String("name", item.Name))
		}
	}
	return nil
}

// --- transport ---

func (c *metabaseClient) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = marshalLiteral(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	if method != http.MethodGet {
		return c.doAuthenticated(ctx, method, path, payload, result)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackOff(), uint64(max(c.maxRetries, 0))),
		ctx,
	)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.doAuthenticated(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Debug("request failed, retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, b)
}

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	return b
}

// doAuthenticated sends one request, logging in first when needed. A 401 on
// a session token triggers exactly one re-login.
func (c *metabaseClient) doAuthenticated(ctx context.Context, method, path string, payload []byte, result any) error {
	err := c.send(ctx, method, path, payload, result)
	var apiErr *APIError
	if c.creds.APIKey == "" && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.mu.Lock()
		c.session = ""
		c.mu.Unlock()
		return c.send(ctx, method, path, payload, result)
	}
	return err
}

func (c *metabaseClient) send(ctx context.Context, method, path string, payload []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("metabase request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Message: apiErrorMessage(data)}
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// apiErrorMessage extracts a readable message from a Metabase error body,
// which is either {"message": ...}, {"errors": {...}} or plain text.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if len(parsed.Errors) > 0 {
			return string(parsed.Errors)
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

func (c *metabaseClient) authorize(ctx context.Context, req *http.Request) error {
	if c.creds.APIKey != "" {
		req.Header.Set("X-API-KEY", c.creds.APIKey)
		return nil
	}
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("X-Metabase-Session", token)
	return nil
}

func (c *metabaseClient) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != "" {
		return c.session, nil
	}

	payload, err := json.Marshal(map[string]string{"username": c.creds.User, "password": c.creds.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("login: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{Status: resp.StatusCode, Method: http.MethodPost, Path: "/api/session", Message: apiErrorMessage(data)}
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &session); err != nil || session.ID == "" {
		return "", fmt.Errorf("login: unexpected session response")
	}
	c.session = session.ID
	c.logger.Debug("metabase session opened", zap.String("user", c.creds.User))
	return c.session, nil
}
