// Package httpapi implements the backend collaborator over the hosted
// REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/backend"
	"github.com/placepin/pincache/internal/model"
)

// NewOutbound builds the tuned HTTP client used for upstream calls.
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   15 * time.Second,
	}
}

type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	logger zerolog.Logger
}

var _ backend.Interface = (*Client)(nil)

func New(baseURL, token string, hc *http.Client, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if hc == nil {
		hc = NewOutbound()
	}
	return &Client{base: u, http: hc, token: token, logger: logger}, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend call failed")
		return fmt.Errorf("%w: %s %s: %v", backend.ErrTransient, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("backend call")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", backend.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", backend.ErrForbidden, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", backend.ErrTransient, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("backend rejected %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) FetchPinsInBounds(ctx context.Context, b model.Bounds) ([]model.Pin, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("bbox", b.String())
	var pins []model.Pin
	if err := c.do(ctx, http.MethodGet, "/pins", q, nil, &pins); err != nil {
		return nil, err
	}
	return pins, nil
}

func (c *Client) FetchComments(ctx context.Context, pinID string) ([]model.Comment, error) {
	var comments []model.Comment
	if err := c.do(ctx, http.MethodGet, "/pins/"+url.PathEscape(pinID)+"/comments", nil, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *Client) FetchCommentsBatch(ctx context.Context, pinIDs []string) (map[string][]model.Comment, error) {
	if len(pinIDs) == 0 {
		return map[string][]model.Comment{}, nil
	}
	req := struct {
		PinIDs []string `json:"pin_ids"`
	}{PinIDs: pinIDs}
	out := make(map[string][]model.Comment, len(pinIDs))
	if err := c.do(ctx, http.MethodPost, "/comments/batch", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePin(ctx context.Context, req backend.CreatePin) (model.Pin, error) {
	var pin model.Pin
	if err := c.do(ctx, http.MethodPost, "/pins", nil, req, &pin); err != nil {
		return model.Pin{}, err
	}
	return pin, nil
}

func (c *Client) DeletePin(ctx context.Context, pinID string) error {
	return c.do(ctx, http.MethodDelete, "/pins/"+url.PathEscape(pinID), nil, nil, nil)
}

func (c *Client) AddComment(ctx context.Context, pinID, text string, photo *model.PhotoMeta) (model.Comment, error) {
	req := struct {
		Text  string           `json:"text"`
		Photo *model.PhotoMeta `json:"photo,omitempty"`
	}{Text: text, Photo: photo}
	var comment model.Comment
	if err := c.do(ctx, http.MethodPost, "/pins/"+url.PathEscape(pinID)+"/comments", nil, req, &comment); err != nil {
		return model.Comment{}, err
	}
	return comment, nil
}

func (c *Client) EditComment(ctx context.Context, commentID, text string, photo *model.PhotoMeta) error {
	req := struct {
		Text  string           `json:"text"`
		Photo *model.PhotoMeta `json:"photo,omitempty"`
	}{Text: text, Photo: photo}
	return c.do(ctx, http.MethodPatch, "/comments/"+url.PathEscape(commentID), nil, req, nil)
}

func (c *Client) DeleteComment(ctx context.Context, commentID string) (backend.DeleteCommentResult, error) {
	var res backend.DeleteCommentResult
	if err := c.do(ctx, http.MethodDelete, "/comments/"+url.PathEscape(commentID), nil, nil, &res); err != nil {
		return backend.DeleteCommentResult{}, err
	}
	return res, nil
}

func (c *Client) VoteOnComment(ctx context.Context, commentID string, value int) error {
	if value < -1 || value > 1 {
		return fmt.Errorf("vote value must be -1, 0 or 1, got %d", value)
	}
	req := struct {
		Value int `json:"value"`
	}{Value: value}
	return c.do(ctx, http.MethodPut, "/comments/"+url.PathEscape(commentID)+"/vote", nil, req, nil)
}
