// Package api is the HTTP client for the room directory and history
// endpoints of the chat backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/natachat/internal/chat"
)

const DefaultTimeout = 30 * time.Second

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Detail)
}

// Tokens supplies the bearer token and is told when the backend rejects it.
type Tokens interface {
	Token() string
	Invalidate()
}

type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *fasthttp.Client
	tokens  Tokens
}

func New(baseURL string, tokens Tokens) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: DefaultTimeout,
		HTTP:    &fasthttp.Client{Name: "natachat"},
		tokens:  tokens,
	}
}

func (c *Client) Create(ctx context.Context, name string) (*chat.PersistedRoom, error) {
	var out roomDTO
	q := url.Values{"roomName": {name}}
	if err := c.do(ctx, fasthttp.MethodPost, "/chat/create-room", q, &out); err != nil {
		return nil, err
	}
	return out.room(), nil
}

func (c *Client) List(ctx context.Context) ([]*chat.PersistedRoom, error) {
	var out []roomDTO
	if err := c.do(ctx, fasthttp.MethodGet, "/chat/rooms", nil, &out); err != nil {
		return nil, err
	}
	rooms := make([]*chat.PersistedRoom, 0, len(out))
	for _, r := range out {
		rooms = append(rooms, r.room())
	}
	return rooms, nil
}

func (c *Client) Get(ctx context.Context, id string) (*chat.PersistedRoom, error) {
	var out roomDTO
	if err := c.do(ctx, fasthttp.MethodGet, "/chat/room/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.room(), nil
}

func (c *Client) Rename(ctx context.Context, id, name string) (*chat.PersistedRoom, error) {
	var out roomDTO
	q := url.Values{"new_name": {name}}
	if err := c.do(ctx, fasthttp.MethodPut, "/chat/room/"+url.PathEscape(id), q, &out); err != nil {
		return nil, err
	}
	return out.room(), nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, fasthttp.MethodDelete, "/chat/room/"+url.PathEscape(id), nil, &out); err != nil {
		return err
	}
	log.Debug().Str("component", "api").Str("room_id", id).Str("message", out.Message).Msg("room deleted")
	return nil
}

// History returns the stored exchanges of a room, oldest first.
func (c *Client) History(ctx context.Context, roomID string) ([]chat.Exchange, error) {
	var out historyDTO
	if err := c.do(ctx, fasthttp.MethodGet, "/chat/history/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, err
	}
	exchanges := make([]chat.Exchange, 0, len(out.Messages))
	for _, m := range out.Messages {
		exchanges = append(exchanges, m.exchange())
	}
	return exchanges, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	uri := c.BaseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+tok)
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.HTTP.DoDeadline(req, resp, deadline); err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}

	code := resp.StatusCode()
	if code == fasthttp.StatusUnauthorized {
		if c.tokens != nil {
			c.tokens.Invalidate()
		}
		return ErrUnauthorized
	}
	if code < 200 || code >= 300 {
		return &StatusError{Code: code, Detail: errorDetail(resp.Body())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

// errorDetail pulls the human-readable reason out of an error body: the
// "detail" or "error" field when the body is JSON, the raw text otherwise.
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				return s
			}
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
