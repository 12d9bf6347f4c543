// Package api is a client for the remote card store.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/cardsync/internal/domain"
)

// Client talks to the card API over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wireCard is the card representation used by the API.
type wireCard struct {
	ID       int64  `json:"id"`
	Question string `json:"pregunta"`
	Answer   string `json:"respuesta"`
	IsActive *int   `json:"is_active,omitempty"`
	UserID   any    `json:"user_id,omitempty"`
	ClassID  any    `json:"class_id,omitempty"`
}

func (w wireCard) toDomain() domain.Card {
	return domain.Card{
		ID:       domain.CardID(w.ID),
		Question: w.Question,
		Answer:   w.Answer,
		// Cards created before archiving existed carry no flag and are active.
		Active:  w.IsActive == nil || *w.IsActive != 0,
		OwnerID: optionalString(w.UserID),
		ClassID: optionalString(w.ClassID),
	}
}

func optionalString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return fmt.Sprint(t)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type errorBody struct {
	Error string `json:"error"`
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("card api unreachable", "op", op, "error", err)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("card api error", "op", op, "status", resp.StatusCode, "error", eb.Error)
		return &StatusError{Op: op, Status: resp.StatusCode, Message: eb.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// FetchCards returns every card of the authenticated account.
func (c *Client) FetchCards(ctx context.Context) ([]domain.Card, error) {
	var wire []wireCard
	if err := c.do(ctx, "fetch cards", http.MethodGet, "/cards", nil, &wire); err != nil {
		return nil, err
	}
	cards := make([]domain.Card, 0, len(wire))
	for _, w := range wire {
		cards = append(cards, w.toDomain())
	}
	return cards, nil
}

type cardBody struct {
	Question string `json:"pregunta"`
	Answer   string `json:"respuesta"`
}

// AddCard creates a card and returns it as stored.
func (c *Client) AddCard(ctx context.Context, question, answer string) (domain.Card, error) {
	var w wireCard
	if err := c.do(ctx, "add card", http.MethodPost, "/cards", cardBody{question, answer}, &w); err != nil {
		return domain.Card{}, err
	}
	return w.toDomain(), nil
}

// UpdateCard replaces the question and answer of a card.
func (c *Client) UpdateCard(ctx context.Context, id domain.CardID, question, answer string) (domain.Card, error) {
	var w wireCard
	path := fmt.Sprintf("/cards/%d", id)
	if err := c.do(ctx, "update card", http.MethodPut, path, cardBody{question, answer}, &w); err != nil {
		return domain.Card{}, err
	}
	return w.toDomain(), nil
}

type toggleBody struct {
	IsActive int `json:"is_active"`
}

// ToggleActive immediately sets the active flag of a single card.
func (c *Client) ToggleActive(ctx context.Context, id domain.CardID, active bool) (domain.Card, error) {
	var w wireCard
	path := fmt.Sprintf("/cards/%d/toggle-archive", id)
	if err := c.do(ctx, "toggle archive", http.MethodPost, path, toggleBody{boolToInt(active)}, &w); err != nil {
		return domain.Card{}, err
	}
	if w.ID == 0 {
		w.ID = int64(id)
	}
	if w.IsActive == nil {
		v := boolToInt(active)
		w.IsActive = &v
	}
	return w.toDomain(), nil
}

type batchEntry struct {
	ID       int64 `json:"id"`
	IsActive int   `json:"is_active"`
}

type batchRequest struct {
	Updates []batchEntry `json:"updates"`
}

// BatchResult is the acknowledgement of a batch update.
type BatchResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// BatchSetActive applies every update in one request. An empty batch succeeds
// without contacting the API. A response that does not report success is
// returned as a *StatusError even if the server applied part of the batch.
func (c *Client) BatchSetActive(ctx context.Context, updates []domain.CardUpdate) (BatchResult, error) {
	if len(updates) == 0 {
		return BatchResult{Success: true}, nil
	}
	req := batchRequest{Updates: make([]batchEntry, 0, len(updates))}
	for _, u := range updates {
		req.Updates = append(req.Updates, batchEntry{ID: int64(u.ID), IsActive: boolToInt(u.Active)})
	}

	var res BatchResult
	if err := c.do(ctx, "batch archive", http.MethodPost, "/cards/batch-archive", req, &res); err != nil {
		return BatchResult{}, err
	}
	if !res.Success {
		return res, &StatusError{Op: "batch archive", Status: http.StatusOK, Message: "batch not acknowledged"}
	}
	return res, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Session is the result of a successful login.
type Session struct {
	Token string         `json:"token"`
	User  map[string]any `json:"user,omitempty"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", loginRequest{email, password}, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, name, password string) error {
	return c.do(ctx, "register", http.MethodPost, "/auth/register", registerRequest{email, name, password}, nil)
}
