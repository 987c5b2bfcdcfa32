// Package strava talks to the Strava v3 API on behalf of connected users:
// OAuth code exchange and refresh, paginated activity listing, activity
// detail fetches, and self-throttling against the published rate limits.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"example.com/activitysync/internal/domain"
)

const (
	maxAttempts  = 3
	maxBodyBytes = 8 << 20
)

// Config captures provider endpoints and credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
	PageSize     int
	MaxPages     int
	HTTPTimeout  time.Duration
}

// TokenStore persists refreshed credentials.
type TokenStore interface {
	UpdateToken(ctx context.Context, email string, token domain.Token) error
}

// Archive keeps a copy of raw provider payloads.
type Archive interface {
	Put(ctx context.Context, ownerEmail, activityID string, payload []byte) error
}

// Authorization is the outcome of a successful code exchange.
type Authorization struct {
	Token             domain.Token
	AthleteID         string
	FirstName         string
	LastName          string
	ProfilePictureURL string
}

// Option configures optional Client behaviour.
type Option func(*Client)

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client used for API and token calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithArchive stores every fetched activity payload.
func WithArchive(archive Archive) Option {
	return func(c *Client) {
		c.archive = archive
	}
}

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is the remote activity source.
type Client struct {
	cfg      Config
	oauth    oauth2.Config
	tokens   TokenStore
	throttle *Throttle
	http     *http.Client
	archive  Archive
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Client sharing the given throttle.
func New(cfg Config, tokens TokenStore, throttle *Throttle, opts ...Option) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	c := &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens:   tokens,
		throttle: throttle,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeURL returns the provider consent page for the connect flow.
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// ExchangeCode trades an authorization code for the athlete's token triple.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Authorization, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("strava: exchange code: %w", err)
	}

	auth := &Authorization{Token: toDomainToken(tok)}
	if athlete, ok := tok.Extra("athlete").(map[string]interface{}); ok {
		if id, ok := athlete["id"].(float64); ok {
			auth.AthleteID = strconv.FormatInt(int64(id), 10)
		}
		auth.FirstName, _ = athlete["firstname"].(string)
		auth.LastName, _ = athlete["lastname"].(string)
		auth.ProfilePictureURL, _ = athlete["profile"].(string)
	}
	return auth, nil
}

// RefreshTokenIfExpired exchanges the refresh token when the access token
// has expired, persists the new triple, then updates user in place.
func (c *Client) RefreshTokenIfExpired(ctx context.Context, user *domain.User) error {
	if !user.Token.Expired(c.now()) {
		return nil
	}
	c.logger.Debug("access token expired", slog.String("user", user.Email))

	source := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: user.Token.RefreshToken})
	tok, err := source.Token()
	if err != nil {
		tokenRefreshCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	token := toDomainToken(tok)
	if err := c.tokens.UpdateToken(ctx, user.Email, token); err != nil {
		tokenRefreshCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	user.Token = token
	tokenRefreshCounter.WithLabelValues("ok").Inc()
	return nil
}

// ActivityIDs lists every activity id of the user, in listing order.
func (c *Client) ActivityIDs(ctx context.Context, user *domain.User) ([]string, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0, c.cfg.PageSize)

	for page := 1; ; page++ {
		if page > c.cfg.MaxPages {
			return nil, ErrPaginationLimit
		}
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.cfg.PageSize)},
		}
		body, err := c.get(ctx, user, "list_activities", "/athlete/activities", query)
		if err != nil {
			return nil, err
		}

		var items []struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("strava: decode activity page %d: %w", page, err)
		}
		c.logger.Debug("activity page listed",
			slog.String("user", user.Email),
			slog.Int("page", page),
			slog.Int("count", len(items)),
		)

		for _, item := range items {
			id := strconv.FormatInt(item.ID, 10)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if len(items) < c.cfg.PageSize {
			return ids, nil
		}
	}
}

// Activity fetches one activity with its full-resolution track.
func (c *Client) Activity(ctx context.Context, user *domain.User, id string) (domain.Activity, error) {
	body, err := c.get(ctx, user, "get_activity", "/activities/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.Activity{}, err
	}

	var detail detailedActivity
	if err := json.Unmarshal(body, &detail); err != nil {
		return domain.Activity{}, fmt.Errorf("strava: decode activity %s: %w", id, err)
	}
	activity, err := detail.toDomain(user.Email)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("strava: %w", err)
	}

	if c.archive != nil {
		if err := c.archive.Put(ctx, user.Email, activity.ID, body); err != nil {
			c.logger.Warn("archive raw activity",
				slog.String("activity_id", activity.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return activity, nil
}

func (c *Client) get(ctx context.Context, user *domain.User, endpoint, path string, query url.Values) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		if err := c.RefreshTokenIfExpired(ctx, user); err != nil {
			return nil, err
		}

		target := c.cfg.APIBaseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("strava: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+user.Token.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			apiCallCounter.WithLabelValues(endpoint, "error").Inc()
			return nil, fmt.Errorf("strava: %s: %w", endpoint, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()

		now := c.now()
		c.throttle.Observe(resp.Header, now)
		apiCallCounter.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests && attempt < maxAttempts:
			c.throttle.PauseUntil(nextQuarterHour(now))
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, newAPIError(resp.StatusCode, body)
		case readErr != nil:
			return nil, fmt.Errorf("strava: read %s response: %w", endpoint, readErr)
		}
		return body, nil
	}
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func toDomainToken(tok *oauth2.Token) domain.Token {
	token := domain.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if expiresAt, ok := tok.Extra("expires_at").(float64); ok && expiresAt > 0 {
		token.ExpiresAt = time.Unix(int64(expiresAt), 0).UTC()
	}
	return token
}

// IsThrottled reports whether err is the provider refusing calls for rate limits.
func IsThrottled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
