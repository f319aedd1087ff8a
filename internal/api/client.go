// Package api talks to the chat service's HTTP endpoints that the socket
// client depends on: account lookup, conversation lookup and logout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/cai-socket/pkg/protocol"
)

// ErrUnauthorized is returned when the service rejects the token.
var ErrUnauthorized = errors.New("token rejected by service")

const userAgent = "Character.AI"

// Endpoints are the base URLs of the HTTP surfaces.
type Endpoints struct {
	Site string
	Plus string
	Neo  string
}

// Config configures a Client.
type Config struct {
	Endpoints  Endpoints
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is a thin HTTP client. Every call takes the token explicitly.
type Client struct {
	endpoints Endpoints
	client    *http.Client
	logger    zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		endpoints: cfg.Endpoints,
		client:    client,
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// User is the logged-in account.
type User struct {
	ID       string
	Username string
	Name     string
}

// ChatSummary is one entry of a recent chats listing.
type ChatSummary struct {
	ChatID      string `json:"chat_id"`
	CharacterID string `json:"character_id"`
	CreatorID   string `json:"creator_id"`
	CreateTime  string `json:"create_time"`
}

// Cookie builds the credential cookie sent on socket handshakes.
func Cookie(edgeRollout, token string) string {
	cookie := `HTTP_AUTHORIZATION="Token ` + token + `"`
	if edgeRollout != "" {
		cookie = "edge_rollout=" + edgeRollout + "; " + cookie
	}
	return cookie
}

// EdgeRollout reads the edge_rollout cookie the site hands out. An empty
// string without error means the site did not set one.
func (c *Client) EdgeRollout(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoints.Site+"/", "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "edge_rollout" {
			return cookie.Value, nil
		}
	}
	return "", nil
}

// CurrentUser returns the account owning token.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoints.Plus+"/chat/user/", token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read user response")
	}
	if resp.StatusCode == http.StatusUnauthorized || strings.TrimSpace(string(body)) == "Unauthorized" {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("user lookup failed (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		User *struct {
			User struct {
				ID       json.Number `json:"id"`
				Username string      `json:"username"`
			} `json:"user"`
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode user response")
	}
	if payload.User == nil || payload.User.User.ID == "" {
		return nil, ErrUnauthorized
	}

	return &User{
		ID:       payload.User.User.ID.String(),
		Username: payload.User.User.Username,
		Name:     payload.User.Name,
	}, nil
}

// RecentChats lists the user's recent conversations with a character, newest first.
func (c *Client) RecentChats(ctx context.Context, token, characterID string) ([]ChatSummary, error) {
	var payload struct {
		Chats []ChatSummary `json:"chats"`
	}
	if err := c.getJSON(ctx, c.endpoints.Neo+"/chats/recent/"+characterID, token, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to list recent chats")
	}
	return payload.Chats, nil
}

// Resurrect reopens an archived conversation so turns can be added to it.
func (c *Client) Resurrect(ctx context.Context, token, chatID string) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoints.Neo+"/chat/"+chatID+"/resurrect", token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read resurrect response")
	}
	if serverErr := protocol.DecodeFrame(body).ServerError(); serverErr != nil {
		return serverErr
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("resurrect failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Logout invalidates token.
func (c *Client) Logout(ctx context.Context, token string) error {
	resp, err := c.do(ctx, http.MethodPost, c.endpoints.Plus+"/chat/user/logout/", token, []byte("{}"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("logout failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url, token string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("url", url).Msg("HTTP request")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	return resp, nil
}
