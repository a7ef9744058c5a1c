// Package backend is the HTTP client for the request/response endpoints
// that complement the realtime channel: chat list, history pages, read
// receipts and profiles.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mheijden/linkup/internal/proto"
	"github.com/mheijden/linkup/internal/util"
)

var log = logging.Logger("backend")

// ChatEntry is one conversation as the backend lists it.
type ChatEntry struct {
	ID    string `json:"id"`
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

// Profile is the public identity record of a user.
type Profile struct {
	ID      string `json:"id"`
	Display string `json:"display"`
}

// Client talks to one backend base URL. Zero value is not usable; use New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: util.NormalizeURL(baseURL),
		http:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// Chats lists every conversation the user participates in.
func (c *Client) Chats(ctx context.Context, userID string) ([]ChatEntry, error) {
	var out []ChatEntry
	q := url.Values{"user_id": {userID}}
	if err := c.getJSON(ctx, "/api/chats?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureChat returns the conversation between the two users, creating it
// when none exists yet.
func (c *Client) EnsureChat(ctx context.Context, userA, userB string) (ChatEntry, error) {
	var out ChatEntry
	body := map[string]string{"user_a": userA, "user_b": userB}
	if err := c.postJSON(ctx, "/api/chats", body, &out); err != nil {
		return ChatEntry{}, err
	}
	return out, nil
}

// MessagePage fetches up to limit messages of the chat older than before
// (unix millis; 0 means newest). An empty page means no more history.
func (c *Client) MessagePage(ctx context.Context, chatID string, before int64, limit int) ([]proto.WireMessage, error) {
	q := url.Values{"chat_id": {chatID}, "limit": {strconv.Itoa(limit)}}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	var out []proto.WireMessage
	if err := c.getJSON(ctx, "/api/messages?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkChatRead records that readerID read the whole chat.
func (c *Client) MarkChatRead(ctx context.Context, chatID, readerID string) error {
	body := map[string]string{"reader_id": readerID}
	return c.postJSON(ctx, "/api/chats/"+url.PathEscape(chatID)+"/read", body, nil)
}

// MarkMessageRead records that readerID read one message. Satisfies the
// seen tracker's receipt interface.
func (c *Client) MarkMessageRead(ctx context.Context, messageID, readerID string) error {
	body := map[string]string{"reader_id": readerID}
	return c.postJSON(ctx, "/api/messages/"+url.PathEscape(messageID)+"/read", body, nil)
}

// UpsertProfile publishes the user's display name.
func (c *Client) UpsertProfile(ctx context.Context, userID, display string) error {
	return c.postJSON(ctx, "/api/profiles", Profile{ID: userID, Display: display}, nil)
}

// Profile fetches the public record of one user.
func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var out Profile
	if err := c.getJSON(ctx, "/api/profiles/"+url.PathEscape(userID), &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Debugf("%s %s: %d", req.Method, req.URL.Path, resp.StatusCode)
		return fmt.Errorf("%s %s: %s (%s)", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
