package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentworkforce/slackrelay/internal/slack"
)

type RTMStartOptions struct {
	SimpleLatest bool
	NoUnreads    bool
	MPIMAware    bool
}

// RTMStartResponse carries the socket URL and the raw session snapshot
// (team, self, users, channels, groups, mpims, ims, bots, subteams, dnd).
type RTMStartResponse struct {
	URL      string
	Snapshot map[string]any
}

func (c *Client) StartRTM(ctx context.Context, opts RTMStartOptions) (RTMStartResponse, error) {
	params := url.Values{}
	boolParam(params, "simple_latest", opts.SimpleLatest)
	boolParam(params, "no_unreads", opts.NoUnreads)
	boolParam(params, "mpim_aware", opts.MPIMAware)
	var raw map[string]any
	if err := c.call(ctx, "rtm.start", params, &raw); err != nil {
		return RTMStartResponse{}, err
	}
	socketURL := slack.Str(raw, "url")
	if socketURL == "" {
		return RTMStartResponse{}, &APIError{Method: "rtm.start", Code: "missing_url"}
	}
	return RTMStartResponse{URL: socketURL, Snapshot: raw}, nil
}

type AuthTestResponse struct {
	URL    string `json:"url"`
	Team   string `json:"team"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id,omitempty"`
}

func (c *Client) AuthTest(ctx context.Context) (AuthTestResponse, error) {
	var out AuthTestResponse
	err := c.call(ctx, "auth.test", nil, &out)
	return out, err
}

type PostMessageOptions struct {
	ThreadTS  string
	AsUser    bool
	Username  string
	IconEmoji string
	LinkNames bool
}

type PostMessageResponse struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (c *Client) PostMessage(ctx context.Context, channel, text string, opts PostMessageOptions) (PostMessageResponse, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return PostMessageResponse{}, fmt.Errorf("channel is required")
	}
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("text", text)
	if opts.ThreadTS != "" {
		params.Set("thread_ts", opts.ThreadTS)
	}
	if opts.Username != "" {
		params.Set("username", opts.Username)
	}
	if opts.IconEmoji != "" {
		params.Set("icon_emoji", opts.IconEmoji)
	}
	boolParam(params, "as_user", opts.AsUser)
	boolParam(params, "link_names", opts.LinkNames)
	var out PostMessageResponse
	err := c.call(ctx, "chat.postMessage", params, &out)
	return out, err
}

// ItemRef names the target of reaction, pin and star calls. Set
// Channel+Timestamp for a message, File for a file, or FileComment.
type ItemRef struct {
	Channel     string
	Timestamp   string
	File        string
	FileComment string
}

func (r ItemRef) params() url.Values {
	params := url.Values{}
	if r.Channel != "" {
		params.Set("channel", r.Channel)
	}
	if r.Timestamp != "" {
		params.Set("timestamp", r.Timestamp)
	}
	if r.File != "" {
		params.Set("file", r.File)
	}
	if r.FileComment != "" {
		params.Set("file_comment", r.FileComment)
	}
	return params
}

func (c *Client) AddReaction(ctx context.Context, name string, item ItemRef) error {
	params := item.params()
	params.Set("name", name)
	return c.call(ctx, "reactions.add", params, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, name string, item ItemRef) error {
	params := item.params()
	params.Set("name", name)
	return c.call(ctx, "reactions.remove", params, nil)
}

func (c *Client) AddPin(ctx context.Context, item ItemRef) error {
	return c.call(ctx, "pins.add", item.params(), nil)
}

func (c *Client) RemovePin(ctx context.Context, item ItemRef) error {
	return c.call(ctx, "pins.remove", item.params(), nil)
}

func (c *Client) AddStar(ctx context.Context, item ItemRef) error {
	return c.call(ctx, "stars.add", item.params(), nil)
}

func (c *Client) RemoveStar(ctx context.Context, item ItemRef) error {
	return c.call(ctx, "stars.remove", item.params(), nil)
}

type ConversationsPage struct {
	Channels   []*slack.Channel
	NextCursor string
}

func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (ConversationsPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	params.Set("types", "public_channel,private_channel,mpim,im")
	var raw map[string]any
	if err := c.call(ctx, "conversations.list", params, &raw); err != nil {
		return ConversationsPage{}, err
	}
	page := ConversationsPage{
		NextCursor: slack.Str(slack.Object(raw, "response_metadata"), "next_cursor"),
	}
	for _, obj := range slack.Objects(raw, "channels") {
		if ch := slack.NewChannel(obj); ch != nil && ch.ID != "" {
			page.Channels = append(page.Channels, ch)
		}
	}
	return page, nil
}

func (c *Client) UserInfo(ctx context.Context, userID string) (*slack.User, error) {
	params := url.Values{}
	params.Set("user", userID)
	var raw map[string]any
	if err := c.call(ctx, "users.info", params, &raw); err != nil {
		return nil, err
	}
	user := slack.NewUser(slack.Object(raw, "user"))
	if user == nil || user.ID == "" {
		return nil, &APIError{Method: "users.info", Code: "user_not_found"}
	}
	return user, nil
}

type OAuthResponse struct {
	AccessToken    string `json:"access_token"`
	Scope          string `json:"scope"`
	UserID         string `json:"user_id"`
	TeamID         string `json:"team_id"`
	TeamName       string `json:"team_name"`
	BotUserID      string `json:"-"`
	BotAccessToken string `json:"-"`
}

// PreferredToken returns the bot token when the install granted one,
// falling back to the user token.
func (r OAuthResponse) PreferredToken() string {
	if r.BotAccessToken != "" {
		return r.BotAccessToken
	}
	return r.AccessToken
}

// OAuthAccess exchanges a temporary OAuth code. It authenticates with
// the app's client credentials rather than a token.
func (c *Client) OAuthAccess(ctx context.Context, clientID, clientSecret, code, redirectURI string) (OAuthResponse, error) {
	params := url.Values{}
	params.Set("code", code)
	if redirectURI != "" {
		params.Set("redirect_uri", redirectURI)
	}
	var raw json.RawMessage
	if err := c.callWith(ctx, "oauth.access", params, &raw, callOptions{basicUser: clientID, basicPass: clientSecret}); err != nil {
		return OAuthResponse{}, err
	}
	var out OAuthResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return OAuthResponse{}, err
	}
	var bot struct {
		Bot struct {
			BotUserID      string `json:"bot_user_id"`
			BotAccessToken string `json:"bot_access_token"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(raw, &bot); err == nil {
		out.BotUserID = bot.Bot.BotUserID
		out.BotAccessToken = bot.Bot.BotAccessToken
	}
	return out, nil
}
