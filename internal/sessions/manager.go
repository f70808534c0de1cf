// Package sessions keeps one rtm.Client per authorized team and routes
// Events API deliveries to it.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/slackrelay/internal/eventsapi"
	"github.com/agentworkforce/slackrelay/internal/rtm"
	"github.com/agentworkforce/slackrelay/internal/webapi"
)

var (
	ErrInvalidToken       = errors.New("sessions: empty token")
	ErrOAuthNotConfigured = errors.New("sessions: oauth client credentials not configured")
)

// Mode picks how a team's state is kept current. ModeRTM opens a socket
// per team. ModeEvents loads the snapshot once and applies Events API
// deliveries, so no socket is held.
type Mode string

const (
	ModeRTM    Mode = "rtm"
	ModeEvents Mode = "events"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeRTM:
		return ModeRTM, nil
	case ModeEvents:
		return ModeEvents, nil
	}
	return "", fmt.Errorf("unknown session mode %q", raw)
}

// API is the slice of the Web API a session needs. *webapi.Client
// satisfies it.
type API interface {
	rtm.SessionStarter
	AuthTest(ctx context.Context) (webapi.AuthTestResponse, error)
}

type OAuthExchanger interface {
	OAuthAccess(ctx context.Context, clientID, clientSecret, code, redirectURI string) (webapi.OAuthResponse, error)
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type ManagerOptions struct {
	Mode           Mode
	ConnectOptions rtm.ConnectOptions
	// ClientOptions is used for every team's client. Its Logger gains a
	// team field per client.
	ClientOptions rtm.ClientOptions
	WebAPI        webapi.Options
	OAuth         OAuthConfig
	Logger        *zap.Logger
	// NewAPI builds the Web API client for a token. Defaults to
	// webapi.NewClient with WebAPI.
	NewAPI func(token string) API
	// Exchanger performs the OAuth code exchange. Defaults to a tokenless
	// webapi client.
	Exchanger OAuthExchanger
	// OnClient runs before a new client connects, so listeners set there
	// see the first Connected notification.
	OnClient func(teamID string, c *rtm.Client)
}

// Team describes one authorized session.
type Team struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	BotID        string    `json:"botId,omitempty"`
	Mode         Mode      `json:"mode"`
	Connected    bool      `json:"connected"`
	AuthorizedAt time.Time `json:"authorizedAt"`
}

type session struct {
	team   Team
	client *rtm.Client
}

type Manager struct {
	mode      Mode
	connect   rtm.ConnectOptions
	clientOpt rtm.ClientOptions
	oauth     OAuthConfig
	logger    *zap.Logger
	newAPI    func(token string) API
	exchanger OAuthExchanger
	onClient  func(teamID string, c *rtm.Client)

	mu     sync.RWMutex
	closed bool
	teams  map[string]*session
}

func NewManager(opts ManagerOptions) *Manager {
	mode := opts.Mode
	if mode == "" {
		mode = ModeRTM
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	apiOpts := opts.WebAPI
	if apiOpts.Logger == nil {
		apiOpts.Logger = logger
	}
	newAPI := opts.NewAPI
	if newAPI == nil {
		newAPI = func(token string) API { return webapi.NewClient(token, apiOpts) }
	}
	exchanger := opts.Exchanger
	if exchanger == nil {
		exchanger = webapi.NewClient("", apiOpts)
	}
	return &Manager{
		mode:      mode,
		connect:   opts.ConnectOptions,
		clientOpt: opts.ClientOptions,
		oauth:     opts.OAuth,
		logger:    logger,
		newAPI:    newAPI,
		exchanger: exchanger,
		onClient:  opts.OnClient,
		teams:     map[string]*session{},
	}
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// Authorize identifies the token's team, starts its session and makes it
// the team's current one. A previous session for the same team is
// closed after the new one is in place.
func (m *Manager) Authorize(ctx context.Context, token string) (Team, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Team{}, ErrInvalidToken
	}
	api := m.newAPI(token)
	auth, err := api.AuthTest(ctx)
	if err != nil {
		return Team{}, fmt.Errorf("auth.test: %w", err)
	}
	if strings.TrimSpace(auth.TeamID) == "" {
		return Team{}, fmt.Errorf("auth.test: response carried no team id")
	}

	clientOpts := m.clientOpt
	base := clientOpts.Logger
	if base == nil {
		base = m.logger
	}
	clientOpts.Logger = base.With(zap.String("team", auth.TeamID))
	client := rtm.NewClient(api, clientOpts)
	if m.onClient != nil {
		m.onClient(auth.TeamID, client)
	}

	if m.mode == ModeEvents {
		err = client.Bootstrap(ctx, m.connect)
	} else {
		err = client.Connect(ctx, m.connect)
	}
	if err != nil {
		client.Close()
		return Team{}, err
	}

	team := Team{
		ID:           auth.TeamID,
		Name:         auth.Team,
		UserID:       auth.UserID,
		BotID:        auth.BotID,
		Mode:         m.mode,
		AuthorizedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		return Team{}, rtm.ErrClosed
	}
	prior := m.teams[team.ID]
	m.teams[team.ID] = &session{team: team, client: client}
	m.mu.Unlock()
	if prior != nil {
		prior.client.Close()
	}
	m.logger.Info("team_authorized",
		zap.String("team", team.ID),
		zap.String("team_name", team.Name),
		zap.String("mode", string(m.mode)),
		zap.Bool("replaced", prior != nil),
	)
	team.Connected = client.Connected()
	return team, nil
}

// HandleOAuth completes an install by exchanging code and authorizing
// the granted token.
func (m *Manager) HandleOAuth(ctx context.Context, code string) (Team, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Team{}, fmt.Errorf("%w: missing oauth code", eventsapi.ErrInvalidInput)
	}
	if m.oauth.ClientID == "" || m.oauth.ClientSecret == "" {
		return Team{}, ErrOAuthNotConfigured
	}
	resp, err := m.exchanger.OAuthAccess(ctx, m.oauth.ClientID, m.oauth.ClientSecret, code, m.oauth.RedirectURL)
	if err != nil {
		return Team{}, fmt.Errorf("oauth.access: %w", err)
	}
	return m.Authorize(ctx, resp.PreferredToken())
}

func (m *Manager) Client(teamID string) *rtm.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.teams[teamID]; ok {
		return s.client
	}
	return nil
}

func (m *Manager) Team(teamID string) (Team, bool) {
	m.mu.RLock()
	s, ok := m.teams[teamID]
	m.mu.RUnlock()
	if !ok {
		return Team{}, false
	}
	team := s.team
	team.Connected = s.client.Connected()
	return team, true
}

func (m *Manager) Teams() []Team {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.teams))
	for _, s := range m.teams {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	out := make([]Team, 0, len(sessions))
	for _, s := range sessions {
		team := s.team
		team.Connected = s.client.Connected()
		out = append(out, team)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove closes and forgets a team's session. It reports whether the
// team was known.
func (m *Manager) Remove(teamID string) bool {
	m.mu.Lock()
	s, ok := m.teams[teamID]
	delete(m.teams, teamID)
	m.mu.Unlock()
	if ok {
		s.client.Close()
		m.logger.Info("team_removed", zap.String("team", teamID))
	}
	return ok
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.teams
	m.teams = map[string]*session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.client.Close()
	}
}

// Deliver applies an event_callback to its team's client. In ModeRTM the
// socket already carries the same events, so deliveries are acknowledged
// without being applied.
func (m *Manager) Deliver(ctx context.Context, env eventsapi.Envelope) error {
	if env.Type != eventsapi.TypeEventCallback || env.Event == nil {
		return nil
	}
	client := m.Client(env.TeamID)
	if client == nil {
		return fmt.Errorf("%w: %s", eventsapi.ErrUnknownTeam, env.TeamID)
	}
	if m.mode != ModeEvents {
		m.logger.Debug("envelope_skipped",
			zap.String("team", env.TeamID),
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType()),
		)
		return nil
	}
	if err := client.Apply(ctx, env.Event); err != nil {
		return fmt.Errorf("apply %s: %w", env.EventID, err)
	}
	return nil
}
