package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/slackrelay/internal/eventsapi"
	"github.com/agentworkforce/slackrelay/internal/logging"
	"github.com/agentworkforce/slackrelay/internal/rtm"
	"github.com/agentworkforce/slackrelay/internal/sessions"
	"github.com/agentworkforce/slackrelay/internal/slack"
)

const defaultAuthorizeURL = "https://slack.com/oauth/authorize"

type ServerConfig struct {
	SigningSecret      string
	MaxSkew            time.Duration
	JWTSecret          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	// OAuthClientID enables GET /slack/install. When set, the callback
	// only accepts state values the install route issued.
	OAuthClientID     string
	OAuthScopes       []string
	OAuthAuthorizeURL string
	// OAuthRedirectURL is where the browser lands after a successful
	// install. Empty answers with the team as JSON.
	OAuthRedirectURL string
	OAuthStateTTL    time.Duration
}

type Deps struct {
	Sessions   *sessions.Manager
	Dispatcher *eventsapi.Dispatcher
	// Validator defaults to eventsapi.NewValidator.
	Validator *eventsapi.Validator
	// Gatherer backs /metrics. Defaults to the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	sessions   *sessions.Manager
	dispatcher *eventsapi.Dispatcher
	validator  *eventsapi.Validator
	metrics    http.Handler
	logger     *zap.Logger
	cfg        ServerConfig
	limiter    *limiterPool
	now        func() time.Time

	replayMu   sync.Mutex
	replaySeen map[string]time.Time

	stateMu     sync.Mutex
	oauthStates map[string]time.Time
}

func NewServer(deps Deps, cfg ServerConfig) (*Server, error) {
	if deps.Sessions == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("httpapi: sessions and dispatcher are required")
	}
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = "dev-signing-secret"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.OAuthAuthorizeURL == "" {
		cfg.OAuthAuthorizeURL = defaultAuthorizeURL
	}
	if cfg.OAuthStateTTL <= 0 {
		cfg.OAuthStateTTL = 10 * time.Minute
	}
	validator := deps.Validator
	if validator == nil {
		v, err := eventsapi.NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions:    deps.Sessions,
		dispatcher:  deps.Dispatcher,
		validator:   validator,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:      logger,
		cfg:         cfg,
		limiter:     newLimiterPool(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		now:         time.Now,
		replaySeen:  map[string]time.Time{},
		oauthStates: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("incoming_request", logging.RequestFields(r)...)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"teams":      len(s.sessions.Teams()),
			"queueDepth": s.dispatcher.Depth(),
		})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/slack/events" && r.Method == http.MethodPost:
		s.handleSlackEvents(w, r)
		return
	case r.URL.Path == "/slack/install" && r.Method == http.MethodGet:
		s.handleInstall(w, r)
		return
	case r.URL.Path == "/slack/oauth" && r.Method == http.MethodGet:
		s.handleOAuth(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "teams" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	teamID := parts[2]

	var requiredScope, route string
	switch {
	case parts[3] == "state" && r.Method == http.MethodGet:
		requiredScope, route = "state:read", "state"
	case parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope, route = "messages:write", "send_message"
	case parts[3] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope, route = "state:read", "dead_letters"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := correlationIDOrNew(r)
	now := s.now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, teamID, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.limiter.allow(teamID+"|"+claims.AgentName, now) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "state":
		s.handleTeamState(w, teamID, correlationID)
	case "send_message":
		s.handleSendMessage(w, r, teamID, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, teamID)
	}
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDOrNew(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now().UTC()
	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if authErr := verifySlackSignature(s.cfg.SigningSecret, timestamp, signature, body, now, s.cfg.MaxSkew); authErr != nil {
		s.logger.Warn("slack_event_rejected", zap.String("reason", authErr.message), zap.String("correlation_id", correlationID))
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "slack request replay detected", correlationID)
		return
	}
	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	env, err := eventsapi.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	env.CorrelationID = correlationID

	switch env.Type {
	case eventsapi.TypeURLVerification:
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	case eventsapi.TypeAppRateLimited:
		s.logger.Warn("slack_app_rate_limited",
			zap.String("team", env.TeamID),
			zap.Int64("minute_rate_limited", env.MinuteRateLimited),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	queued, err := s.dispatcher.Ingest(env)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, queued)
	case errors.Is(err, eventsapi.ErrDuplicate):
		s.logger.Debug("slack_event_duplicate",
			zap.String("event_id", env.EventID),
			zap.String("retry_num", r.Header.Get("X-Slack-Retry-Num")),
			zap.String("retry_reason", r.Header.Get("X-Slack-Retry-Reason")),
		)
		writeJSON(w, http.StatusOK, queued)
	case errors.Is(err, eventsapi.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, eventsapi.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, eventsapi.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OAuthClientID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	state := s.issueOAuthState(s.now().UTC())
	q := url.Values{}
	q.Set("client_id", s.cfg.OAuthClientID)
	q.Set("scope", strings.Join(s.cfg.OAuthScopes, ","))
	q.Set("state", state)
	http.Redirect(w, r, s.cfg.OAuthAuthorizeURL+"?"+q.Encode(), http.StatusFound)
}

func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDOrNew(r)
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		writeError(w, http.StatusBadRequest, "oauth_denied", denied, correlationID)
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing code", correlationID)
		return
	}
	if s.cfg.OAuthClientID != "" && !s.consumeOAuthState(q.Get("state"), s.now().UTC()) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown or expired state", correlationID)
		return
	}
	if !s.limiter.allow("oauth|"+clientIP(r), s.now().UTC()) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	team, err := s.sessions.HandleOAuth(r.Context(), code)
	if err != nil {
		s.logger.Warn("oauth_install_failed", zap.String("correlation_id", correlationID), zap.Error(err))
		switch {
		case errors.Is(err, sessions.ErrOAuthNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		case errors.Is(err, eventsapi.ErrInvalidInput), errors.Is(err, sessions.ErrInvalidToken):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusBadGateway, "oauth_exchange_failed", err.Error(), correlationID)
		}
		return
	}
	if s.cfg.OAuthRedirectURL != "" {
		http.Redirect(w, r, s.cfg.OAuthRedirectURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

type channelSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Kind        string `json:"kind"`
	IsMember    bool   `json:"isMember"`
	IsArchived  bool   `json:"isArchived"`
	Members     int    `json:"members"`
	Messages    int    `json:"messages"`
	UsersTyping int    `json:"usersTyping"`
}

type teamState struct {
	Team          *slack.Team      `json:"team"`
	Self          *slack.User      `json:"self,omitempty"`
	Mode          sessions.Mode    `json:"mode"`
	Connected     bool             `json:"connected"`
	Authenticated bool             `json:"authenticated"`
	Counts        map[string]int   `json:"counts"`
	Channels      []channelSummary `json:"channels"`
}

func channelKind(ch *slack.Channel) string {
	switch {
	case ch.IsIM:
		return "im"
	case ch.IsMPIM:
		return "mpim"
	case ch.IsGroup:
		return "group"
	default:
		return "channel"
	}
}

func (s *Server) handleTeamState(w http.ResponseWriter, teamID, correlationID string) {
	client := s.sessions.Client(teamID)
	if client == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown team", correlationID)
		return
	}
	channels := client.Channels()
	summaries := make([]channelSummary, 0, len(channels))
	for _, ch := range channels {
		summaries = append(summaries, channelSummary{
			ID:          ch.ID,
			Name:        ch.Name,
			Kind:        channelKind(ch),
			IsMember:    ch.IsMember,
			IsArchived:  ch.IsArchived,
			Members:     len(ch.Members),
			Messages:    len(ch.Messages),
			UsersTyping: len(ch.UsersTyping),
		})
	}
	writeJSON(w, http.StatusOK, teamState{
		Team:          client.Team(),
		Self:          client.Self(),
		Mode:          s.sessions.Mode(),
		Connected:     client.Connected(),
		Authenticated: client.Authenticated(),
		Counts: map[string]int{
			"users":           len(client.Users()),
			"channels":        len(channels),
			"pendingMessages": len(client.PendingMessages()),
		},
		Channels: summaries,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, teamID, correlationID string) {
	var req struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel and text are required", correlationID)
		return
	}
	client := s.sessions.Client(teamID)
	if client == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown team", correlationID)
		return
	}
	id, err := client.SendMessage(req.Channel, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "pending",
			"id":            id,
			"channel":       req.Channel,
			"correlationId": correlationID,
		})
	case errors.Is(err, rtm.ErrNotConnected), errors.Is(err, rtm.ErrClosed):
		writeError(w, http.StatusConflict, "not_connected", "team has no open rtm session", correlationID)
	case errors.Is(err, rtm.ErrSendQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, teamID string) {
	items := []eventsapi.DeadLetter{}
	for _, dl := range s.dispatcher.DeadLetters() {
		if dl.TeamID == teamID {
			items = append(items, dl)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].FailedAt.After(items[j].FailedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) issueOAuthState(now time.Time) string {
	state := uuid.NewString()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for key, expiresAt := range s.oauthStates {
		if !now.Before(expiresAt) {
			delete(s.oauthStates, key)
		}
	}
	s.oauthStates[state] = now.Add(s.cfg.OAuthStateTTL)
	return state
}

func (s *Server) consumeOAuthState(state string, now time.Time) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	expiresAt, ok := s.oauthStates[state]
	delete(s.oauthStates, state)
	return ok && now.Before(expiresAt)
}

// markReplaySeen refuses a timestamp and signature pair already accepted
// inside the skew window.
func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(timestamp) + "|" + strings.ToLower(strings.TrimSpace(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.MaxSkew)
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func correlationIDOrNew(r *http.Request) string {
	if id := getCorrelationID(r); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
