package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const tokenAudience = "slackrelay"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// tokenClaims is the payload of a team-scoped bearer token.
type tokenClaims struct {
	TeamID    string   `json:"team_id"`
	AgentName string   `json:"agent_name"`
	Audience  string   `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	Scopes    []string `json:"scopes"`
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

// authorizeBearer admits an HS256 token issued for teamID that grants
// requiredScope.
func authorizeBearer(authHeader, jwtSecret, teamID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret)
	if err != nil {
		return tokenClaims{}, err
	}
	switch {
	case claims.TeamID == "" || claims.AgentName == "":
		return tokenClaims{}, unauthorized("token must name a team and an agent")
	case claims.Audience != tokenAudience:
		return tokenClaims{}, unauthorized("invalid aud claim")
	case now.Unix() >= claims.ExpiresAt:
		return tokenClaims{}, unauthorized("token expired")
	case claims.TeamID != teamID:
		return tokenClaims{}, forbidden("token was issued for team " + claims.TeamID)
	case !claims.hasScope(requiredScope):
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// parseBearer verifies the signature of "Bearer <header>.<claims>.<sig>"
// and decodes the claims. Validation of the claims is left to the caller.
func parseBearer(authHeader, jwtSecret string) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segments[0], &header); err != nil || header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("jwt must be signed with HS256")
	}
	sig, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(segments[0] + "." + segments[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}
	var claims tokenClaims
	if err := decodeSegment(segments[1], &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt claims")
	}
	return claims, nil
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// verifySlackSignature checks X-Slack-Signature, which is
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
// The timestamp is unix seconds and must sit within maxSkew of now.
func verifySlackSignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing slack signature headers"}
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid slack request timestamp"}
	}
	delta := now.Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "slack request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte("v0:" + timestamp + ":"))
	_, _ = mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "slack signature mismatch"}
	}
	return nil
}
