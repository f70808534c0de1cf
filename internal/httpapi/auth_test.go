package httpapi

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestAuthorizeBearer(t *testing.T) {
	now := time.Unix(1700000000, 0)
	valid := mustTestJWT(t, testJWTSecret, "T1", "Worker1", []string{"state:read"}, now.Add(time.Hour))

	claims, err := authorizeBearer("Bearer "+valid, testJWTSecret, "T1", "state:read", now)
	if err != nil {
		t.Fatalf("expected token accepted, got %v", err)
	}
	if claims.AgentName != "Worker1" || !claims.hasScope("state:read") {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	parts := strings.Split(valid, ".")
	noneAlg := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + "." + parts[1] + "." + parts[2]

	cases := []struct {
		name   string
		header string
		team   string
		scope  string
		status int
	}{
		{"missing prefix", valid, "T1", "state:read", 401},
		{"malformed", "Bearer abc.def", "T1", "state:read", 401},
		{"unsigned algorithm", "Bearer " + noneAlg, "T1", "state:read", 401},
		{"wrong secret", "Bearer " + mustTestJWT(t, "other-secret", "T1", "Worker1", []string{"state:read"}, now.Add(time.Hour)), "T1", "state:read", 401},
		{"missing agent", "Bearer " + mustTestJWT(t, testJWTSecret, "T1", "", []string{"state:read"}, now.Add(time.Hour)), "T1", "state:read", 401},
		{"expired", "Bearer " + mustTestJWT(t, testJWTSecret, "T1", "Worker1", []string{"state:read"}, now), "T1", "state:read", 401},
		{"other team", "Bearer " + valid, "T2", "state:read", 403},
		{"missing scope", "Bearer " + valid, "T1", "messages:write", 403},
	}
	for _, tc := range cases {
		if _, err := authorizeBearer(tc.header, testJWTSecret, tc.team, tc.scope, now); err == nil || err.status != tc.status {
			t.Fatalf("%s: expected status %d, got %v", tc.name, tc.status, err)
		}
	}
}
