package httpapi

import (
	"net/http"
	"testing"
	"time"
)

func TestClaimsFromPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := float64(now.Add(time.Hour).Unix())

	tests := []struct {
		name       string
		payload    map[string]any
		wantStatus int
		wantScopes int
	}{
		{
			name:       "list audience and space separated scopes",
			payload:    map[string]any{"agent_name": " Worker1 ", "exp": future, "aud": []any{"other", tokenAudience}, "scopes": "contacts:read contacts:write"},
			wantScopes: 2,
		},
		{
			name:       "missing agent",
			payload:    map[string]any{"exp": future, "aud": tokenAudience, "scopes": []any{ScopeRead}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired",
			payload:    map[string]any{"agent_name": "w", "exp": float64(now.Unix()), "aud": tokenAudience, "scopes": []any{ScopeRead}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "foreign audience",
			payload:    map[string]any{"agent_name": "w", "exp": future, "aud": []any{"relay"}, "scopes": []any{ScopeRead}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no scopes",
			payload:    map[string]any{"agent_name": "w", "exp": future, "aud": tokenAudience},
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, authErr := claimsFromPayload(tt.payload, now)
			if tt.wantStatus != 0 {
				if authErr == nil || authErr.status != tt.wantStatus {
					t.Fatalf("expected status %d, got %+v", tt.wantStatus, authErr)
				}
				return
			}
			if authErr != nil {
				t.Fatalf("unexpected error: %v", authErr)
			}
			if claims.AgentName != "Worker1" || len(claims.Scopes) != tt.wantScopes {
				t.Fatalf("unexpected claims: %+v", claims)
			}
		})
	}
}

func TestVerifyHS256RejectsMalformedTokens(t *testing.T) {
	valid := mustTestJWT(t, testSecret, "Worker1", []string{ScopeRead}, time.Now().Add(time.Hour))
	for _, token := range []string{"", "a.b", "a.b.c.d", valid + "x", "!!!" + valid[3:]} {
		if _, authErr := verifyHS256(token, testSecret); authErr == nil || authErr.status != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %+v", token, authErr)
		}
	}
	if _, authErr := verifyHS256(valid, testSecret); authErr != nil {
		t.Fatalf("expected valid token accepted, got %v", authErr)
	}
}
