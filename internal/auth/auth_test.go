package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"cctv-attendance/internal/auth"
)

const (
	key    = "test-key"
	issuer = "test-issuer"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := auth.Issue("CAM-1", auth.RoleCamera, issuer, key, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := auth.Parse(tokens.AccessToken, key, issuer)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "CAM-1" || claims.Role != auth.RoleCamera {
		t.Errorf("claims = %+v, want CAM-1 camera", claims)
	}

	refresh, err := auth.Parse(tokens.RefreshToken, key, issuer)
	if err != nil {
		t.Fatalf("Parse(refresh) error = %v", err)
	}
	if claims.Type != auth.TokenAccess || refresh.Type != auth.TokenRefresh {
		t.Errorf("Type = %q/%q, want access/refresh", claims.Type, refresh.Type)
	}

	if _, err := auth.Parse(tokens.AccessToken, "other-key", issuer); err == nil {
		t.Error("Parse() with wrong key error = nil")
	}
	if _, err := auth.Parse(tokens.AccessToken, key, "other-issuer"); err == nil {
		t.Error("Parse() with wrong issuer error = nil")
	}
}

func TestParseExpired(t *testing.T) {
	tokens, err := auth.Issue("CAM-1", auth.RoleCamera, issuer, key, -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := auth.Parse(tokens.AccessToken, key, issuer); err == nil {
		t.Error("Parse() of expired token error = nil")
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/reviews", auth.Authenticate(key, issuer), auth.RequireRole(auth.RoleReviewer), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	token := func(role string) string {
		tp, err := auth.Issue("user-1", role, issuer, key, time.Minute, time.Hour)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		return "Bearer " + tp.AccessToken
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"camera", token(auth.RoleCamera), http.StatusForbidden},
		{"reviewer", token(auth.RoleReviewer), http.StatusOK},
		{"admin", token(auth.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/reviews", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{auth.RoleCamera, auth.RoleReviewer, auth.RoleAdmin} {
		if !auth.ValidRole(r) {
			t.Errorf("ValidRole(%s) = false", r)
		}
	}
	if auth.ValidRole("device") {
		t.Error("ValidRole(device) = true")
	}
}

func TestAuthenticateRejectsRefreshToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/reviews", auth.Authenticate(key, issuer), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tokens, err := auth.Issue("user-1", auth.RoleAdmin, issuer, key, time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"access", tokens.AccessToken, http.StatusOK},
		{"refresh", tokens.RefreshToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/reviews", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
