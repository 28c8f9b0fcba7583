package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID, secret string, expiresAt time.Time) string {
	t.Helper()

	claims := JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseUserID(t *testing.T) {
	token := signToken(t, "alice", testSecret, time.Now().Add(time.Hour))

	userID, err := ParseUserID(token, testSecret)
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if userID != "alice" {
		t.Errorf("expected alice, got %q", userID)
	}
}

func TestParseUserIDRejectsBadTokens(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, "alice", "other-secret", time.Now().Add(time.Hour))},
		{"expired", signToken(t, "alice", testSecret, time.Now().Add(-time.Hour))},
		{"empty user id", signToken(t, "", testSecret, time.Now().Add(time.Hour))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseUserID(tc.token, testSecret); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/protected", JWTAuth(testSecret), func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})

	do := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	valid := signToken(t, "alice", testSecret, time.Now().Add(time.Hour))

	if w := do("Bearer " + valid); w.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", w.Code)
	}
	if w := do(""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing header: expected 401, got %d", w.Code)
	}
	if w := do("Token " + valid); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: expected 401, got %d", w.Code)
	}
	if w := do("Bearer bogus"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}
}
