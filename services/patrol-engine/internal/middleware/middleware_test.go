package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
)

func sign(t *testing.T, secret, issuer string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "supervisor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sup-1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newRouter(cfg config.SecurityConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logging(zap.NewNop()), Metrics(metrics.NewCollector(prometheus.NewRegistry())), Auth(cfg))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextSubject))
	})
	return r
}

func TestAuth(t *testing.T) {
	cfg := config.SecurityConfig{EnableAuthentication: true, JWTSecret: "s3cret", JWTIssuer: "patrol-engine"}
	router := newRouter(cfg)

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "Missing Token", status: http.StatusUnauthorized},
		{name: "Valid Bearer", header: "Bearer " + sign(t, "s3cret", "patrol-engine", time.Now().Add(time.Hour)), status: http.StatusOK, body: "sup-1"},
		{name: "Query Token", query: "?token=" + sign(t, "s3cret", "patrol-engine", time.Now().Add(time.Hour)), status: http.StatusOK, body: "sup-1"},
		{name: "Wrong Secret", header: "Bearer " + sign(t, "other", "patrol-engine", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "Wrong Issuer", header: "Bearer " + sign(t, "s3cret", "someone-else", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "Expired", header: "Bearer " + sign(t, "s3cret", "patrol-engine", time.Now().Add(-time.Minute)), status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	router := newRouter(config.SecurityConfig{})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS())
	r.POST("/api/v1/scans", func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/scans", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
