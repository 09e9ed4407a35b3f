package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsletter/pkg/rbac"
	"newsletter/pkg/trace"
	"newsletter/pkg/util"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	userID := uuid.New()
	valid, err := util.GenerateJWT(util.Identity{UserID: userID, Role: "operator"}, "secret", time.Hour)
	require.NoError(t, err)
	forged, err := util.GenerateJWT(util.Identity{UserID: userID, Role: "operator"}, "other", time.Hour)
	require.NoError(t, err)

	var (
		seen     uuid.UUID
		seenRole string
	)
	r := gin.New()
	r.Use(AuthMiddleware("secret"))
	r.GET("/me", func(c *gin.Context) {
		seen = c.MustGet("user_id").(uuid.UUID)
		seenRole = c.GetString("role")
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"forged", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, userID, seen)
	assert.Equal(t, "operator", seenRole)
}

func TestRequirePermission(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		role any
		want int
	}{
		{"no role", nil, http.StatusUnauthorized},
		{"unknown role", "guest", http.StatusForbidden},
		{"operator denied", rbac.RoleOperator, http.StatusForbidden},
		{"admin allowed", rbac.RoleAdmin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(func(c *gin.Context) {
				if tt.role != nil {
					c.Set("role", tt.role)
				}
			})
			r.POST("/replay", RequirePermission(rbac.PermissionReplayOutbox), func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/replay", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTraceIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var inHandler string
	r := gin.New()
	r.Use(TraceIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		inHandler = trace.FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(trace.HeaderName, "abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc123", inHandler)
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, inHandler, 32)
	assert.Equal(t, inHandler, w.Header().Get(trace.HeaderName))
}
