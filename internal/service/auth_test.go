package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func adminRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	auth := NewAuthService(zap.NewNop(), secret)

	router := gin.New()
	router.POST("/admin/cleanup", auth.AdminMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func TestAdminMiddleware(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "cadence", AccountName: "admin"})
	require.NoError(t, err)
	router := adminRouter(key.Secret())

	// No token.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/cleanup", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/cleanup", nil)
	req.Header.Set("X-Admin-Token", "000000")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid TOTP code.
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/admin/cleanup", nil)
	req.Header.Set("X-Admin-Token", code)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminMiddlewareOpenWithoutSecret(t *testing.T) {
	router := adminRouter("")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/cleanup", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
