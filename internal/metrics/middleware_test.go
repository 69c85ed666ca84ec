package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/v1/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	t.Run("matched route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/v1/snapshot", nil)

		assert.NotPanics(t, func() {
			router.ServeHTTP(rec, req)
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unmatched route uses fixed label", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/nope/12345", nil)

		assert.NotPanics(t, func() {
			router.ServeHTTP(rec, req)
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
