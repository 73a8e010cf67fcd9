package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aymanebt/medescrow/internal/api"
)

func TestSetupRouter(t *testing.T) {
	router := api.SetupRouter(nil, "test-secret")

	t.Run("protected routes reject missing tokens", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/0", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("metrics endpoint is served without auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "http_requests_total")
	})
}
