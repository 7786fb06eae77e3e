package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_RecordsRequestCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("GET", "/ping", "200"))

	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("GET", "/ping", "200"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_UnmatchedRouteLabelsAsUnmatched(t *testing.T) {
	gin.SetMode(gin.TestMode)
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("GET", "unmatched", "404"))

	r := gin.New()
	r.Use(Middleware())

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	after := testutil.ToFloat64(requestsTotal.WithLabelValues("GET", "unmatched", "404"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ServesPrometheusExposition(t *testing.T) {
	gin.SetMode(gin.TestMode)
	WSConnections.Set(3)

	r := gin.New()
	r.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "axonpulse_websocket_connections 3")
}

func TestEventsPublished_IncrementsPerOrg(t *testing.T) {
	before := testutil.ToFloat64(EventsPublished.WithLabelValues("acme"))
	EventsPublished.WithLabelValues("acme").Inc()
	after := testutil.ToFloat64(EventsPublished.WithLabelValues("acme"))
	assert.Equal(t, before+1, after)
}
