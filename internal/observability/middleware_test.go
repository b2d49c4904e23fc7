package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware("middleware-test"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/connect", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	return r
}

func serve(r *gin.Engine, method, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

func TestRequestLoggerDemotesProbes(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	serve(r, http.MethodGet, "/health")
	require.Empty(t, buf.String())

	serve(r, http.MethodPost, "/connect")
	require.Contains(t, buf.String(), `"level":"error"`)
	require.Contains(t, buf.String(), `"route":"/connect"`)
}

func TestRequestMetricsUseRouteTemplate(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	unmatched := httpRequests.WithLabelValues("middleware-test", http.MethodGet, UnmatchedRoute, "404")
	before := metricValue(t, unmatched)
	serve(r, http.MethodGet, "/nope/1")
	serve(r, http.MethodGet, "/nope/2")
	require.Equal(t, before+2, metricValue(t, unmatched))
	require.Contains(t, buf.String(), `"route":"unmatched"`)
}
