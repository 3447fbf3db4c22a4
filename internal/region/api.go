package region

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/power"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

const apiV1 = "/api/v1"

// PowerRequest is the body of POST /api/v1/machines/:system_id/power/:action.
type PowerRequest struct {
	Hostname        string            `json:"hostname"`
	ClusterID       string            `json:"cluster_id" binding:"required"`
	PowerType       string            `json:"power_type"`
	PowerParameters map[string]string `json:"power_parameters"`
	// Timeout overrides the dispatch deadline, e.g. "5s".
	Timeout string `json:"timeout,omitempty"`
}

var actions = map[string]string{
	"on":    protocol.CommandPowerOn,
	"off":   protocol.CommandPowerOff,
	"query": protocol.CommandPowerQuery,
}

var outcomeHTTPStatus = map[power.Status]int{
	power.StatusSuccess:               http.StatusOK,
	power.StatusUnknownPowerType:      http.StatusUnprocessableEntity,
	power.StatusUnsupported:           http.StatusNotImplemented,
	power.StatusConnectionUnavailable: http.StatusServiceUnavailable,
	power.StatusTimeout:               http.StatusGatewayTimeout,
	power.StatusRemoteFailure:         http.StatusBadGateway,
}

// Router builds the HTTP handler: the JSON API, the rack websocket endpoint,
// metrics and health.
func (s *Service) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(s.log), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clusters": len(s.Directory.Clusters())})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/rpc", gin.WrapH(s.Server))

	api := engine.Group(apiV1)
	api.GET("/power-types", s.listPowerTypes)
	api.GET("/power-types/:name/fields", s.powerTypeFields)
	api.GET("/clusters", s.listClusters)
	api.POST("/machines/:system_id/power/:action", s.machinePower)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
	return engine
}

func (s *Service) listPowerTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"power_types": s.PowerTypes(c.Request.Context())})
}

func (s *Service) powerTypeFields(c *gin.Context) {
	fields, err := s.Registry.Fields(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	docs := make([]catalog.FieldDoc, len(fields))
	for i, f := range fields {
		docs[i] = f.Doc()
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "fields": docs})
}

func (s *Service) listClusters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clusters": s.Directory.Clusters()})
}

func (s *Service) machinePower(c *gin.Context) {
	command, ok := actions[c.Param("action")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action: must be 'on', 'off' or 'query'"})
		return
	}

	var body PowerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	req := power.Request{
		Command:    command,
		SystemID:   c.Param("system_id"),
		Hostname:   body.Hostname,
		ClusterID:  body.ClusterID,
		PowerType:  body.PowerType,
		Parameters: body.PowerParameters,
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout: " + body.Timeout})
			return
		}
		req.Deadline = d
	}

	if err := s.ValidateRequest(c.Request.Context(), req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, catalog.ErrUnknownPowerType) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	out := s.Dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(outcomeHTTPStatus[out.Status], out)
}

// requestLogger logs each request through slog.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"remote", c.ClientIP(),
		)
	}
}
