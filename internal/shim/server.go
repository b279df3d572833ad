package shim

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
	"github.com/streamspace-dev/deviceorch/internal/session"
)

// SessionConfigRequest is the wire shape of CreateSession's body.
type SessionConfigRequest struct {
	Name              string             `json:"name" binding:"required"`
	Plugins           []PluginRequest    `json:"plugins"`
	Options           map[string]string  `json:"options"`
	Tests             []TestSpecRequest  `json:"tests"`
	RemoveAfterFinish bool               `json:"remove_after_finish"`
}

// PluginRequest mirrors plugin.Config on the wire.
type PluginRequest struct {
	ClassName  string                 `json:"class_name" binding:"required"`
	ModuleName string                 `json:"module_name"`
	Label      string                 `json:"label"`
	Options    map[string]interface{} `json:"options"`
}

// TestSpecRequest mirrors session.TestSpec on the wire.
type TestSpecRequest struct {
	TestID             string            `json:"test_id" binding:"required"`
	DeviceType         string            `json:"device_type"`
	RequiredDimensions map[string]string `json:"required_dimensions"`
}

// NotificationRequest is the wire shape of NotifySession's body.
type NotificationRequest struct {
	PluginLabel string `json:"plugin_label"`
	Payload     []byte `json:"payload"`
}

// Server wires a session.Manager into gin routes matching the external
// interface contract (CreateSession, GetSession, ListSessions,
// NotifySession, AbortSession, SubscribeLogRecords).
type Server struct {
	manager *session.Manager
	hub     *LogHub
	limiter *RateLimiter
	engine  *gin.Engine
}

// NewServer builds a Server ready to ListenAndServe via Engine(). hub
// should be the same LogHub wired into the session manager's LogSink so
// that test progress lines actually reach SubscribeLogRecords clients.
// Every route is rate-limited per client IP to guard against a runaway
// caller flooding session admission.
func NewServer(manager *session.Manager, hub *LogHub) *Server {
	s := &Server{manager: manager, hub: hub, limiter: NewRateLimiter(20, 40)}

	engine := gin.New()
	engine.Use(Recovery(), ErrorHandler(), s.limiter.Middleware())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

// Engine returns the underlying gin engine for ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Hub exposes the log-record hub so the session runner's notification
// plumbing (or a relay) can feed it broadcastable log lines.
func (s *Server) Hub() *LogHub { return s.hub }

func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/notify", s.notifySession)
	v1.DELETE("/sessions/:id", s.abortSession)
	v1.GET("/sessions/:id/logs", s.subscribeLogRecords)
}

func toPluginConfigs(reqs []PluginRequest) []plugin.Config {
	out := make([]plugin.Config, len(reqs))
	for i, p := range reqs {
		out[i] = plugin.Config{
			ClassName:  p.ClassName,
			ModuleName: p.ModuleName,
			Label:      p.Label,
			Options:    plugin.ExecutionConfig(p.Options),
		}
	}
	return out
}

func toTestSpecs(reqs []TestSpecRequest) []session.TestSpec {
	out := make([]session.TestSpec, len(reqs))
	for i, t := range reqs {
		out[i] = session.TestSpec{TestID: t.TestID, DeviceType: t.DeviceType, RequiredDimensions: t.RequiredDimensions}
	}
	return out
}

func (s *Server) createSession(c *gin.Context) {
	var req SessionConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperrors.NewWithDetails(apperrors.ErrCodeBadRequest, "invalid session config", err.Error()))
		return
	}

	cfg := session.Config{
		Name:              req.Name,
		Plugins:           toPluginConfigs(req.Plugins),
		Options:           req.Options,
		Tests:             toTestSpecs(req.Tests),
		RemoveAfterFinish: req.RemoveAfterFinish,
	}

	snap, err := s.manager.CreateSession(cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSnapshotResponse(snap))
}

func (s *Server) getSession(c *gin.Context) {
	snap, ok := s.manager.GetSession(c.Param("id"))
	if !ok {
		abortWithError(c, apperrors.NotFound("session "+c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(snap))
}

func (s *Server) listSessions(c *gin.Context) {
	filter := session.ListFilter{
		StatusPattern: c.Query("status"),
		NamePattern:   c.Query("name"),
	}
	snaps := s.manager.ListSessions(filter)
	out := make([]SnapshotResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = toSnapshotResponse(snap)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) notifySession(c *gin.Context) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperrors.NewWithDetails(apperrors.ErrCodeBadRequest, "invalid notification", err.Error()))
		return
	}
	err := s.manager.NotifySession(c.Param("id"), session.Notification{PluginLabel: req.PluginLabel, Payload: req.Payload})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) abortSession(c *gin.Context) {
	if err := s.manager.AbortSession(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// SnapshotResponse is the wire shape of session.Snapshot.
type SnapshotResponse struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Properties map[string]string `json:"properties,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func toSnapshotResponse(snap session.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{ID: snap.ID, Name: snap.Name, Status: snap.Status.String(), Properties: snap.Properties}
	if snap.RunnerError != nil {
		resp.Error = snap.RunnerError.Error()
	}
	return resp
}
