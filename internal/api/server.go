// Package api exposes the connect flow and sync triggers over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

const stateCookie = "mailbridge_oauth_state"

// Connector runs the OAuth connect flow.
type Connector interface {
	AuthorizationURL(state string) string
	Complete(ctx context.Context, code string) (*sync.Connection, error)
}

// Syncer triggers sync passes.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string) (sync.SyncResult, error)
	SyncAllConnections(ctx context.Context) (sync.BatchResult, error)
}

// Connections is the subset of the connection store the API reads and edits.
type Connections interface {
	ListConnections(ctx context.Context) ([]*sync.Connection, error)
	SetConnectionFlags(ctx context.Context, id string, flags sync.ConnectionFlags) (*sync.Connection, error)
}

// Server holds the HTTP handlers.
type Server struct {
	connector   Connector
	syncer      Syncer
	connections Connections
	requireAuth gin.HandlerFunc
	secure      bool
	log         zerolog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithAuth guards the operator endpoints with mw.
func WithAuth(mw gin.HandlerFunc) Option {
	return func(s *Server) { s.requireAuth = mw }
}

// WithSecureCookies marks the OAuth state cookie Secure.
func WithSecureCookies() Option {
	return func(s *Server) { s.secure = true }
}

// NewServer creates the API server
func NewServer(connector Connector, syncer Syncer, connections Connections, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		connector:   connector,
		syncer:      syncer,
		connections: connections,
		log:         log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/connections/authorize", s.authorize)
	r.GET("/connections/callback", s.callback)

	operator := r.Group("/")
	if s.requireAuth != nil {
		operator.Use(s.requireAuth)
	}
	operator.GET("/connections", s.listConnections)
	operator.PATCH("/connections/:id", s.updateConnection)
	operator.POST("/connections/:id/sync", s.syncConnection)
	operator.POST("/sync", s.syncAll)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) authorize(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, 600, "/connections", "", s.secure, true)
	c.Redirect(http.StatusFound, s.connector.AuthorizationURL(state))
}

func (s *Server) callback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		c.JSON(http.StatusBadRequest, errorBody(apperr.CodeAuthFailed, denied+": "+c.Query("error_description")))
		return
	}

	expected, err := c.Cookie(stateCookie)
	if err != nil || expected == "" || expected != c.Query("state") {
		c.JSON(http.StatusBadRequest, errorBody(apperr.CodeInvalidOAuthState, "state does not match the authorization request"))
		return
	}
	c.SetCookie(stateCookie, "", -1, "/connections", "", s.secure, true)

	conn, err := s.connector.Complete(c.Request.Context(), c.Query("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toConnectionView(conn))
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.connections.ListConnections(c.Request.Context())
	if err != nil {
		s.fail(c, apperr.Store("list connections", err))
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, toConnectionView(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

type updateConnectionRequest struct {
	IsActive    *bool `json:"is_active"`
	SyncEnabled *bool `json:"sync_enabled"`
}

func (s *Server) updateConnection(c *gin.Context) {
	var req updateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apperr.CodeInvalidRequestBody, err.Error()))
		return
	}
	if req.IsActive == nil && req.SyncEnabled == nil {
		s.fail(c, &apperr.ValidationError{Field: "body", Reason: "is_active or sync_enabled is required"})
		return
	}

	conn, err := s.connections.SetConnectionFlags(c.Request.Context(), c.Param("id"), sync.ConnectionFlags{
		IsActive:    req.IsActive,
		SyncEnabled: req.SyncEnabled,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toConnectionView(conn))
}

func (s *Server) syncConnection(c *gin.Context) {
	res, err := s.syncer.SyncConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		body := errorBody(apperr.Code(err), err.Error())
		if len(res.Folders) > 0 {
			body["result"] = toSyncView(res)
		}
		s.logFailure(c, err)
		c.JSON(apperr.HTTPStatus(err), body)
		return
	}
	c.JSON(http.StatusOK, toSyncView(res))
}

func (s *Server) syncAll(c *gin.Context) {
	batch, err := s.syncer.SyncAllConnections(c.Request.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logFailure(c, err)
	c.JSON(apperr.HTTPStatus(err), errorBody(apperr.Code(err), err.Error()))
}

func (s *Server) logFailure(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("request failed")
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
