// Package handler serves the attendance api over gin.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/roster"
)

// Operators persists operator identities and their refresh tokens.
type Operators interface {
	UpsertOperator(ctx context.Context, operatorID string) error
	SaveRefreshToken(ctx context.Context, operatorID, token string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, operatorID, oldToken, newToken string, expiresAt time.Time) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// API holds what the api routes need.
type API struct {
	Service   *attendance.Service
	Rosters   roster.Provider
	Operators Operators
	Issuer    auth.Issuer
	Limiter   httpmiddleware.Limiter
	Health    map[string]HealthCheck
}

// Router builds the gin engine with middleware and every api route.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(observe())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.healthz)

	// limits run after auth so signed-in requests count per operator
	var limit []gin.HandlerFunc
	if a.Limiter != nil {
		limit = append(limit, httpmiddleware.RateLimit(a.Limiter))
	}

	v1 := r.Group("/v1")
	v1.POST("/operators/register", append(limit, a.registerOperator)...)
	v1.POST("/operators/refresh", append(limit, a.refreshOperator)...)

	authed := v1.Group("", append([]gin.HandlerFunc{auth.OperatorAuth(a.Issuer)}, limit...)...)
	authed.GET("/classes/:class_id/roster", a.getRoster)
	authed.GET("/classes/:class_id/marks", a.listMarks)
	authed.PUT("/classes/:class_id/marks", a.submitMarks)
	return r
}

func (a *API) healthz(c *gin.Context) {
	body := gin.H{}
	status := http.StatusOK
	for name, check := range a.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	body["status"] = "ok"
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func (a *API) registerOperator(c *gin.Context) {
	var req struct {
		OperatorID string `json:"operator_id" binding:"required,max=128"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.Operators.UpsertOperator(c.Request.Context(), req.OperatorID); err != nil {
		logger.Error.Printf("register operator %s failed: %v", req.OperatorID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operator registration failed"})
		return
	}

	tokens, err := a.Issuer.Issue(req.OperatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := a.Operators.SaveRefreshToken(c.Request.Context(), req.OperatorID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		logger.Error.Printf("save refresh token for %s failed: %v", req.OperatorID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operator registration failed"})
		return
	}

	c.JSON(http.StatusCreated, tokens)
}

// refreshOperator trades a refresh token for a new pair. The presented token
// is revoked, so replaying it fails.
func (a *API) refreshOperator(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := a.Issuer.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	operatorID := claims.Subject

	tokens, err := a.Issuer.Issue(operatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	err = a.Operators.RotateRefreshToken(c.Request.Context(), operatorID, req.RefreshToken, tokens.RefreshToken, tokens.RefreshExp)
	switch {
	case errors.Is(err, attendance.ErrRefreshTokenRevoked):
		logger.Info.Printf("operator %s presented a spent refresh token", operatorID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	case err != nil:
		logger.Error.Printf("rotate refresh token for %s failed: %v", operatorID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token refresh failed"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (a *API) getRoster(c *gin.Context) {
	students, err := a.Rosters.Roster(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (a *API) listMarks(c *gin.Context) {
	key := attendance.Key{
		ClassID: c.Param("class_id"),
		Date:    c.Query("date"),
		TopicID: c.Query("topic_id"),
	}
	marks, err := a.Service.ListMarks(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	if marks == nil {
		marks = []attendance.StoredMark{}
	}
	c.JSON(http.StatusOK, gin.H{"marks": marks})
}

type submitRequest struct {
	Date    string            `json:"date" binding:"required"`
	TopicID string            `json:"topic_id"`
	Marks   []attendance.Mark `json:"marks" binding:"required"`
}

func (a *API) submitMarks(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := a.Service.Submit(c.Request.Context(), attendance.Batch{
		Key:        attendance.Key{ClassID: c.Param("class_id"), Date: req.Date, TopicID: req.TopicID},
		OperatorID: auth.OperatorID(c),
		Marks:      req.Marks,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	var ve *attendance.ValidationError
	if errors.As(err, &ve) {
		msg := "validation failed"
		if ve.Err != nil {
			msg = ve.Err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "fields": ve.Fields})
		return
	}
	logger.Error.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// observe records request durations by route template.
func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.APIRequestDuration.
			WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
