// Package station exposes the capture session to the station UI over a local
// HTTP API. Handlers stay thin; the session package owns every rule.
package station

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/attendance"
	"rollcall/internal/session"
)

// Pinger reports whether the attendance api is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Server serves one station's session.
type Server struct {
	Session     *session.Controller
	API         Pinger
	CORSOrigins []string
}

// Router builds the station gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/session"},
	}))
	if len(s.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	g := r.Group("/session")
	g.GET("", s.view)
	g.POST("/start", s.start)
	g.POST("/camera", s.camera)
	g.POST("/capture", s.capture)
	g.POST("/mark", s.mark)
	g.POST("/next", s.step(s.Session.Next))
	g.POST("/prev", s.step(s.Session.Prev))
	g.POST("/seek", s.seek)
	g.POST("/submit", s.submit)
	g.POST("/finalize", s.step(s.Session.Finalize))
	g.POST("/cancel", s.step(s.Session.Cancel))
	g.GET("/photo/:student_id", s.photo)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	v := s.Session.Snapshot()
	body := gin.H{"status": "ok", "state": v.State, "camera_held": v.CameraHeld}
	if s.API != nil {
		if err := s.API.Health(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["api"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["api"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) view(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session": s.Session.Snapshot()})
}

func (s *Server) start(c *gin.Context) {
	var req struct {
		ClassID string `json:"class_id" binding:"required"`
		Date    string `json:"date" binding:"required"`
		TopicID string `json:"topic_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}
	key := attendance.Key{ClassID: req.ClassID, Date: req.Date, TopicID: req.TopicID}
	if err := s.Session.Start(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	s.view(c)
}

func (s *Server) camera(c *gin.Context) {
	if err := s.Session.AcquireCamera(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	s.view(c)
}

func (s *Server) capture(c *gin.Context) {
	shot, err := s.Session.CaptureCurrent()
	if err != nil {
		s.fail(c, err)
		return
	}
	if shot.Oversize {
		logger.Info.Printf("photo for %s is %d bytes, above the budget", shot.StudentID, shot.Bytes)
	}
	c.JSON(http.StatusOK, gin.H{"captured": shot, "session": s.Session.Snapshot()})
}

func (s *Server) mark(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Notes  string `json:"notes" binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}
	status, err := attendance.ParseStatus(req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.Session.MarkCurrent(status, req.Notes); err != nil {
		s.fail(c, err)
		return
	}
	s.view(c)
}

func (s *Server) seek(c *gin.Context) {
	var req struct {
		Index     *int   `json:"index"`
		StudentID string `json:"student_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}
	var err error
	switch {
	case req.StudentID != "":
		err = s.Session.SeekStudent(req.StudentID)
	case req.Index != nil:
		err = s.Session.Seek(*req.Index)
	default:
		err = attendance.NewValidationError(errors.New("index or student_id required"))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.view(c)
}

func (s *Server) submit(c *gin.Context) {
	res, err := s.Session.Submit(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "session": s.Session.Snapshot()})
}

func (s *Server) step(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			s.fail(c, err)
			return
		}
		s.view(c)
	}
}

func (s *Server) photo(c *gin.Context) {
	data, ok := s.Session.Photo(c.Param("student_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no photo for student", "code": "not_found"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func (s *Server) fail(c *gin.Context, err error) {
	code, status := classify(err)
	body := gin.H{"error": err.Error(), "code": code}
	var ve *attendance.ValidationError
	if errors.As(err, &ve) && len(ve.Fields) > 0 {
		body["fields"] = ve.Fields
	}
	if status >= http.StatusInternalServerError {
		logger.Error.Printf("station %s failed: %v", c.FullPath(), err)
	}
	c.JSON(status, body)
}
