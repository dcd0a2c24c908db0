package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/message"
	"github.com/tghub/tghub/internal/normalize"
	"github.com/tghub/tghub/internal/timeline"
)

const (
	// CourseWebhookPath receives course-platform events.
	CourseWebhookPath = "/webhook/course"
	secretHeader      = "X-GC-Secret"
	maxWebhookBody    = 1 << 20
)

// StatsSource serves /api/stats.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (timeline.Stats, error)
}

// Gateway is the HTTP side of tghub: the course-platform webhook receiver,
// health, metrics and stats endpoints. It is also the Channel for the
// webhook transport, delivering replies through the course reply client.
type Gateway struct {
	BaseChannel
	addr    string
	course  config.CourseConfig
	stats   StatsSource
	metrics http.Handler
	replier *CourseReplier
	now     func() time.Time

	mu  sync.Mutex
	srv *http.Server
}

// NewGateway wires the HTTP endpoints. stats and metrics may be nil.
func NewGateway(addr string, course config.CourseConfig, msgBus *bus.MessageBus, stats StatsSource, metrics http.Handler) *Gateway {
	return &Gateway{
		BaseChannel: BaseChannel{Bus: msgBus},
		addr:        addr,
		course:      course,
		stats:       stats,
		metrics:     metrics,
		replier:     NewCourseReplier(course.ReplyURL, course.ReplyToken, nil),
		now:         time.Now,
	}
}

func (g *Gateway) Name() string { return message.TransportWebhook }

// Engine builds the gin router.
func (g *Gateway) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if g.metrics != nil {
		r.GET("/metrics", gin.WrapH(g.metrics))
	}
	if g.stats != nil {
		r.GET("/api/stats", g.handleStats)
	}
	if g.course.Enabled {
		r.POST(CourseWebhookPath, g.handleCourse)
		r.GET(CourseWebhookPath, g.handleCourse)
	}
	return r
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", g.addr, err)
	}
	srv := &http.Server{
		Handler:           g.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.srv = srv
	g.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway stopped", "error", err)
		}
	}()
	slog.Info("gateway listening", "addr", ln.Addr().String(), "course_webhook", g.course.Enabled)
	return nil
}

// Stop gracefully shuts the server down.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	srv := g.srv
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Send delivers a reply to a course-platform student.
func (g *Gateway) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	return g.replier.Send(ctx, msg)
}

func (g *Gateway) handleCourse(c *gin.Context) {
	ctx := c.Request.Context()
	fields, err := courseFields(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	secret := c.GetHeader(secretHeader)
	if secret == "" {
		secret = fields["secret"]
	}
	delete(fields, "secret")
	if g.course.Secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(g.course.Secret)) != 1 {
		slog.WarnContext(ctx, "course webhook rejected", "remote", c.ClientIP())
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid secret"})
		return
	}
	if strings.TrimSpace(fields[normalize.FieldEmail]) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_email is required"})
		return
	}

	ev := &bus.RawEvent{
		Source:     message.SourceCoursePlatform,
		Transport:  message.TransportWebhook,
		SenderName: fields[normalize.FieldName],
		Payload:    fields,
		ReceivedAt: g.now(),
	}
	if err := g.Bus.PublishInbound(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "course webhook not queued", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not accepting events"})
		return
	}
	slog.InfoContext(ctx, "course webhook received",
		"email", fields[normalize.FieldEmail],
		"course", fields[normalize.FieldCourseTitle],
		"event_type", fields[normalize.FieldEventType],
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// courseFields flattens a JSON object, a form body or the query string into
// string fields.
func courseFields(c *gin.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	if c.Request.Method != http.MethodPost {
		return out, nil
	}

	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			return nil, err
		}
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, err
		}
		for k, v := range obj {
			if s, ok := scalarString(v); ok {
				out[k] = s
			}
		}
		return out, nil
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func (g *Gateway) handleStats(c *gin.Context) {
	hours := 24
	if h, err := strconv.Atoi(c.Query("hours")); err == nil && h > 0 {
		hours = h
	}
	st, err := g.stats.Stats(c.Request.Context(), g.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}
