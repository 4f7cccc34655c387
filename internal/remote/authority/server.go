// Package authority is an in-memory reference implementation of the remote
// authority contract, used by the authority command and by tests.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/pitchside/internal/clock"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/wire"
)

type stored struct {
	version   int64
	updatedAt time.Time
	rec       domain.Record
}

// Server holds every table in memory. Each accepted write gets a new
// version and a server-assigned updated_at that is strictly greater than
// any before it, so a since-watermark never skips a change.
type Server struct {
	mu     sync.Mutex
	tables map[domain.Table]map[string]*stored
	last   time.Time

	failStatus int
	failN      int

	clock  clock.Clock
	logger *slog.Logger
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for server timestamps.
func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates an empty authority.
func New(opts ...Option) *Server {
	s := &Server{tables: make(map[domain.Table]map[string]*stored)}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, t := range domain.Tables {
		s.tables[t] = make(map[string]*stored)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests(), s.injectFailures())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	v1 := r.Group("/v1/:table", s.resolveTable())
	v1.POST("", s.create)
	v1.GET("", s.changes)
	v1.GET("/:id", s.fetch)
	v1.PUT("/:id", s.update)
	v1.DELETE("/:id", s.remove)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("authority listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// FailNext makes the next n requests to /v1 answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN, s.failStatus = n, status
}

// Seed writes a record as if another device had pushed it, returning the
// new version.
func (s *Server) Seed(rec domain.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	rec, err := cloneRecord(rec)
	if err != nil {
		return 0, err
	}
	cur := s.tables[rec.Table()][rec.Base().ID]
	return s.store(rec, cur).version, nil
}

// Get returns the stored copy of a record.
func (s *Server) Get(table domain.Table, id string) (domain.Record, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tables[table][id]
	if !ok {
		return nil, 0, false
	}
	rec, err := cloneRecord(cur.rec)
	if err != nil {
		return nil, 0, false
	}
	return rec, cur.version, true
}

// store must be called with mu held.
func (s *Server) store(rec domain.Record, cur *stored) *stored {
	now := s.clock.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now

	m := rec.Base()
	m.UpdatedAt = now
	m.Synced, m.SyncedAt = false, nil
	next := &stored{version: 1, updatedAt: now, rec: rec}
	if cur != nil {
		next.version = cur.version + 1
		m.CreatedAt = cur.rec.Base().CreatedAt
		if cb := cur.rec.Base().CreatedByUserID; cb != "" {
			m.CreatedByUserID = cb
		}
	}
	s.tables[rec.Table()][m.ID] = next
	return next
}

func (s *Server) resolveTable() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := domain.ParseTable(c.Param("table"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set("table", t)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("authority request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		status := 0
		if s.failN > 0 && c.Request.URL.Path != "/health" {
			s.failN--
			status = s.failStatus
		}
		s.mu.Unlock()
		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
			return
		}
		c.Next()
	}
}

func tableOf(c *gin.Context) domain.Table { return c.MustGet("table").(domain.Table) }

func (s *Server) decodeBody(c *gin.Context, table domain.Table) (domain.Record, bool) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	rec, err := wire.Decode(table, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err := rec.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return nil, false
	}
	return rec, true
}

func envelopeOf(st *stored) (wire.Envelope, error) {
	data, err := wire.Encode(st.rec)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Version: st.version, Data: data}, nil
}

func (s *Server) reply(c *gin.Context, status int, st *stored) {
	env, err := envelopeOf(st)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(status, env)
}

func (s *Server) conflict(c *gin.Context, status int, msg string, cur *stored) {
	env, err := envelopeOf(cur)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(status, gin.H{"error": msg, "current": env})
}

// checkVersion applies If-Match unless X-Force is set. It writes the
// conflict response and returns false on mismatch.
func (s *Server) checkVersion(c *gin.Context, cur *stored) bool {
	if cur == nil || c.GetHeader(remote.HeaderForce) == "true" {
		return true
	}
	h := c.GetHeader(remote.HeaderIfMatch)
	if h == "" {
		return true
	}
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad %s header %q", remote.HeaderIfMatch, h)})
		return false
	}
	if v != cur.version {
		s.conflict(c, http.StatusPreconditionFailed,
			fmt.Sprintf("version mismatch: have %d, got %d", cur.version, v), cur)
		return false
	}
	return true
}

func (s *Server) create(c *gin.Context) {
	table := tableOf(c)
	rec, ok := s.decodeBody(c, table)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, exists := s.tables[table][rec.Base().ID]; exists {
		// A replayed create of the same content is accepted as is.
		if sameContent(cur.rec, rec) {
			s.reply(c, http.StatusOK, cur)
			return
		}
		if c.GetHeader(remote.HeaderForce) != "true" {
			s.conflict(c, http.StatusConflict, "record already exists", cur)
			return
		}
		s.reply(c, http.StatusOK, s.store(rec, cur))
		return
	}
	s.reply(c, http.StatusCreated, s.store(rec, nil))
}

func (s *Server) update(c *gin.Context) {
	table := tableOf(c)
	rec, ok := s.decodeBody(c, table)
	if !ok {
		return
	}
	if rec.Base().ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id in path and body differ"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.tables[table][rec.Base().ID]
	if !s.checkVersion(c, cur) {
		return
	}
	s.reply(c, http.StatusOK, s.store(rec, cur))
}

func (s *Server) remove(c *gin.Context) {
	table := tableOf(c)
	id := c.Param("id")
	tomb, ok := tombstone(c, table, id)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.tables[table][id]
	if !exists {
		// Nothing to delete: the record never reached the authority.
		c.Status(http.StatusNoContent)
		return
	}
	if cur.rec.Base().IsDeleted {
		s.reply(c, http.StatusOK, cur)
		return
	}
	if !s.checkVersion(c, cur) {
		return
	}
	rec, err := cloneRecord(cur.rec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	at, by := s.clock.Now(), c.GetHeader(remote.HeaderUserID)
	if tomb != nil && tomb.IsDeleted && tomb.DeletedAt != nil {
		at = *tomb.DeletedAt
		if tomb.DeletedByUserID != "" {
			by = tomb.DeletedByUserID
		}
	}
	rec.Base().MarkDeleted(by, at)
	s.reply(c, http.StatusOK, s.store(rec, cur))
}

// tombstone decodes the optional body of a DELETE: the client's soft-deleted
// copy, whose deletion audit fields are kept. A missing body yields nil.
func tombstone(c *gin.Context, table domain.Table, id string) (*domain.Meta, bool) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if len(data) == 0 {
		return nil, true
	}
	rec, err := wire.Decode(table, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if rec.Base().ID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id in path and body differ"})
		return nil, false
	}
	return rec.Base(), true
}

func (s *Server) fetch(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tables[tableOf(c)][c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	s.reply(c, http.StatusOK, cur)
}

func (s *Server) changes(c *gin.Context) {
	var since time.Time
	if q := c.Query("since"); q != "" {
		t, err := time.Parse(wire.TimeLayout, q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad since %q", q)})
			return
		}
		since = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*stored
	for _, st := range s.tables[tableOf(c)] {
		if st.updatedAt.After(since) {
			rows = append(rows, st)
		}
	}
	slices.SortFunc(rows, func(a, b *stored) int { return a.updatedAt.Compare(b.updatedAt) })

	cs := wire.ChangeSet{Items: make([]wire.Envelope, 0, len(rows))}
	for _, st := range rows {
		env, err := envelopeOf(st)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cs.Items = append(cs.Items, env)
	}
	c.JSON(http.StatusOK, cs)
}

func sameContent(a, b domain.Record) bool {
	ea, errA := contentOf(a)
	eb, errB := contentOf(b)
	return errA == nil && errB == nil && string(ea) == string(eb)
}

func contentOf(r domain.Record) ([]byte, error) {
	c, err := cloneRecord(r)
	if err != nil {
		return nil, err
	}
	m := c.Base()
	m.UpdatedAt, m.CreatedAt = time.Time{}, time.Time{}
	m.Synced, m.SyncedAt = false, nil
	return json.Marshal(c)
}

func cloneRecord(r domain.Record) (domain.Record, error) {
	data, err := wire.Encode(r)
	if err != nil {
		return nil, err
	}
	return wire.Decode(r.Table(), data)
}
