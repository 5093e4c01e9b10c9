package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillmq/quill/internal/runtime"
	"github.com/quillmq/quill/internal/topic"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// Options configures the HTTP server.
type Options struct {
	Logger logpkg.Logger
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP control and data surface over a runtime.
type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger

	mu       sync.Mutex
	sessions map[string]*topic.Session
}

// New builds the server and its routes.
func New(rt *runtime.Runtime, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Server{
		rt:       rt,
		logger:   logger.With(logpkg.Component("http")),
		sessions: make(map[string]*topic.Session),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/v1/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1/topics", func(r chi.Router) {
		r.Get("/", s.handleListTopics)
		r.Route("/{topic}", func(r chi.Router) {
			r.Get("/stats", s.handleTopicStats)
			r.Get("/entries", s.handleTopicEntries)
			r.Post("/publish", s.handlePublish)
			r.Post("/recover", s.handleRecover)
			r.Delete("/", s.handleDeleteTopic)
		})
	})

	s.srv = &http.Server{Handler: r}
	return s
}

// ListenAndServe serves until ctx is cancelled, then drains with a short
// shutdown deadline.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", ww.Status()),
			logpkg.Dur("dur", time.Since(start)))
	})
}

// session returns the cached producer session for the topic, admitting on
// first use. A fenced or closed cached session is replaced by a fresh
// admission.
func (s *Server) session(tp *topic.Topic, producer string) (*topic.Session, error) {
	key := tp.Name() + "\x00" + producer
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok && sess.State() == topic.Admitted {
		return sess, nil
	}
	sess, err := tp.Admit(producer)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	return sess, nil
}
