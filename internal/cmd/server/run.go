package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cfgpkg "github.com/quillmq/quill/internal/config"
	"github.com/quillmq/quill/internal/runtime"
	httpserver "github.com/quillmq/quill/internal/server/http"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// Options configure one server process.
type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass plain contexts still get clean shutdown on SIGINT/SIGTERM.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	level, err := logpkg.ParseLevel(opts.Config.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(opts.Config.LogFormat))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := runtime.Open(runtime.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        logger,
		Registry:      reg,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting quill server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("fsync", opts.Fsync.String()),
		logpkg.Str("level", level.String()))

	hsrv := httpserver.New(rt, httpserver.Options{Logger: logger, Gatherer: reg})
	defer hsrv.Close()
	if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
		return err
	}
	logger.Info("quill server stopped")
	return nil
}
