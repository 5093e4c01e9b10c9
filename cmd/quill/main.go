package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/quillmq/quill/internal/cmd/client"
	serverrun "github.com/quillmq/quill/internal/cmd/server"
	cfgpkg "github.com/quillmq/quill/internal/config"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quill",
		Short: "Quill broker CLI",
		Long:  "Quill is a single-binary persistent pub/sub broker. This CLI manages the server and basic topic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start quill server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			if fsyncMode != "" {
				cfg.Fsync = fsyncMode
			}
			mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
			if err != nil {
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				DataDir:       dataDir,
				HTTPAddr:      httpAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	serverStartCmd.Flags().String("log-level", os.Getenv("QUILL_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("QUILL_LOG_FORMAT"), "Log format: text|json (default text)")
	serverStartCmd.Flags().String("config", "", "Config file path (JSON or YAML)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// topic commands over the HTTP API
	rootCmd.AddCommand(clientcmd.NewTopicCommand(apiURL))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("QUILL_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
