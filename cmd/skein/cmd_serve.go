// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/runtime"
	"github.com/skeinworks/skein/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Skein HTTP server",
	Long: heredoc.Doc(`
		Start the runtime and serve the HTTP/JSON API.

		The server will:
		- open the knowledge store under the data directory
		- load workflow templates, watching for changes when hot-reload is on
		- start the maintenance jobs (baselines, cache sweeps, stats snapshots)
		- listen for REST requests and SSE stream subscribers

		Press Ctrl+C to gracefully shutdown.
	`),
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Skein server",
		zap.String("version", rootCmd.Version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("listen", cfg.Server.ListenAddress))

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build runtime", zap.Error(err))
	}

	srv := server.New(rt, logger)

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
		<-sigch
		logger.Info("Shutting down gracefully... (press Ctrl+C again to force)")

		go func() {
			<-sigch
			logger.Warn("Force shutdown requested")
			os.Exit(1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Error stopping HTTP server", zap.Error(err))
		}
		if err := rt.Close(); err != nil {
			logger.Warn("Error closing runtime", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}
	<-done

	logger.Info("Shutdown complete")
}

// buildLogger creates the production logger: stack traces only at
// ERROR, level and encoding from config.
func buildLogger(logging config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()

	level := zap.InfoLevel
	if logging.Level != "" {
		if err := level.UnmarshalText([]byte(logging.Level)); err != nil {
			return nil, err
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if logging.Format == "console" {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	return zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
}
