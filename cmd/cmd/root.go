/*
Copyright © 2025 Your Name

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"briefly/internal/config"
	"briefly/internal/logger"
	"briefly/internal/metrics"
	"briefly/internal/persistence"
	"briefly/internal/pipeline"
	"briefly/internal/ratelimit"
	"briefly/internal/server"
)

var cfgFile string

// rootCmd starts the HTTP/SSE server. Every other flow (retrieval,
// clustering, outline generation, article synthesis) is reached over the
// "/api" surface, not as a separate CLI subcommand.
var rootCmd = &cobra.Command{
	Use:   "briefly",
	Short: "Briefly runs the news-briefing pipeline behind an HTTP/SSE API.",
	Long: `Briefly retrieves, clusters, outlines, researches and synthesizes a
news briefing from a topic, exposed entirely over the "/api" HTTP and SSE
endpoints described in its external-interfaces spec. Running it with no
subcommand starts that server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .briefing-engine.yaml)")
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gate := ratelimit.NewGate()
	store := persistence.New(persistence.Mode(cfg.Persistence.Mode), cfg.Persistence.OutputsDir, cfg.Persistence.NormalizedDir)
	reg := metrics.New(cfg.Metrics.Enabled)
	orchestrator := pipeline.New(cfg, gate, store, reg)
	srv := server.New(cfg.Server, cfg.Public(), orchestrator, store, reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}
