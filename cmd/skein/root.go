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
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/skeinworks/skein/internal/version"
	"github.com/skeinworks/skein/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein - multi-agent workflow orchestration runtime",
	Long: heredoc.Doc(`
		Skein runs cooperating agents over an in-process message bus with
		shared workflow context, semantic knowledge storage, peer review,
		and a metrics engine with baseline anomaly detection. The server
		exposes the runtime over an HTTP/JSON API with SSE event streams.
	`),
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SKEIN_DATA_DIR/skein.yaml)")
	rootCmd.PersistentFlags().String("listen", "", "HTTP listen address (host:port)")
	rootCmd.PersistentFlags().String("templates", "", "workflow template directory")
	rootCmd.PersistentFlags().Bool("hot-reload", false, "watch the template directory for changes")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
}

// initConfig loads the config file and environment, then lets changed
// command-line flags win.
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("listen") {
		cfg.Server.ListenAddress, _ = flags.GetString("listen")
	}
	if flags.Changed("templates") {
		cfg.Templates.Directory, _ = flags.GetString("templates")
	}
	if flags.Changed("hot-reload") {
		cfg.Templates.HotReload, _ = flags.GetBool("hot-reload")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
}
