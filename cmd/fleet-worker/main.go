/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"log"

	flag "github.com/spf13/pflag"

	"github.com/carverauto/phonefleet/pkg/config"
	"github.com/carverauto/phonefleet/pkg/lifecycle"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/version"
	"github.com/carverauto/phonefleet/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/phonefleet/worker.json", "Path to config file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())

		return nil
	}

	ctx := context.Background()

	var cfg models.WorkerConfig
	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return err
	}

	if cfg.Logging == nil {
		cfg.Logging = logger.DefaultConfig()
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	workerLogger, err := lifecycle.CreateComponentLogger("fleet-worker", cfg.Logging)
	if err != nil {
		return err
	}

	defer func() { _ = lifecycle.ShutdownLogger() }()

	workerLogger = logger.Wrap(workerLogger.With().Str("host_id", cfg.HostID).Logger())

	workerLogger.Info().Str("version", version.GetFullVersion()).Msg("Starting fleet-worker")

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: "fleet-worker",
		Service:     worker.NewAgent(&cfg, workerLogger),
		Logger:      workerLogger,
	})
}
