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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component managed by RunServer. Start blocks until
// ctx is cancelled or the service fails; Stop performs the orderly shutdown.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type ServerOptions struct {
	ServiceName     string
	Service         Service
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

var errServicePanic = errors.New("service panicked")

// RunServer runs opts.Service until SIGINT/SIGTERM, parent cancellation, a
// Start error or a panic inside Start, then calls Stop with a bounded context.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	errCh := make(chan error, 1)

	go func() {
		defer Recover(log, func(err error) { errCh <- err })

		errCh <- opts.Service.Start(ctx)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		log.Info().Str("service", opts.ServiceName).Msg("Shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Str("service", opts.ServiceName).Msg("Service failed, shutting down")
		}
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := opts.Service.Stop(stopCtx); err != nil {
		log.Error().Err(err).Str("service", opts.ServiceName).Msg("Error during shutdown")

		return errors.Join(runErr, err)
	}

	log.Info().Str("service", opts.ServiceName).Msg("Service stopped")

	return runErr
}

// Recover converts a panic in the calling goroutine into an error passed to
// trip. It must be deferred directly.
func Recover(log logger.Logger, trip func(error)) {
	r := recover()
	if r == nil {
		return
	}

	err := fmt.Errorf("%w: %v", errServicePanic, r)

	log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("Recovered panic")

	if trip != nil {
		trip(err)
	}
}

// IsPanic reports whether err was produced by Recover.
func IsPanic(err error) bool {
	return errors.Is(err, errServicePanic)
}
