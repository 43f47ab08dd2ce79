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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/logger"
)

type fakeService struct {
	start   func(ctx context.Context) error
	stopped atomic.Bool
}

func (f *fakeService) Start(ctx context.Context) error { return f.start(ctx) }

func (f *fakeService) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestRunServerStopsOnCancel(t *testing.T) {
	svc := &fakeService{start: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- RunServer(ctx, &ServerOptions{ServiceName: "test", Service: svc, Logger: logger.NewTestLogger()})
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunServer did not return")
	}

	assert.True(t, svc.stopped.Load())
}

func TestRunServerStopsOnStartError(t *testing.T) {
	boom := errors.New("listen failed")
	svc := &fakeService{start: func(context.Context) error { return boom }}

	err := RunServer(context.Background(), &ServerOptions{ServiceName: "test", Service: svc})

	require.ErrorIs(t, err, boom)
	assert.True(t, svc.stopped.Load())
}

func TestRunServerTurnsPanicIntoOrderlyShutdown(t *testing.T) {
	svc := &fakeService{start: func(context.Context) error { panic("nil map") }}

	err := RunServer(context.Background(), &ServerOptions{ServiceName: "test", Service: svc})

	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.True(t, svc.stopped.Load())
}

func TestCreateComponentLogger(t *testing.T) {
	l, err := CreateComponentLogger("hub", &logger.Config{Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = CreateComponentLogger("hub", &logger.Config{Level: "nope"})
	require.Error(t, err)
}
