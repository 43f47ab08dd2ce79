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

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
)

type capturer interface {
	Screencap(ctx context.Context, serial string) ([]byte, error)
}

type frameSender interface {
	SendFrame(deviceID string, image []byte) (bool, error)
}

type captureLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// streamManager runs at most one screencap loop per device.
type streamManager struct {
	capture capturer
	out     frameSender
	logger  logger.Logger

	mu    sync.Mutex
	loops map[string]*captureLoop
}

func newStreamManager(capture capturer, out frameSender, log logger.Logger) *streamManager {
	return &streamManager{
		capture: capture,
		out:     out,
		logger:  log,
		loops:   make(map[string]*captureLoop),
	}
}

// Start begins capturing deviceID at fps, replacing any running loop.
func (m *streamManager) Start(ctx context.Context, deviceID, serial string, fps int) {
	m.Stop(deviceID)

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &captureLoop{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.loops[deviceID] = loop
	m.mu.Unlock()

	m.logger.Info().Str("device_id", deviceID).Int("fps", fps).Msg("Starting capture loop")

	go m.run(loopCtx, loop, deviceID, serial, fps)
}

func (m *streamManager) run(ctx context.Context, loop *captureLoop, deviceID, serial string, fps int) {
	defer close(loop.done)

	defer func() {
		m.mu.Lock()
		if m.loops[deviceID] == loop {
			delete(m.loops, deviceID)
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var sent, skipped int

	defer func() {
		m.logger.Info().Str("device_id", deviceID).Int("sent", sent).Int("skipped", skipped).Msg("Capture loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		image, err := m.capture.Screencap(ctx, serial)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Screencap failed")

			continue
		}

		ok, err := m.out.SendFrame(deviceID, image)
		if err != nil {
			m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Stopping capture, hub link unavailable")

			return
		}

		if ok {
			sent++
		} else {
			skipped++
		}
	}
}

// Stop ends the loop for deviceID and waits for it to exit.
func (m *streamManager) Stop(deviceID string) {
	m.mu.Lock()
	loop, ok := m.loops[deviceID]
	delete(m.loops, deviceID)
	m.mu.Unlock()

	if !ok {
		return
	}

	loop.cancel()
	<-loop.done
}

func (m *streamManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

func (m *streamManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.loops)
}
