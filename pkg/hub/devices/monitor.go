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

package devices

import (
	"context"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
)

// Run sweeps for stale devices and flushes queued device records until ctx
// is cancelled, then performs a final flush.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	flush := time.NewTicker(m.cfg.FlushInterval)
	defer flush.Stop()

	m.logger.Info().Dur("stale_after", m.cfg.StaleAfter).Dur("sweep_interval", m.cfg.SweepInterval).
		Msg("Starting device monitor")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			m.Flush(flushCtx)
			cancel()

			return nil
		case now := <-sweep.C:
			m.SweepStale(now)
		case <-flush.C:
			m.Flush(ctx)
		}
	}
}

func (m *Manager) queueUpdate(d models.Device) {
	m.updatesMu.Lock()
	m.updates[d.DeviceID] = d
	m.updatesMu.Unlock()
}

// Flush writes the latest queued snapshot of every changed device.
// Persistence failures are logged and never propagate into the table.
func (m *Manager) Flush(ctx context.Context) {
	m.updatesMu.Lock()
	updates := m.updates
	m.updates = make(map[string]models.Device)
	m.updatesMu.Unlock()

	if len(updates) == 0 {
		return
	}

	m.logger.Debug().Int("update_count", len(updates)).Msg("Flushing device updates")

	for id := range updates {
		d := updates[id]

		if err := m.store.UpsertDevice(ctx, &d); err != nil {
			m.logger.Error().Err(models.NewPersistenceError("failed to persist device", err)).
				Str("device_id", d.DeviceID).Msg("Error updating device record")
		}
	}
}
