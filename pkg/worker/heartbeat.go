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
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/worker/adb"
	"github.com/carverauto/phonefleet/pkg/worker/identity"
)

// MetricsCollector samples host telemetry for the heartbeat.
type MetricsCollector interface {
	Collect(ctx context.Context) (*models.HostMetrics, error)
}

type hostMetrics struct {
	usage func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
}

func newHostMetrics() *hostMetrics {
	return &hostMetrics{usage: cpu.PercentWithContext}
}

func (h *hostMetrics) Collect(ctx context.Context) (*models.HostMetrics, error) {
	out := &models.HostMetrics{}

	usage, err := h.usage(ctx, 0, false)
	if err != nil {
		return nil, err
	}

	if len(usage) > 0 {
		out.CPUPercent = usage[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out.MemoryPercent = vm.UsedPercent

	return out, nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.logger.Info().Dur("interval", a.interval).Msg("Starting heartbeat loop")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Heartbeat loop stopping")

			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat scans the attached handsets and reports the full slot table.
func (a *Agent) sendHeartbeat(ctx context.Context) {
	if !a.client.IsConnected() {
		return
	}

	reports := a.scan(ctx)

	hb := models.HeartbeatPayload{
		HostID:    a.cfg.HostID,
		Devices:   reports,
		Timestamp: time.Now().UTC(),
	}

	if a.metrics != nil {
		m, err := a.metrics.Collect(ctx)
		if err != nil {
			a.logger.Debug().Err(err).Msg("Host metrics unavailable")
		} else {
			hb.Metrics = m
		}
	}

	if err := a.client.Send(models.MsgHeartbeat, hb); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to send heartbeat")

		return
	}

	for _, r := range reports {
		if r.Status == models.DeviceIdle {
			a.requestJob(r.DeviceID, false)
		}
	}
}

// scan builds one report per slot 1..MaxSlots. Slots without an attached,
// authorized handset are reported offline so the table length never changes.
func (a *Agent) scan(ctx context.Context) []models.DeviceReport {
	attached, err := a.adb.Devices(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list attached devices")
	}

	states := make(map[string]string, len(attached))
	serials := make([]string, 0, len(attached))

	for _, d := range attached {
		if !identity.IsPhysical(d.Serial) {
			continue
		}

		states[d.Serial] = d.State
		serials = append(serials, d.Serial)
	}

	slots, err := a.registry.Assign(serials)
	if err != nil {
		a.logger.Error().Err(err).Msg("Identity registry unavailable, reporting every slot offline")

		slots = nil
	}

	bySlot := make(map[int]string, len(slots))
	for serial, slot := range slots {
		bySlot[slot] = serial
	}

	online := make(map[string]string)
	reports := make([]models.DeviceReport, 0, a.cfg.MaxSlots)

	for slot := 1; slot <= a.cfg.MaxSlots; slot++ {
		r := models.DeviceReport{
			DeviceID: models.DeviceIDFor(a.cfg.HostID, slot),
			Slot:     slot,
			Status:   models.DeviceOffline,
		}

		serial, ok := bySlot[slot]
		if ok {
			r.Serial = serial

			if states[serial] == adb.StateDevice {
				r.Status = models.DeviceIdle
				if a.jobs.Busy(r.DeviceID) {
					r.Status = models.DeviceBusy
				}

				if ip, err := a.adb.IP(ctx, serial); err == nil {
					r.IP = ip
				}

				online[r.DeviceID] = serial
			}
		}

		reports = append(reports, r)
	}

	a.mu.Lock()
	a.serials = online
	a.mu.Unlock()

	return reports
}
