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

// Package devices holds the Hub's authoritative device table. Every device
// state change goes through Manager and is broadcast to Dashboards.
package devices

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

// Transition names carried in device_status_update.
const (
	TransitionHeartbeat        = "heartbeat"
	TransitionJobAssigned      = "job_assigned"
	TransitionJobTerminal      = "job_terminal"
	TransitionReleased         = "released"
	TransitionHostDisconnected = "host_disconnected"
	TransitionInitComplete     = "init_complete"
	TransitionStale            = "stale"
)

const (
	defaultStaleAfter    = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
	defaultFlushInterval = 2 * time.Second
	flushTimeout         = 10 * time.Second
)

// Outbound delivers messages produced by transitions. Implementations must
// not block and must not call back into the Manager.
type Outbound interface {
	BroadcastDashboards(env models.Envelope)
	SendToHost(hostID string, env models.Envelope) error
}

type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	FlushInterval time.Duration
	Provisioning  models.ProvisioningConfig
}

// Manager owns the device table.
type Manager struct {
	mu          sync.RWMutex
	devices     map[string]*models.Device
	initPending map[string]bool

	updatesMu sync.Mutex
	updates   map[string]models.Device

	out    Outbound
	store  store.Store
	events natsutil.Emitter
	cfg    Config
	now    func() time.Time
	logger logger.Logger
}

func NewManager(cfg Config, out Outbound, st store.Store, events natsutil.Emitter, log logger.Logger) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	if events == nil {
		events = natsutil.NopEmitter{}
	}

	return &Manager{
		devices:     make(map[string]*models.Device),
		initPending: make(map[string]bool),
		updates:     make(map[string]models.Device),
		out:         out,
		store:       st,
		events:      events,
		cfg:         cfg,
		now:         time.Now,
		logger:      log,
	}
}

// Load seeds the table from persisted records. No host is connected yet, so
// every device starts offline with no assignment.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.ListDevices(ctx)
	if err != nil {
		return models.NewPersistenceError("failed to load devices", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range records {
		d := records[i]
		d.Status = models.DeviceOffline
		d.CurrentAssignmentID = ""
		m.devices[d.DeviceID] = &d
	}

	m.logger.Info().Int("device_count", len(records)).Msg("Loaded device records")

	return nil
}

type pendingEvent struct {
	deviceID string
	payload  models.DeviceStatusUpdatePayload
}

// HandleHeartbeat applies HEARTBEAT_RECEIVED for every slot row reported by
// hostID. Rows naming devices outside the host are ignored.
func (m *Manager) HandleHeartbeat(hostID string, hb *models.HeartbeatPayload) error {
	if hb.HostID != "" && hb.HostID != hostID {
		return models.NewValidationError(models.CodeInvalidHostID, "heartbeat host id does not match the session")
	}

	now := m.now().UTC()

	var emitted []pendingEvent

	m.mu.Lock()

	for _, r := range hb.Devices {
		if r.Slot < 1 || models.DeviceIDFor(hostID, r.Slot) != r.DeviceID {
			m.logger.Warn().Str("host_id", hostID).Str("device_id", r.DeviceID).Int("slot", r.Slot).
				Msg("Ignoring heartbeat row for a device outside the host")

			continue
		}

		d, known := m.devices[r.DeviceID]

		var prev models.DeviceStatus

		if known {
			prev = d.Status
		} else {
			d = &models.Device{DeviceID: r.DeviceID}
			m.devices[r.DeviceID] = d
		}

		d.HostID = hostID
		d.Slot = r.Slot
		d.IP = r.IP
		d.LastHeartbeatAt = now

		if r.Serial != "" {
			d.HardwareSerial = r.Serial
		}

		d.Status = mergeStatus(d, r.Status)

		if !known || prev != d.Status {
			d.UpdatedAt = now
			emitted = append(emitted, m.publishLocked(d, prev, TransitionHeartbeat))
		}

		m.queueUpdate(*d)
		m.maybeProvisionLocked(d)
	}

	m.mu.Unlock()

	m.emit(emitted)

	return nil
}

// mergeStatus lets a Hub-held assignment win over whatever the Worker
// reports. A Worker claiming busy without a Hub assignment is treated as idle.
func mergeStatus(d *models.Device, reported models.DeviceStatus) models.DeviceStatus {
	if d.CurrentAssignmentID != "" {
		return models.DeviceBusy
	}

	switch reported {
	case models.DeviceIdle, models.DeviceOffline, models.DeviceError:
		return reported
	case models.DeviceBusy:
		return models.DeviceIdle
	default:
		return models.DeviceOffline
	}
}

func (m *Manager) maybeProvisionLocked(d *models.Device) {
	if d.Status != models.DeviceIdle || d.Initialized || m.initPending[d.DeviceID] {
		return
	}

	env, err := models.NewEnvelope(models.MsgDeviceInit, models.DeviceInitPayload{
		DeviceID:     d.DeviceID,
		Provisioning: m.cfg.Provisioning,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("Failed to encode device_init")

		return
	}

	if err := m.out.SendToHost(d.HostID, env); err != nil {
		m.logger.Warn().Err(err).Str("device_id", d.DeviceID).Str("host_id", d.HostID).Msg("Failed to send device_init")

		return
	}

	m.initPending[d.DeviceID] = true

	m.logger.Info().Str("device_id", d.DeviceID).Str("host_id", d.HostID).Msg("Sent first-seen provisioning")
}

// Reserve applies JOB_ASSIGNED. It fails if the device is unknown, not
// reachable or already holds an assignment.
func (m *Manager) Reserve(deviceID, assignmentID string) error {
	m.mu.Lock()

	d, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()

		return models.NewUnavailableError(models.CodeDeviceNotFound, "device "+deviceID+" is not known")
	}

	if d.CurrentAssignmentID != "" {
		m.mu.Unlock()

		return models.NewUnavailableError(models.CodeDeviceBusy, "device "+deviceID+" already holds assignment "+d.CurrentAssignmentID)
	}

	if d.Status != models.DeviceIdle {
		m.mu.Unlock()

		return models.NewUnavailableError(models.CodeDeviceOffline, "device "+deviceID+" is "+string(d.Status))
	}

	prev := d.Status
	d.Status = models.DeviceBusy
	d.CurrentAssignmentID = assignmentID
	d.UpdatedAt = m.now().UTC()
	ev := m.publishLocked(d, prev, TransitionJobAssigned)
	m.queueUpdate(*d)

	m.mu.Unlock()

	m.emit([]pendingEvent{ev})

	return nil
}

// Release undoes a reservation whose assignment never reached the Worker.
func (m *Manager) Release(deviceID, assignmentID string) {
	m.clearAssignment(deviceID, assignmentID, TransitionReleased)
}

// CompleteJob applies JOB_TERMINAL. It reports false when the device does not
// hold assignmentID, e.g. a late report after a disconnect.
func (m *Manager) CompleteJob(deviceID, assignmentID string) bool {
	return m.clearAssignment(deviceID, assignmentID, TransitionJobTerminal)
}

func (m *Manager) clearAssignment(deviceID, assignmentID, transition string) bool {
	m.mu.Lock()

	d, ok := m.devices[deviceID]
	if !ok || d.CurrentAssignmentID == "" || d.CurrentAssignmentID != assignmentID {
		m.mu.Unlock()

		return false
	}

	prev := d.Status
	d.CurrentAssignmentID = ""

	if d.Status == models.DeviceBusy {
		d.Status = models.DeviceIdle
	}

	d.UpdatedAt = m.now().UTC()
	ev := m.publishLocked(d, prev, transition)
	m.queueUpdate(*d)

	m.mu.Unlock()

	m.emit([]pendingEvent{ev})

	return true
}

// HostDisconnected applies HOST_DISCONNECTED to every device owned by hostID
// and returns the assignments those devices were holding, keyed by device.
func (m *Manager) HostDisconnected(hostID string) map[string]string {
	orphaned := make(map[string]string)

	var emitted []pendingEvent

	now := m.now().UTC()

	m.mu.Lock()

	for _, d := range m.sortedLocked() {
		if d.HostID != hostID {
			continue
		}

		delete(m.initPending, d.DeviceID)

		if d.Status == models.DeviceOffline && d.CurrentAssignmentID == "" {
			continue
		}

		if d.CurrentAssignmentID != "" {
			orphaned[d.DeviceID] = d.CurrentAssignmentID
		}

		prev := d.Status
		d.Status = models.DeviceOffline
		d.CurrentAssignmentID = ""
		d.UpdatedAt = now
		emitted = append(emitted, m.publishLocked(d, prev, TransitionHostDisconnected))
		m.queueUpdate(*d)
	}

	m.mu.Unlock()

	m.emit(emitted)

	m.logger.Info().Str("host_id", hostID).Int("device_count", len(emitted)).Int("orphaned_assignments", len(orphaned)).
		Msg("Marked host devices offline")

	return orphaned
}

// InitComplete applies INIT_COMPLETE.
func (m *Manager) InitComplete(hostID, deviceID string) error {
	m.mu.Lock()

	d, ok := m.devices[deviceID]
	if !ok || d.HostID != hostID {
		m.mu.Unlock()

		return models.NewUnavailableError(models.CodeDeviceNotFound, "device "+deviceID+" is not owned by "+hostID)
	}

	delete(m.initPending, deviceID)

	if d.Initialized {
		m.mu.Unlock()

		return nil
	}

	d.Initialized = true
	d.UpdatedAt = m.now().UTC()
	ev := m.publishLocked(d, d.Status, TransitionInitComplete)
	m.queueUpdate(*d)

	m.mu.Unlock()

	m.emit([]pendingEvent{ev})

	return nil
}

// SweepStale moves idle devices whose last heartbeat is older than the stale
// threshold to error. Each device is broadcast once per stale episode.
func (m *Manager) SweepStale(now time.Time) int {
	threshold := now.Add(-m.cfg.StaleAfter)

	var emitted []pendingEvent

	m.mu.Lock()

	for _, d := range m.sortedLocked() {
		if d.Status != models.DeviceIdle || !d.LastHeartbeatAt.Before(threshold) {
			continue
		}

		d.Status = models.DeviceError
		d.UpdatedAt = now.UTC()
		emitted = append(emitted, m.publishLocked(d, models.DeviceIdle, TransitionStale))
		m.queueUpdate(*d)
	}

	m.mu.Unlock()

	m.emit(emitted)

	if len(emitted) > 0 {
		m.logger.Warn().Int("device_count", len(emitted)).Msg("Marked stale devices as error")
	}

	return len(emitted)
}

// Get returns a copy of one device.
func (m *Manager) Get(deviceID string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}

	return *d, true
}

// List returns copies of every device ordered by device id.
func (m *Manager) List() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := m.sortedLocked()
	out := make([]models.Device, 0, len(sorted))

	for _, d := range sorted {
		out = append(out, *d)
	}

	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.devices)
}

func (m *Manager) sortedLocked() []*models.Device {
	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// publishLocked broadcasts under the table lock so Dashboards observe
// transitions of one device in the order they were applied.
func (m *Manager) publishLocked(d *models.Device, prev models.DeviceStatus, transition string) pendingEvent {
	payload := models.DeviceStatusUpdatePayload{
		Device:         *d,
		PreviousStatus: prev,
		Transition:     transition,
	}

	env, err := models.NewEnvelope(models.MsgDeviceStatusUpdate, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("Failed to encode device_status_update")
	} else {
		m.out.BroadcastDashboards(env)
	}

	return pendingEvent{deviceID: d.DeviceID, payload: payload}
}

func (m *Manager) emit(events []pendingEvent) {
	for _, ev := range events {
		m.events.Emit(context.Background(), natsutil.EventDeviceStatus, ev.deviceID, ev.payload)
	}
}
