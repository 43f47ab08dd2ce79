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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

type sentToHost struct {
	hostID string
	env    models.Envelope
}

type fakeOutbound struct {
	mu         sync.Mutex
	broadcasts []models.Envelope
	sent       []sentToHost
	sendErr    error
}

func (f *fakeOutbound) BroadcastDashboards(env models.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts = append(f.broadcasts, env)
}

func (f *fakeOutbound) SendToHost(hostID string, env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, sentToHost{hostID: hostID, env: env})

	return nil
}

func (f *fakeOutbound) updates(t *testing.T) []models.DeviceStatusUpdatePayload {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.DeviceStatusUpdatePayload, 0, len(f.broadcasts))

	for _, env := range f.broadcasts {
		require.Equal(t, models.MsgDeviceStatusUpdate, env.Type)

		var p models.DeviceStatusUpdatePayload
		require.NoError(t, env.Decode(&p))

		out = append(out, p)
	}

	return out
}

func (f *fakeOutbound) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts = nil
	f.sent = nil
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, st store.Store) (*Manager, *fakeOutbound, *time.Time) {
	t.Helper()

	if st == nil {
		st = store.NewMemoryStore()
	}

	out := &fakeOutbound{}
	m := NewManager(Config{StaleAfter: 30 * time.Second}, out, st, nil, logger.NewTestLogger())

	clock := t0
	m.now = func() time.Time { return clock }

	return m, out, &clock
}

func heartbeat(hostID string, statuses ...models.DeviceStatus) *models.HeartbeatPayload {
	hb := &models.HeartbeatPayload{HostID: hostID}

	for i, s := range statuses {
		hb.Devices = append(hb.Devices, models.DeviceReport{
			DeviceID: models.DeviceIDFor(hostID, i+1),
			Slot:     i + 1,
			Serial:   "SERIAL" + string(rune('A'+i)),
			Status:   s,
		})
	}

	return hb
}

// initAll marks every device initialized so provisioning does not add noise.
func initAll(t *testing.T, m *Manager, hostID string) {
	t.Helper()

	for _, d := range m.List() {
		if d.HostID == hostID {
			require.NoError(t, m.InitComplete(hostID, d.DeviceID))
		}
	}
}

func TestHeartbeatCreatesDevicesAndBroadcastsOnChange(t *testing.T) {
	m, out, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceOffline)))

	updates := out.updates(t)
	require.Len(t, updates, 2)
	assert.Equal(t, "HOST01-001", updates[0].Device.DeviceID)
	assert.Equal(t, models.DeviceIdle, updates[0].Device.Status)
	assert.Equal(t, TransitionHeartbeat, updates[0].Transition)
	assert.Equal(t, models.DeviceOffline, updates[1].Device.Status)

	d, ok := m.Get("HOST01-001")
	require.True(t, ok)
	assert.Equal(t, "HOST01", d.HostID)
	assert.Equal(t, "SERIALA", d.HardwareSerial)
	assert.Equal(t, t0, d.LastHeartbeatAt)

	out.reset()
	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceOffline)))
	assert.Empty(t, out.updates(t), "unchanged heartbeat must not broadcast")
}

func TestHeartbeatRejectsForeignRows(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	err := m.HandleHeartbeat("HOST01", heartbeat("HOST02", models.DeviceIdle))
	require.ErrorIs(t, err, models.ErrValidation)

	hb := &models.HeartbeatPayload{Devices: []models.DeviceReport{
		{DeviceID: "HOST02-001", Slot: 1, Status: models.DeviceIdle},
		{DeviceID: "HOST01-000", Slot: 0, Status: models.DeviceIdle},
	}}
	require.NoError(t, m.HandleHeartbeat("HOST01", hb))
	assert.Zero(t, m.Count())
}

func TestFirstSeenIdleDeviceIsProvisionedOnce(t *testing.T) {
	m, out, _ := newTestManager(t, nil)
	m.cfg.Provisioning = models.ProvisioningConfig{StayAwake: true}

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceOffline)))
	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceOffline)))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "HOST01", out.sent[0].hostID)
	assert.Equal(t, models.MsgDeviceInit, out.sent[0].env.Type)

	var p models.DeviceInitPayload
	require.NoError(t, out.sent[0].env.Decode(&p))
	assert.Equal(t, "HOST01-001", p.DeviceID)
	assert.True(t, p.Provisioning.StayAwake)

	out.reset()
	require.NoError(t, m.InitComplete("HOST01", "HOST01-001"))

	updates := out.updates(t)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Device.Initialized)
	assert.Equal(t, TransitionInitComplete, updates[0].Transition)

	require.Error(t, m.InitComplete("HOST02", "HOST01-001"))
}

func TestProvisioningRetriedAfterSendFailure(t *testing.T) {
	m, out, _ := newTestManager(t, nil)
	out.sendErr = errors.New("send queue full")

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	assert.Empty(t, out.sent)

	out.sendErr = nil
	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	assert.Len(t, out.sent, 1)
}

func TestReserveEnforcesSingleAssignment(t *testing.T) {
	m, out, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceOffline)))
	initAll(t, m, "HOST01")
	out.reset()

	require.NoError(t, m.Reserve("HOST01-001", "a-1"))

	d, _ := m.Get("HOST01-001")
	assert.Equal(t, models.DeviceBusy, d.Status)
	assert.Equal(t, "a-1", d.CurrentAssignmentID)

	err := m.Reserve("HOST01-001", "a-2")
	require.ErrorIs(t, err, models.ErrDeviceUnavailable)
	assert.Equal(t, models.CodeDeviceBusy, models.AsPayload(err).Code)

	err = m.Reserve("HOST01-002", "a-3")
	assert.Equal(t, models.CodeDeviceOffline, models.AsPayload(err).Code)

	err = m.Reserve("HOST09-001", "a-4")
	assert.Equal(t, models.CodeDeviceNotFound, models.AsPayload(err).Code)

	updates := out.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, TransitionJobAssigned, updates[0].Transition)
	assert.Equal(t, models.DeviceIdle, updates[0].PreviousStatus)
}

func TestHubBusyWinsOverReportedStatus(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	require.NoError(t, m.Reserve("HOST01-001", "a-1"))

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))

	d, _ := m.Get("HOST01-001")
	assert.Equal(t, models.DeviceBusy, d.Status)
	assert.Equal(t, "a-1", d.CurrentAssignmentID)
}

func TestReportedBusyWithoutAssignmentIsIdle(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceBusy)))

	d, _ := m.Get("HOST01-001")
	assert.Equal(t, models.DeviceIdle, d.Status)
	assert.Empty(t, d.CurrentAssignmentID)
}

func TestCompleteJobReturnsDeviceToIdle(t *testing.T) {
	m, out, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	initAll(t, m, "HOST01")
	require.NoError(t, m.Reserve("HOST01-001", "a-1"))
	out.reset()

	assert.False(t, m.CompleteJob("HOST01-001", "other"))
	assert.True(t, m.CompleteJob("HOST01-001", "a-1"))
	assert.False(t, m.CompleteJob("HOST01-001", "a-1"))

	d, _ := m.Get("HOST01-001")
	assert.Equal(t, models.DeviceIdle, d.Status)
	assert.Empty(t, d.CurrentAssignmentID)

	updates := out.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, TransitionJobTerminal, updates[0].Transition)
}

func TestReleaseUndoesReservation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	require.NoError(t, m.Reserve("HOST01-001", "a-1"))
	m.Release("HOST01-001", "a-1")

	d, _ := m.Get("HOST01-001")
	assert.Equal(t, models.DeviceIdle, d.Status)
	require.NoError(t, m.Reserve("HOST01-001", "a-2"))
}

func TestHostDisconnectCascade(t *testing.T) {
	m, out, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceIdle, models.DeviceIdle)))
	require.NoError(t, m.HandleHeartbeat("HOST02", heartbeat("HOST02", models.DeviceIdle)))
	initAll(t, m, "HOST01")
	require.NoError(t, m.Reserve("HOST01-002", "a-1"))
	out.reset()

	orphaned := m.HostDisconnected("HOST01")
	assert.Equal(t, map[string]string{"HOST01-002": "a-1"}, orphaned)

	updates := out.updates(t)
	require.Len(t, updates, 3)

	for _, u := range updates {
		assert.Equal(t, models.DeviceOffline, u.Device.Status)
		assert.Empty(t, u.Device.CurrentAssignmentID)
		assert.Equal(t, TransitionHostDisconnected, u.Transition)
	}

	d, _ := m.Get("HOST02-001")
	assert.Equal(t, models.DeviceIdle, d.Status)

	out.reset()
	assert.Empty(t, m.HostDisconnected("HOST01"))
	assert.Empty(t, out.updates(t), "already offline devices are not re-broadcast")
}

func TestBusyImpliesAssignmentUnderConcurrency(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))

	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if err := m.Reserve("HOST01-001", string(rune('a'+i))); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}

			_ = m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle))
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, winners)

	for _, d := range m.List() {
		assert.Equal(t, d.Status == models.DeviceBusy, d.CurrentAssignmentID != "")
	}
}

func TestSweepStaleBroadcastsOnce(t *testing.T) {
	m, out, clock := newTestManager(t, nil)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceIdle)))
	initAll(t, m, "HOST01")
	require.NoError(t, m.Reserve("HOST01-002", "a-1"))
	out.reset()

	assert.Zero(t, m.SweepStale(t0.Add(20*time.Second)))
	assert.Equal(t, 1, m.SweepStale(t0.Add(31*time.Second)), "busy devices are not swept")
	assert.Zero(t, m.SweepStale(t0.Add(60*time.Second)))

	updates := out.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, models.DeviceError, updates[0].Device.Status)
	assert.Equal(t, TransitionStale, updates[0].Transition)

	*clock = t0.Add(70 * time.Second)
	out.reset()

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle, models.DeviceIdle)))

	updates = out.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, models.DeviceError, updates[0].PreviousStatus)
	assert.Equal(t, models.DeviceIdle, updates[0].Device.Status)
}

func TestFlushPersistsLatestSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	m, _, _ := newTestManager(t, st)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	require.NoError(t, m.Reserve("HOST01-001", "a-1"))

	m.Flush(context.Background())

	records, err := st.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.DeviceBusy, records[0].Status)
	assert.Equal(t, "a-1", records[0].CurrentAssignmentID)
}

func TestFlushSurvivesPersistenceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := store.NewMockStore(ctrl)
	st.EXPECT().UpsertDevice(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")).Times(1)

	m, _, _ := newTestManager(t, st)

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	m.Flush(context.Background())
	m.Flush(context.Background())

	d, ok := m.Get("HOST01-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceIdle, d.Status)
}

func TestLoadStartsOffline(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertDevice(context.Background(), &models.Device{
		DeviceID: "HOST01-001", HostID: "HOST01", Slot: 1, Status: models.DeviceBusy,
		CurrentAssignmentID: "a-1", Initialized: true,
	}))

	m, _, _ := newTestManager(t, st)
	require.NoError(t, m.Load(context.Background()))

	d, ok := m.Get("HOST01-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, d.Status)
	assert.Empty(t, d.CurrentAssignmentID)
	assert.True(t, d.Initialized)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	m, _, _ := newTestManager(t, st)
	m.cfg.FlushInterval = time.Hour
	m.cfg.SweepInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.HandleHeartbeat("HOST01", heartbeat("HOST01", models.DeviceIdle)))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}

	records, err := st.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
