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

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/hub/auth"
	"github.com/carverauto/phonefleet/pkg/hub/jobs"
	"github.com/carverauto/phonefleet/pkg/hub/store"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

const (
	testWorkerSecret = "worker-secret"
	testJWTSecret    = "jwt-secret"
	testIssuer       = "https://idp.phonefleet.test"
	waitFor          = 3 * time.Second
	tick             = 10 * time.Millisecond
)

type testHub struct {
	server *Server
	http   *httptest.Server
	token  string
}

func testConfig() *models.HubConfig {
	cfg := &models.HubConfig{
		ListenAddr:   "127.0.0.1:0",
		WorkerSecret: testWorkerSecret,
		Auth:         models.AuthConfig{JWTSecret: testJWTSecret, Issuer: testIssuer},
	}

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	return cfg
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	s := newServer(testConfig(), store.NewMemoryStore(), natsutil.NopEmitter{}, logger.NewTestLogger())
	s.ready.Store(true)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		_ = s.broker.Close(ctx)
	})

	token, err := auth.IssueToken(testJWTSecret, testIssuer, "operator-1", "admin", "", time.Hour)
	require.NoError(t, err)

	return &testHub{server: s, http: srv, token: token}
}

func (h *testHub) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}

func (h *testHub) dialWorker(t *testing.T, hostID string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set(auth.HeaderHostID, hostID)
	header.Set(auth.HeaderWorkerSecret, testWorkerSecret)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/worker"), header)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return h.server.broker.HostConnected(hostID) }, waitFor, tick)

	return conn
}

func (h *testHub) dialDashboard(t *testing.T) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/dashboard"), header)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func (h *testHub) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func send(t *testing.T, conn *websocket.Conn, msgType models.MessageType, payload interface{}) {
	t.Helper()

	env, err := models.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil returns the next text message of type want, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, want models.MessageType) models.Envelope {
	t.Helper()

	deadline := time.Now().Add(waitFor)

	for {
		require.NoError(t, conn.SetReadDeadline(deadline))

		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)

		if messageType != websocket.TextMessage {
			continue
		}

		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))

		if env.Type == want {
			return env
		}
	}
}

func heartbeat(hostID string, statuses ...models.DeviceStatus) models.HeartbeatPayload {
	hb := models.HeartbeatPayload{HostID: hostID, Timestamp: time.Now().UTC()}

	for i, status := range statuses {
		slot := i + 1
		hb.Devices = append(hb.Devices, models.DeviceReport{
			DeviceID: models.DeviceIDFor(hostID, slot),
			Slot:     slot,
			Serial:   "SER" + models.DeviceIDFor(hostID, slot),
			Status:   status,
		})
	}

	return hb
}

func TestHubJobLifecycleEndToEnd(t *testing.T) {
	h := newTestHub(t)

	worker := h.dialWorker(t, "HOST01")
	send(t, worker, models.MsgHeartbeat, heartbeat("HOST01", models.DeviceIdle, models.DeviceIdle))

	require.Eventually(t, func() bool { return h.server.devices.Count() == 2 }, waitFor, tick)

	dash := h.dialDashboard(t)

	var snapshot models.DeviceSnapshotPayload
	require.NoError(t, readUntil(t, dash, models.MsgDeviceSnapshot).Decode(&snapshot))
	assert.Len(t, snapshot.Devices, 2)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"title":       "launch video",
		"url":         "https://video.example.com/watch?v=abc",
		"targetCount": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, models.JobActive, job.Status)

	send(t, dash, models.MsgJobDistribute, models.JobDistributePayload{
		JobID: job.JobID,
		Assignments: []models.DistributeTarget{
			{DeviceID: "HOST01-001"},
			{DeviceID: "HOST01-002"},
			{DeviceID: "HOST09-001"},
		},
	})

	var result models.JobDistributeResultPayload
	require.NoError(t, readUntil(t, dash, models.MsgJobDistributeResult).Decode(&result))
	assert.Equal(t, 2, result.SentCount)
	assert.Equal(t, 3, result.TotalCount)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "HOST09-001", result.Skipped[0].DeviceID)

	assigns := make([]models.JobAssignPayload, 0, 2)

	for range 2 {
		var a models.JobAssignPayload
		require.NoError(t, readUntil(t, worker, models.MsgJobAssign).Decode(&a))
		assert.Equal(t, "https://video.example.com/watch?v=abc", a.Params.URL)
		assigns = append(assigns, a)
	}

	send(t, worker, models.MsgJobCompleted, models.JobEventPayload{
		JobID: job.JobID, AssignmentID: assigns[0].AssignmentID, DeviceID: assigns[0].DeviceID,
	})
	send(t, worker, models.MsgJobFailed, models.JobEventPayload{
		JobID: job.JobID, AssignmentID: assigns[1].AssignmentID, DeviceID: assigns[1].DeviceID, Error: "player crashed",
	})

	require.Eventually(t, func() bool {
		got, err := h.server.jobs.GetJob(context.Background(), job.JobID)
		return err == nil && got.Status == models.JobCompleted
	}, waitFor, tick)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail jobDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, 1, detail.Job.CompletedCount)
	assert.Equal(t, 1, detail.Job.FailedCount)
	assert.Len(t, detail.Assignments, 2)

	for _, id := range []string{"HOST01-001", "HOST01-002"} {
		d, ok := h.server.devices.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.DeviceIdle, d.Status, id)
		assert.Empty(t, d.CurrentAssignmentID, id)
	}
}

func TestHubWorkerDisconnectCascade(t *testing.T) {
	h := newTestHub(t)

	worker := h.dialWorker(t, "HOST01")
	send(t, worker, models.MsgHeartbeat, heartbeat("HOST01", models.DeviceIdle))

	require.Eventually(t, func() bool { return h.server.devices.Count() == 1 }, waitFor, tick)

	job, err := h.server.jobs.CreateJob(context.Background(), &jobs.CreateJobRequest{URL: "https://v.example.com/1", TargetCount: 1})
	require.NoError(t, err)

	result, err := h.server.jobs.Distribute(context.Background(), job.JobID, []models.DistributeTarget{{DeviceID: "HOST01-001"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.SentCount)

	require.NoError(t, worker.Close())

	require.Eventually(t, func() bool {
		d, ok := h.server.devices.Get("HOST01-001")
		return ok && d.Status == models.DeviceOffline && d.CurrentAssignmentID == ""
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		assignments, err := h.server.jobs.ListAssignments(context.Background(), job.JobID)
		return err == nil && len(assignments) == 1 && assignments[0].Status == models.AssignmentFailed
	}, waitFor, tick)
}

func TestHubDeviceLogRoom(t *testing.T) {
	h := newTestHub(t)

	worker := h.dialWorker(t, "HOST01")
	send(t, worker, models.MsgHeartbeat, heartbeat("HOST01", models.DeviceIdle))

	require.Eventually(t, func() bool { return h.server.devices.Count() == 1 }, waitFor, tick)

	dash := h.dialDashboard(t)
	readUntil(t, dash, models.MsgDeviceSnapshot)

	send(t, dash, models.MsgLogsJoin, models.DeviceRefPayload{DeviceID: "HOST01-001"})

	// device_list round trip orders the join ahead of the log line.
	send(t, dash, models.MsgDeviceList, nil)
	readUntil(t, dash, models.MsgDeviceSnapshot)

	send(t, worker, models.MsgDeviceLog, models.DeviceLogPayload{DeviceID: "HOST01-001", Line: "runner started"})

	var line models.DeviceLogPayload
	require.NoError(t, readUntil(t, dash, models.MsgDeviceLog).Decode(&line))
	assert.Equal(t, "runner started", line.Line)

	send(t, worker, models.MsgDeviceLog, models.DeviceLogPayload{DeviceID: "HOST02-001", Line: "spoofed"})

	var errPayload models.ErrorPayload
	require.NoError(t, readUntil(t, worker, models.MsgError).Decode(&errPayload))
	assert.Equal(t, models.CodeDeviceNotFound, errPayload.Code)
}

func TestHubRESTRequiresToken(t *testing.T) {
	h := newTestHub(t)

	resp, err := http.Get(h.http.URL + "/api/v1/devices")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var payload models.ErrorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, models.CodeAuthMissing, payload.Code)
}

func TestHubRESTErrors(t *testing.T) {
	h := newTestHub(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{name: "unknown job", method: http.MethodGet, path: "/api/v1/jobs/nope", status: http.StatusNotFound, code: models.CodeJobNotFound},
		{name: "invalid job", method: http.MethodPost, path: "/api/v1/jobs", body: map[string]int{"targetCount": 0}, status: http.StatusBadRequest, code: models.CodeInvalidPayload},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/jobs", body: map[string]string{"bogus": "x"}, status: http.StatusBadRequest, code: models.CodeInvalidPayload},
		{name: "unknown device", method: http.MethodGet, path: "/api/v1/devices/HOST01-404", status: http.StatusNotFound, code: models.CodeDeviceNotFound},
		{name: "pause unknown job", method: http.MethodPost, path: "/api/v1/jobs/nope/pause", status: http.StatusNotFound, code: models.CodeJobNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)

			var payload models.ErrorPayload
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.Equal(t, tc.code, payload.Code)
		})
	}
}

func TestHubChannelWatermarkAndComments(t *testing.T) {
	h := newTestHub(t)

	resp := h.do(t, http.MethodPut, "/api/v1/channels/chan-1/latest-video", latestVideoRequest{URL: "https://v.example.com/latest"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"channelId": "chan-1", "targetCount": 1, "commentsEnabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))

	resp = h.do(t, http.MethodPost, "/api/v1/comments", commentsRequest{JobID: job.JobID, Comments: []string{"great", "nice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var added commentsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.Equal(t, 2, added.Added)

	worker := h.dialWorker(t, "HOST01")
	send(t, worker, models.MsgHeartbeat, heartbeat("HOST01", models.DeviceIdle))
	require.Eventually(t, func() bool { return h.server.devices.Count() == 1 }, waitFor, tick)

	send(t, worker, models.MsgJobRequest, models.JobRequestPayload{DeviceID: "HOST01-001"})

	var assign models.JobAssignPayload
	require.NoError(t, readUntil(t, worker, models.MsgJobAssign).Decode(&assign))
	assert.Equal(t, "https://v.example.com/latest", assign.Params.URL)
	assert.NotEmpty(t, assign.Comment)
}

func TestHubHealth(t *testing.T) {
	h := newTestHub(t)

	h.dialWorker(t, "HOST01")

	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "dev", health.Version)
	assert.Equal(t, 1, health.WorkerCount)

	ready, err := http.Get(h.http.URL + "/readyz")
	require.NoError(t, err)

	defer ready.Body.Close()

	assert.Equal(t, http.StatusOK, ready.StatusCode)

	h.server.ready.Store(false)

	notReady, err := http.Get(h.http.URL + "/readyz")
	require.NoError(t, err)

	defer notReady.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, notReady.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	s := newServer(testConfig(), st, natsutil.NopEmitter{}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())

	startErr := make(chan error, 1)

	go func() { startErr <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" && s.ready.Load() }, waitFor, tick)

	header := http.Header{}
	header.Set(auth.HeaderHostID, "HOST01")
	header.Set(auth.HeaderWorkerSecret, testWorkerSecret)

	worker, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws/worker", header)
	require.NoError(t, err)

	defer worker.Close()

	send(t, worker, models.MsgHeartbeat, heartbeat("HOST01", models.DeviceIdle))
	require.Eventually(t, func() bool { return s.devices.Count() == 1 }, waitFor, tick)

	cancel()
	require.NoError(t, <-startErr)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), waitFor)
	defer stopCancel()

	require.NoError(t, s.Stop(stopCtx))

	readUntil(t, worker, models.MsgServerShutdown)

	// Shutdown skips the disconnect cascade and flushes the device record.
	persisted, err := st.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "HOST01-001", persisted[0].DeviceID)
	assert.Equal(t, models.DeviceIdle, persisted[0].Status)

	assert.False(t, s.ready.Load())
}
