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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	fleethttp "github.com/carverauto/phonefleet/pkg/http"
	"github.com/carverauto/phonefleet/pkg/hub/jobs"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/version"
)

const maxRequestBody = 1 << 20

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	WorkerCount     int    `json:"workerCount"`
	DashboardCount  int    `json:"dashboardCount"`
	DeviceCount     int    `json:"deviceCount"`
	ActiveStreams   int    `json:"activeStreams"`
	PendingCommands int    `json:"pendingCommands"`
}

type jobDetail struct {
	Job         *models.Job         `json:"job"`
	Assignments []models.Assignment `json:"assignments"`
}

type commentsRequest struct {
	JobID    string   `json:"jobId"`
	Comments []string `json:"comments"`
}

type commentsResponse struct {
	JobID string `json:"jobId"`
	Added int    `json:"added"`
}

type latestVideoRequest struct {
	URL string `json:"url"`
}

type distributeRequest struct {
	Assignments []models.DistributeTarget `json:"assignments"`
}

func (s *Server) setupRoutes() {
	s.router.Use(fleethttp.CommonMiddleware(s.logger))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/worker", s.broker.HandleWorker)
	s.router.HandleFunc("/ws/dashboard", s.broker.HandleDashboard)

	protected := s.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(s.authenticationMiddleware)

	protected.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	protected.HandleFunc("/jobs", s.createJob).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	protected.HandleFunc("/jobs/{id}/distribute", s.distributeJob).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{id}/{action:pause|resume|cancel}", s.controlJob).Methods(http.MethodPost)
	protected.HandleFunc("/comments", s.addComments).Methods(http.MethodPost)
	protected.HandleFunc("/channels/{id}/latest-video", s.setLatestVideo).Methods(http.MethodPut)
	protected.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{id}", s.getDevice).Methods(http.MethodGet)
}

// authenticationMiddleware accepts the same bearer tokens as Dashboard sockets.
func (s *Server) authenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.tokens.VerifyRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}

		s.logger.Debug().Str("subject", identity.SubjectID).Str("method", r.Method).Str("path", r.URL.Path).
			Msg("Operator API request")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) health() healthResponse {
	workers, dashboards := s.broker.Counts()

	status := "ok"
	if !s.ready.Load() {
		status = "unavailable"
	}

	return healthResponse{
		Status:          status,
		Version:         version.GetFullVersion(),
		WorkerCount:     workers,
		DashboardCount:  dashboards,
		DeviceCount:     s.devices.Count(),
		ActiveStreams:   s.relay.ActiveStreams(),
		PendingCommands: s.relay.PendingCommands(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.health()

	if !s.ready.Load() || !s.broker.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed on store ping")

		resp.Status = "store_unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	assignments, err := s.jobs.ListAssignments(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobDetail{Job: job, Assignments: assignments})
}

func (s *Server) distributeJob(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.jobs.Distribute(r.Context(), mux.Vars(r)["id"], req.Assignments)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) controlJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var (
		job *models.Job
		err error
	)

	switch models.JobControlAction(vars["action"]) {
	case models.JobControlPause:
		job, err = s.jobs.Pause(r.Context(), vars["id"])
	case models.JobControlResume:
		job, err = s.jobs.Resume(r.Context(), vars["id"])
	default:
		job, err = s.jobs.Cancel(r.Context(), vars["id"])
	}

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) addComments(w http.ResponseWriter, r *http.Request) {
	var req commentsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	added, err := s.jobs.AddComments(r.Context(), req.JobID, req.Comments)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commentsResponse{JobID: req.JobID, Added: added})
}

func (s *Server) setLatestVideo(w http.ResponseWriter, r *http.Request) {
	var req latestVideoRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.jobs.SetLatestVideo(r.Context(), mux.Vars(r)["id"], req.URL); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	d, ok := s.devices.Get(deviceID)
	if !ok {
		writeError(w, models.NewUnavailableError(models.CodeDeviceNotFound, "device "+deviceID+" is not known"))
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeError(w, &models.FleetError{
			Kind:    models.ErrValidation,
			Code:    models.CodeInvalidPayload,
			Message: "invalid request body",
			Err:     err,
		})

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), models.AsPayload(err))
}

// statusFor maps an error kind and code onto an HTTP status.
func statusFor(err error) int {
	var fe *models.FleetError
	if errors.As(err, &fe) {
		switch fe.Code {
		case models.CodeJobNotFound, models.CodeDeviceNotFound:
			return http.StatusNotFound
		case models.CodeShuttingDown:
			return http.StatusServiceUnavailable
		}
	}

	switch {
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDeviceUnavailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
