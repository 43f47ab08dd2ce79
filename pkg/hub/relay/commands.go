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

package relay

import (
	"context"
	"time"

	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

type commandAudit struct {
	CommandID string               `json:"commandId"`
	DeviceID  string               `json:"deviceId"`
	HostID    string               `json:"hostId,omitempty"`
	Verb      string               `json:"verb"`
	SubjectID string               `json:"subjectId,omitempty"`
	Status    models.CommandStatus `json:"status,omitempty"`
	Error     *models.ErrorPayload `json:"error,omitempty"`
}

// SendCommand relays one command to the owning Worker. Any failure is
// reported to the issuer as a failed command_result and returned; nothing is
// retried or queued.
func (r *Relay) SendCommand(issuer Issuer, p *models.CommandSendPayload) (string, error) {
	commandID := p.CommandID
	if commandID == "" {
		commandID = r.newID()
	}

	err := r.sendCommand(issuer, commandID, p.DeviceID, p.Verb, p.Params)
	if err != nil {
		r.reportResult(issuer, commandID, p.DeviceID, models.CommandFailed, "", err)
	}

	return commandID, err
}

// Broadcast relays the same command to several devices and returns how many
// were handed to a Worker.
func (r *Relay) Broadcast(issuer Issuer, p *models.CommandBroadcastPayload) int {
	sent := 0

	for _, deviceID := range p.DeviceIDs {
		if _, err := r.SendCommand(issuer, &models.CommandSendPayload{DeviceID: deviceID, Verb: p.Verb, Params: p.Params}); err == nil {
			sent++
		}
	}

	return sent
}

func (r *Relay) sendCommand(issuer Issuer, commandID, deviceID, verb string, params map[string]string) error {
	if !models.KnownVerb(verb) {
		return models.NewValidationError(models.CodeInvalidCommand, "unknown command verb "+verb)
	}

	d, err := r.reachable(deviceID)
	if err != nil {
		return err
	}

	env, err := models.NewEnvelope(models.MsgDeviceCommand, models.DeviceCommandPayload{
		CommandID: commandID,
		DeviceID:  deviceID,
		Verb:      verb,
		Params:    params,
	})
	if err != nil {
		return models.NewValidationError(models.CodeInvalidPayload, "failed to encode command")
	}

	r.mu.Lock()
	if _, dup := r.pending[commandID]; dup {
		r.mu.Unlock()

		return models.NewValidationError(models.CodeInvalidPayload, "command "+commandID+" is already pending")
	}

	r.pending[commandID] = &pendingCommand{
		issuer:   issuer,
		deviceID: deviceID,
		hostID:   d.HostID,
		verb:     verb,
		issuedAt: r.now(),
	}
	r.mu.Unlock()

	if err := r.out.SendToHost(d.HostID, env); err != nil {
		r.mu.Lock()
		delete(r.pending, commandID)
		r.mu.Unlock()

		return models.NewUnavailableError(models.CodeSendFailed, "failed to deliver command to "+d.HostID)
	}

	r.logger.Debug().Str("command_id", commandID).Str("device_id", deviceID).Str("verb", verb).
		Str("socket_id", issuer.SocketID).Msg("Relayed device command")

	r.events.Emit(context.Background(), natsutil.EventCommandAudit, commandID, commandAudit{
		CommandID: commandID, DeviceID: deviceID, HostID: d.HostID, Verb: verb, SubjectID: issuer.SubjectID,
	})

	return nil
}

// CommandAck completes a pending command reported by hostID.
func (r *Relay) CommandAck(hostID string, ack *models.CommandAckPayload) {
	r.mu.Lock()

	pc, ok := r.pending[ack.CommandID]
	if ok && pc.hostID == hostID {
		delete(r.pending, ack.CommandID)
	}

	r.mu.Unlock()

	if !ok || pc.hostID != hostID {
		r.logger.Debug().Str("command_id", ack.CommandID).Str("host_id", hostID).Msg("Ignoring ack for unknown command")

		return
	}

	status := ack.Status
	if status != models.CommandOK {
		status = models.CommandFailed
	}

	result := models.CommandResultPayload{
		CommandID: ack.CommandID,
		DeviceID:  pc.deviceID,
		Status:    status,
		Output:    ack.Output,
		Error:     ack.Error,
	}

	r.deliverResult(pc.issuer.SocketID, result)

	r.events.Emit(context.Background(), natsutil.EventCommandAudit, ack.CommandID, commandAudit{
		CommandID: ack.CommandID, DeviceID: pc.deviceID, HostID: hostID, Verb: pc.verb,
		SubjectID: pc.issuer.SubjectID, Status: status, Error: ack.Error,
	})
}

// ExpirePending fails commands that have waited longer than the timeout.
func (r *Relay) ExpirePending(now time.Time) int {
	expired := make(map[string]*pendingCommand)

	r.mu.Lock()

	for id, pc := range r.pending {
		if now.Sub(pc.issuedAt) >= r.commandTimeout {
			expired[id] = pc
			delete(r.pending, id)
		}
	}

	r.mu.Unlock()

	for id, pc := range expired {
		r.reportResult(pc.issuer, id, pc.deviceID, models.CommandFailed, "",
			models.NewUnavailableError(models.CodeTimeout, "device did not acknowledge the command in time"))
	}

	if len(expired) > 0 {
		r.logger.Warn().Int("command_count", len(expired)).Msg("Expired unacknowledged commands")
	}

	return len(expired)
}

func (r *Relay) PendingCommands() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

func (r *Relay) reportResult(issuer Issuer, commandID, deviceID string, status models.CommandStatus, output string, err error) {
	result := models.CommandResultPayload{
		CommandID: commandID,
		DeviceID:  deviceID,
		Status:    status,
		Output:    output,
	}

	if err != nil {
		p := models.AsPayload(err)
		result.Error = &p
	}

	r.deliverResult(issuer.SocketID, result)
}

func (r *Relay) deliverResult(socketID string, result models.CommandResultPayload) {
	env, err := models.NewEnvelope(models.MsgCommandResult, result)
	if err != nil {
		return
	}

	if err := r.out.SendToDashboard(socketID, env); err != nil {
		r.logger.Debug().Err(err).Str("socket_id", socketID).Str("command_id", result.CommandID).
			Msg("Dashboard gone before command result")
	}
}
