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
	"context"

	"github.com/carverauto/phonefleet/pkg/hub/broker"
	"github.com/carverauto/phonefleet/pkg/hub/devices"
	"github.com/carverauto/phonefleet/pkg/hub/jobs"
	"github.com/carverauto/phonefleet/pkg/hub/relay"
	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
	"github.com/carverauto/phonefleet/pkg/natsutil"
)

// dispatcher routes broker callbacks to the device table, job engine and
// relay. It is the only broker.Handler in the Hub.
type dispatcher struct {
	broker  *broker.Broker
	devices *devices.Manager
	jobs    *jobs.Engine
	relay   *relay.Relay
	events  natsutil.Emitter
	logger  logger.Logger
}

type hostEvent struct {
	HostID string `json:"hostId"`
}

type hostDisconnectedEvent struct {
	HostID        string `json:"hostId"`
	OrphanedCount int    `json:"orphanedCount"`
}

func (d *dispatcher) WorkerConnected(hostID string) {
	d.events.Emit(context.Background(), natsutil.EventHostConnected, hostID, hostEvent{HostID: hostID})
}

func (d *dispatcher) WorkerMessage(ctx context.Context, hostID string, env models.Envelope) error {
	switch env.Type {
	case models.MsgHeartbeat:
		var p models.HeartbeatPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		return d.devices.HandleHeartbeat(hostID, &p)
	case models.MsgJobStarted, models.MsgJobProgress, models.MsgJobCompleted, models.MsgJobFailed:
		var p models.JobEventPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		return d.jobs.HandleJobEvent(hostID, env.Type, &p)
	case models.MsgJobRequest:
		var p models.JobRequestPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		return d.jobs.HandleJobRequest(ctx, hostID, p.DeviceID)
	case models.MsgCommandAck:
		var p models.CommandAckPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		d.relay.CommandAck(hostID, &p)

		return nil
	case models.MsgInitComplete:
		var p models.InitCompletePayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		return d.devices.InitComplete(hostID, p.DeviceID)
	case models.MsgDeviceLog:
		return d.deviceLog(hostID, env)
	default:
		return models.NewValidationError(models.CodeInvalidPayload, "unsupported worker message "+string(env.Type))
	}
}

func (d *dispatcher) deviceLog(hostID string, env models.Envelope) error {
	var p models.DeviceLogPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	dev, ok := d.devices.Get(p.DeviceID)
	if !ok || dev.HostID != hostID {
		return models.NewValidationError(models.CodeDeviceNotFound, "device "+p.DeviceID+" is not owned by "+hostID)
	}

	d.broker.BroadcastRoom(broker.LogRoom(p.DeviceID), env)

	return nil
}

func (d *dispatcher) WorkerFrame(hostID string, frame []byte) {
	if err := d.relay.RelayFrame(hostID, frame); err != nil {
		d.logger.Debug().Err(err).Str("host_id", hostID).Msg("Dropped stream frame")
	}
}

// WorkerDisconnected runs the disconnect cascade: devices go offline, their
// in-flight assignments fail and relay state for the host is released.
func (d *dispatcher) WorkerDisconnected(hostID string) {
	orphaned := d.devices.HostDisconnected(hostID)

	d.jobs.FailOrphaned(hostID, orphaned)
	d.relay.HostClosed(hostID)

	d.logger.Info().Str("host_id", hostID).Int("orphaned_count", len(orphaned)).Msg("Host disconnect cascade complete")

	d.events.Emit(context.Background(), natsutil.EventHostDisconnected, hostID, hostDisconnectedEvent{
		HostID:        hostID,
		OrphanedCount: len(orphaned),
	})
}

func (d *dispatcher) DashboardConnected(dash broker.Dashboard) {
	d.sendSnapshot(dash.SocketID)
}

func (d *dispatcher) sendSnapshot(socketID string) {
	env, err := models.NewEnvelope(models.MsgDeviceSnapshot, models.DeviceSnapshotPayload{Devices: d.devices.List()})
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode device snapshot")
		return
	}

	if err := d.broker.SendToDashboard(socketID, env); err != nil {
		d.logger.Debug().Err(err).Str("socket_id", socketID).Msg("Failed to send device snapshot")
	}
}

func (d *dispatcher) DashboardMessage(ctx context.Context, dash broker.Dashboard, env models.Envelope) error {
	issuer := relay.Issuer{SocketID: dash.SocketID, SubjectID: dash.Identity.SubjectID}

	switch env.Type {
	case models.MsgCommandSend:
		var p models.CommandSendPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		// Failures are already reported as a failed command_result.
		_, _ = d.relay.SendCommand(issuer, &p)

		return nil
	case models.MsgCommandBroadcast:
		var p models.CommandBroadcastPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		d.relay.Broadcast(issuer, &p)

		return nil
	case models.MsgJobDistribute:
		return d.distribute(ctx, dash, env)
	case models.MsgJobPause, models.MsgJobResume, models.MsgJobCancel:
		return d.control(ctx, env)
	case models.MsgDeviceList:
		d.sendSnapshot(dash.SocketID)
		return nil
	case models.MsgStreamStart:
		var p models.StreamPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		return d.relay.StartStream(dash.SocketID, &p)
	case models.MsgStreamStop:
		var p models.StreamPayload
		if err := env.Decode(&p); err != nil {
			return err
		}

		d.relay.StopStream(dash.SocketID, p.DeviceID)

		return nil
	default:
		return models.NewValidationError(models.CodeInvalidPayload, "unsupported dashboard message "+string(env.Type))
	}
}

func (d *dispatcher) distribute(ctx context.Context, dash broker.Dashboard, env models.Envelope) error {
	var p models.JobDistributePayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	result, err := d.jobs.Distribute(ctx, p.JobID, p.Assignments)
	if err != nil {
		return err
	}

	reply, err := models.NewEnvelope(models.MsgJobDistributeResult, result)
	if err != nil {
		return err
	}

	return d.broker.SendToDashboard(dash.SocketID, reply)
}

func (d *dispatcher) control(ctx context.Context, env models.Envelope) error {
	var p models.JobIDPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	var err error

	switch env.Type {
	case models.MsgJobPause:
		_, err = d.jobs.Pause(ctx, p.JobID)
	case models.MsgJobResume:
		_, err = d.jobs.Resume(ctx, p.JobID)
	default:
		_, err = d.jobs.Cancel(ctx, p.JobID)
	}

	return err
}

func (d *dispatcher) DashboardDisconnected(socketID string) {
	d.relay.DashboardClosed(socketID)
}
