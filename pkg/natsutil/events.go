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

package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

// EventType identifies one kind of fleet lifecycle event.
type EventType string

const (
	EventDeviceStatus       EventType = "device.status"
	EventHostConnected      EventType = "host.connected"
	EventHostDisconnected   EventType = "host.disconnected"
	EventJobStatus          EventType = "job.status"
	EventAssignmentFinished EventType = "assignment.finished"
	EventCommandAudit       EventType = "command.audit"
)

const (
	DefaultStream        = "FLEET_EVENTS"
	DefaultSubjectPrefix = "fleet"

	eventSource      = "phonefleet/hub"
	eventTypePrefix  = "com.carverauto.phonefleet."
	flushTimeout     = 5 * time.Second
	maxPendingAsync  = 1024
	streamMaxAgeDays = 7
)

// CloudEvent is the CloudEvents 1.0 envelope written to JetStream.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject"`
	Time            time.Time   `json:"time"`
	Data            interface{} `json:"data"`
}

// Emitter records fleet events. Implementations never block the caller on
// the network.
type Emitter interface {
	Emit(ctx context.Context, eventType EventType, subjectID string, data interface{})
}

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, EventType, string, interface{}) {}

type asyncPublisher interface {
	PublishAsync(subject string, data []byte, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// EventPublisher publishes CloudEvents to a JetStream stream. A nil
// *EventPublisher is valid and publishes nothing.
type EventPublisher struct {
	js     asyncPublisher
	prefix string
	logger logger.Logger
	now    func() time.Time
}

// NewEventPublisher wraps an existing JetStream context.
func NewEventPublisher(js asyncPublisher, subjectPrefix string, log logger.Logger) *EventPublisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}

	return &EventPublisher{
		js:     js,
		prefix: strings.TrimSuffix(subjectPrefix, "."),
		logger: log,
		now:    time.Now,
	}
}

// Subject returns the NATS subject an event is written to.
func (p *EventPublisher) Subject(eventType EventType) string {
	return p.prefix + "." + string(eventType)
}

// Emit publishes asynchronously and logs failures.
func (p *EventPublisher) Emit(ctx context.Context, eventType EventType, subjectID string, data interface{}) {
	if p == nil || p.js == nil {
		return
	}

	if err := p.Publish(ctx, eventType, subjectID, data); err != nil {
		p.logger.Warn().Err(err).Str("event_type", string(eventType)).Str("subject_id", subjectID).Msg("Failed to publish fleet event")
	}
}

// Publish marshals data into a CloudEvent and hands it to JetStream without
// waiting for the ack.
func (p *EventPublisher) Publish(_ context.Context, eventType EventType, subjectID string, data interface{}) error {
	if p == nil || p.js == nil {
		return nil
	}

	event := CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypePrefix + string(eventType),
		DataContentType: "application/json",
		Subject:         subjectID,
		Time:            p.now().UTC(),
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if _, err := p.js.PublishAsync(p.Subject(eventType), eventBytes, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	return nil
}

// Flush waits for outstanding async publishes or until ctx expires.
func (p *EventPublisher) Flush(ctx context.Context) error {
	if p == nil || p.js == nil {
		return nil
	}

	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection owns the NATS connection behind an EventPublisher.
type Connection struct {
	*EventPublisher
	nc *nats.Conn
}

// Close flushes pending events and drains the connection.
func (c *Connection) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	flushErr := c.Flush(ctx)

	return errors.Join(flushErr, c.nc.Drain())
}

// Connect dials NATS, ensures the event stream exists and returns a ready
// publisher.
func Connect(ctx context.Context, cfg *models.NATSConfig, log logger.Logger) (*Connection, error) {
	if !cfg.Enabled() {
		return nil, errNATSDisabled
	}

	nc, err := nats.Connect(cfg.URL, connectionOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncMaxPending(maxPendingAsync))
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	streamName := cfg.Stream
	if streamName == "" {
		streamName = DefaultStream
	}

	if err := ensureStream(ctx, js, streamName, prefix+".>"); err != nil {
		nc.Close()

		return nil, err
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("stream", streamName).Msg("Connected fleet event publisher")

	return &Connection{EventPublisher: NewEventPublisher(js, prefix, log), nc: nc}, nil
}

var errNATSDisabled = errors.New("nats is not configured")

func connectionOptions(cfg *models.NATSConfig, log logger.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("phonefleet-hub"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	return opts
}

type streamManager interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

func ensureStream(ctx context.Context, js streamManager, name, subject string) error {
	stream, err := js.Stream(ctx, name)
	if err != nil && !isStreamMissingErr(err) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	cfg := jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		MaxAge:   streamMaxAgeDays * 24 * time.Hour,
	}

	if stream != nil {
		existing := stream.CachedInfo().Config
		updated := ensureSubjectList(append([]string(nil), existing.Subjects...), subject)

		if len(updated) == len(existing.Subjects) {
			return nil
		}

		existing.Subjects = updated
		cfg = existing
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create or update stream %s: %w", name, err)
	}

	return nil
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}

// ensureSubjectList appends subject unless an existing pattern already covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject applies NATS wildcard rules. A literal "<prefix>.>" subject is
// treated as a pattern on both sides so a stream already capturing it matches.
func matchesSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return len(sTokens) > i
		}

		if i >= len(sTokens) {
			return false
		}

		if p != "*" && p != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}
