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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carverauto/phonefleet/pkg/logger"
)

// Duration is a time.Duration that decodes from "5s" strings or nanoseconds.
type Duration time.Duration

var (
	errInvalidDuration    = errors.New("invalid duration")
	errMissingListenAddr  = errors.New("listen_addr is required")
	errMissingSecret      = errors.New("worker_secret is required")
	errMissingJWTSecret   = errors.New("auth.jwt_secret is required")
	errMissingIssuer      = errors.New("auth.issuer is required")
	errUnknownStoreDriver = errors.New("unknown store driver")
	errMissingDSN         = errors.New("store.dsn is required for postgres")
	errMissingStorePath   = errors.New("store.path is required for sqlite")
	errMissingHubURL      = errors.New("hub_url is required")
	errInvalidHubURL      = errors.New("hub_url must be a ws:// or wss:// url")
	errInvalidMaxSlots    = errors.New("max_slots must be between 1 and 999")
	errMissingRegistry    = errors.New("registry_path is required")
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}

		*d = Duration(time.Duration(n))

		return nil
	}

	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}

	*d = Duration(dur)

	return nil
}

// Std returns the value as a time.Duration, falling back to def when unset.
func (d Duration) Std(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return time.Duration(d)
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

type StoreConfig struct {
	Driver   StoreDriver `json:"driver" yaml:"driver"`
	DSN      string      `json:"dsn,omitempty" yaml:"dsn" sensitive:"true"`
	Path     string      `json:"path,omitempty" yaml:"path"`
	MaxConns int32       `json:"max_conns,omitempty" yaml:"max_conns"`
	MinConns int32       `json:"min_conns,omitempty" yaml:"min_conns"`
}

func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "", StoreMemory:
		c.Driver = StoreMemory
	case StorePostgres:
		if c.DSN == "" {
			return errMissingDSN
		}
	case StoreSQLite:
		if c.Path == "" {
			return errMissingStorePath
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownStoreDriver, c.Driver)
	}

	return nil
}

// NATSConfig points the Hub at a JetStream server for audit and lifecycle
// events. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `json:"url,omitempty" yaml:"url"`
	Stream        string `json:"stream,omitempty" yaml:"stream"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix"`
	CredsFile     string `json:"creds_file,omitempty" yaml:"creds_file"`
}

func (c *NATSConfig) Enabled() bool {
	return c != nil && c.URL != ""
}

type AuthConfig struct {
	JWTSecret          string   `json:"jwt_secret" yaml:"jwt_secret" sensitive:"true"`
	Issuer             string   `json:"issuer,omitempty" yaml:"issuer"`
	TokenSweepInterval Duration `json:"token_sweep_interval,omitempty" yaml:"token_sweep_interval"`
}

// HubConfig configures the fleet-hub process.
type HubConfig struct {
	ListenAddr         string             `json:"listen_addr" yaml:"listen_addr"`
	WorkerSecret       string             `json:"worker_secret" yaml:"worker_secret" sensitive:"true"`
	Auth               AuthConfig         `json:"auth" yaml:"auth"`
	Store              StoreConfig        `json:"store" yaml:"store"`
	NATS               *NATSConfig        `json:"nats,omitempty" yaml:"nats"`
	PingInterval       Duration           `json:"ping_interval,omitempty" yaml:"ping_interval"`
	PongWait           Duration           `json:"pong_wait,omitempty" yaml:"pong_wait"`
	StaleAfter         Duration           `json:"stale_after,omitempty" yaml:"stale_after"`
	StaleSweepInterval Duration           `json:"stale_sweep_interval,omitempty" yaml:"stale_sweep_interval"`
	CommandTimeout     Duration           `json:"command_timeout,omitempty" yaml:"command_timeout"`
	CommandRate        float64            `json:"command_rate,omitempty" yaml:"command_rate"`
	CommandBurst       int                `json:"command_burst,omitempty" yaml:"command_burst"`
	ShutdownDrain      Duration           `json:"shutdown_drain,omitempty" yaml:"shutdown_drain"`
	AllowedOrigins     []string           `json:"allowed_origins,omitempty" yaml:"allowed_origins"`
	Provisioning       ProvisioningConfig `json:"provisioning" yaml:"provisioning"`
	Logging            *logger.Config     `json:"logging,omitempty" yaml:"logging"`
}

func (c *HubConfig) Validate() error {
	if c.ListenAddr == "" {
		return errMissingListenAddr
	}

	if c.WorkerSecret == "" {
		return errMissingSecret
	}

	if c.Auth.JWTSecret == "" {
		return errMissingJWTSecret
	}

	if c.Auth.Issuer == "" {
		return errMissingIssuer
	}

	if c.CommandRate <= 0 {
		c.CommandRate = 20
	}

	if c.CommandBurst <= 0 {
		c.CommandBurst = 40
	}

	return c.Store.Validate()
}

// WorkerConfig configures one fleet-worker agent.
type WorkerConfig struct {
	HostID               string         `json:"host_id" yaml:"host_id"`
	HubURL               string         `json:"hub_url" yaml:"hub_url"`
	WorkerSecret         string         `json:"worker_secret" yaml:"worker_secret" sensitive:"true"`
	RegistryPath         string         `json:"registry_path" yaml:"registry_path"`
	MaxSlots             int            `json:"max_slots,omitempty" yaml:"max_slots"`
	ADBPath              string         `json:"adb_path,omitempty" yaml:"adb_path"`
	HeartbeatInterval    Duration       `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval"`
	CommandTimeout       Duration       `json:"command_timeout,omitempty" yaml:"command_timeout"`
	MaxReconnectAttempts int            `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration       `json:"reconnect_base_delay,omitempty" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration       `json:"reconnect_max_delay,omitempty" yaml:"reconnect_max_delay"`
	StatusPollInterval   Duration       `json:"status_poll_interval,omitempty" yaml:"status_poll_interval"`
	JobTimeout           Duration       `json:"job_timeout,omitempty" yaml:"job_timeout"`
	RunnerPackage        string         `json:"runner_package,omitempty" yaml:"runner_package"`
	RunnerActivity       string         `json:"runner_activity,omitempty" yaml:"runner_activity"`
	SendHighWatermark    int            `json:"send_high_watermark,omitempty" yaml:"send_high_watermark"`
	Logging              *logger.Config `json:"logging,omitempty" yaml:"logging"`
}

const (
	DefaultMaxSlots             = 20
	DefaultMaxReconnectAttempts = 100
	DefaultSendHighWatermark    = 4 << 20
	DefaultRunnerPackage        = "com.phonefleet.runner"
)

func (c *WorkerConfig) Validate() error {
	if !ValidHostID(c.HostID) {
		return fmt.Errorf("%w: %q", NewValidationError(CodeInvalidHostID, "host_id does not match the host id pattern"), c.HostID)
	}

	if c.HubURL == "" {
		return errMissingHubURL
	}

	u, err := url.Parse(c.HubURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errInvalidHubURL
	}

	if c.WorkerSecret == "" {
		return errMissingSecret
	}

	if c.RegistryPath == "" {
		return errMissingRegistry
	}

	if c.MaxSlots == 0 {
		c.MaxSlots = DefaultMaxSlots
	}

	if c.MaxSlots < 1 || c.MaxSlots > 999 {
		return errInvalidMaxSlots
	}

	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if c.SendHighWatermark <= 0 {
		c.SendHighWatermark = DefaultSendHighWatermark
	}

	if c.RunnerPackage == "" {
		c.RunnerPackage = DefaultRunnerPackage
	}

	if c.ADBPath == "" {
		c.ADBPath = "adb"
	}

	return nil
}
