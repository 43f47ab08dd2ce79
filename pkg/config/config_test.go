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

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

const hubJSON = `{
	// comments are allowed
	"listen_addr": ":8080",
	"worker_secret": "s3cret",
	"auth": {"jwt_secret": "jwt", "issuer": "https://idp.example"},
	"store": {"driver": "memory"},
	"stale_after": "45s",
	"ping_interval": 30000000000,
}`

func TestLoadAndValidateJSONC(t *testing.T) {
	path := writeFile(t, "hub.json", hubJSON)

	var cfg models.HubConfig
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://idp.example", cfg.Auth.Issuer)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.StaleAfter))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.PingInterval))
	assert.InDelta(t, 20.0, cfg.CommandRate, 0.001)
	assert.Equal(t, 40, cfg.CommandBurst)
}

func TestLoadAndValidateYAML(t *testing.T) {
	path := writeFile(t, "worker.yaml", `
host_id: PC07-B
hub_url: ws://hub.local:8080/ws/worker
worker_secret: s3cret
registry_path: /tmp/slots.json
heartbeat_interval: 5s
`)

	var cfg models.WorkerConfig
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "PC07-B", cfg.HostID)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.HeartbeatInterval))
	assert.Equal(t, models.DefaultMaxSlots, cfg.MaxSlots)
	assert.Equal(t, models.DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
	assert.Equal(t, "adb", cfg.ADBPath)
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	path := writeFile(t, "hub.json", hubJSON)

	t.Setenv("PHONEFLEET_WORKER_SECRET", "from-env")
	t.Setenv("PHONEFLEET_AUTH_JWT_SECRET", "jwt-env")
	t.Setenv("PHONEFLEET_STALE_AFTER", "1m")
	t.Setenv("PHONEFLEET_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	var cfg models.HubConfig
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "from-env", cfg.WorkerSecret)
	assert.Equal(t, "jwt-env", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Minute, time.Duration(cfg.StaleAfter))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Nil(t, cfg.NATS, "untargeted pointer sections stay nil")
}

func TestEnvOnlySource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("PHONEFLEET_LISTEN_ADDR", ":9000")
	t.Setenv("PHONEFLEET_WORKER_SECRET", "x")
	t.Setenv("PHONEFLEET_AUTH_JWT_SECRET", "y")
	t.Setenv("PHONEFLEET_AUTH_ISSUER", "https://idp.example")
	t.Setenv("PHONEFLEET_NATS_URL", "nats://localhost:4222")

	var cfg models.HubConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), "/does/not/exist", &cfg))

	assert.Equal(t, ":9000", cfg.ListenAddr)
	require.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, models.StoreMemory, cfg.Store.Driver)
}

func TestInvalidConfigSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "kv")

	var cfg models.HubConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), "x.json", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestValidationFailureIsReported(t *testing.T) {
	path := writeFile(t, "hub.json", `{"listen_addr": ":8080"}`)

	var cfg models.HubConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_secret")
}

func TestHubConfigRequiresIssuer(t *testing.T) {
	path := writeFile(t, "hub.json", `{
		"listen_addr": ":8080",
		"worker_secret": "s3cret",
		"auth": {"jwt_secret": "jwt"}
	}`)

	var cfg models.HubConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.issuer")
}

func TestSanitizedDropsSensitiveFields(t *testing.T) {
	cfg := models.HubConfig{
		ListenAddr:   ":8080",
		WorkerSecret: "s3cret",
		Auth:         models.AuthConfig{JWTSecret: "jwt", Issuer: "idp"},
		Store:        models.StoreConfig{Driver: models.StorePostgres, DSN: "postgres://u:p@db/fleet"},
		StaleAfter:   models.Duration(30 * time.Second),
	}

	raw, err := Sanitized(&cfg)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "s3cret")
	assert.NotContains(t, string(raw), "u:p@db")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ":8080", out["listen_addr"])
	assert.Equal(t, "30s", out["stale_after"])
	assert.Equal(t, "idp", out["auth"].(map[string]interface{})["issuer"])
}
