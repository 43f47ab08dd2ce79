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
	"sort"
	"strconv"
	"strings"

	"github.com/carverauto/phonefleet/pkg/models"
)

const defaultSettingsNamespace = "system"

// stayOnAllPlugTypes keeps the screen on for AC, USB and wireless power.
const stayOnAllPlugTypes = "7"

type settingWrite struct {
	namespace string
	key       string
	value     string
}

// provisioningPlan flattens a provisioning config into settings writes.
// Settings keys take the form "namespace/key"; a bare key is a system setting.
func provisioningPlan(cfg models.ProvisioningConfig) []settingWrite {
	var plan []settingWrite

	if cfg.StayAwake {
		plan = append(plan, settingWrite{"global", "stay_on_while_plugged_in", stayOnAllPlugTypes})
	}

	if cfg.ScreenTimeoutSec > 0 {
		plan = append(plan, settingWrite{"system", "screen_off_timeout", strconv.Itoa(cfg.ScreenTimeoutSec * 1000)})
	}

	keys := make([]string, 0, len(cfg.Settings))
	for k := range cfg.Settings {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		namespace, key, ok := strings.Cut(k, "/")
		if !ok {
			namespace, key = defaultSettingsNamespace, k
		}

		plan = append(plan, settingWrite{namespace, key, cfg.Settings[k]})
	}

	return plan
}

// provision applies first-seen configuration and acknowledges with
// init_complete. Individual setting failures are logged and skipped; the Hub
// sends device_init only once per device.
func (a *Agent) provision(ctx context.Context, p *models.DeviceInitPayload) {
	serial, err := a.resolve(p.DeviceID)
	if err != nil {
		a.logger.Warn().Err(err).Str("device_id", p.DeviceID).Msg("Cannot provision device")

		return
	}

	failed := 0

	for _, w := range provisioningPlan(p.Provisioning) {
		if err := a.adb.PutSetting(ctx, serial, w.namespace, w.key, w.value); err != nil {
			failed++

			a.logger.Warn().Err(err).Str("device_id", p.DeviceID).Str("setting", w.namespace+"/"+w.key).
				Msg("Failed to apply setting")
			a.deviceLog(p.DeviceID, "warn", "setting "+w.namespace+"/"+w.key+" not applied")
		}
	}

	if pkg := p.Provisioning.RunnerPackage; pkg != "" {
		out, err := a.adb.Shell(ctx, serial, "pm", "path", pkg)
		if err != nil || !strings.HasPrefix(strings.TrimSpace(string(out)), "package:") {
			a.logger.Warn().Str("device_id", p.DeviceID).Str("package", pkg).Msg("Runner package is not installed")
			a.deviceLog(p.DeviceID, "warn", "runner package "+pkg+" is not installed")
		}
	}

	if err := a.client.Send(models.MsgInitComplete, models.InitCompletePayload{DeviceID: p.DeviceID}); err != nil {
		a.logger.Warn().Err(err).Str("device_id", p.DeviceID).Msg("Failed to send init_complete")

		return
	}

	a.logger.Info().Str("device_id", p.DeviceID).Int("failed_settings", failed).Msg("Device provisioned")
}
