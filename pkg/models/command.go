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

// CommandStatus is the outcome carried in command_ack and command_result.
type CommandStatus string

const (
	CommandOK     CommandStatus = "ok"
	CommandFailed CommandStatus = "failed"
)

// Command verbs accepted from Dashboards. Anything else is rejected before it
// reaches a Worker.
const (
	VerbTap        = "tap"
	VerbSwipe      = "swipe"
	VerbText       = "text"
	VerbKey        = "key"
	VerbHome       = "home"
	VerbBack       = "back"
	VerbScreenshot = "screenshot"
	VerbReboot     = "reboot"
	VerbLaunch     = "launch"
)

var knownVerbs = map[string]struct{}{
	VerbTap:        {},
	VerbSwipe:      {},
	VerbText:       {},
	VerbKey:        {},
	VerbHome:       {},
	VerbBack:       {},
	VerbScreenshot: {},
	VerbReboot:     {},
	VerbLaunch:     {},
}

// KnownVerb reports whether verb is part of the command vocabulary.
func KnownVerb(verb string) bool {
	_, ok := knownVerbs[verb]

	return ok
}

// Command is an ad-hoc request from a Dashboard for one device.
type Command struct {
	CommandID string            `json:"commandId"`
	DeviceID  string            `json:"deviceId"`
	Verb      string            `json:"verb"`
	Params    map[string]string `json:"params,omitempty"`
}
