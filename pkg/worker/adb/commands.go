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

package adb

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/carverauto/phonefleet/pkg/models"
)

const (
	keycodeHome = "3"
	keycodeBack = "4"

	maxTextLength = 1024
)

var (
	keycodePattern   = regexp.MustCompile(`^(KEYCODE_[A-Z0-9_]+|[0-9]{1,3})$`)
	packagePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)
	componentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*/[A-Za-z0-9_.$]+$`)
	actionPattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)
	extraKeyPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	remotePathRe     = regexp.MustCompile(`^/[A-Za-z0-9._/-]+$`)
	settingKeyRe     = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
	settingValueRe   = regexp.MustCompile(`^[A-Za-z0-9._:-]*$`)
	settingNamespace = map[string]bool{"system": true, "secure": true, "global": true}
)

func invalidCommand(msg string) error {
	return models.NewValidationError(models.CodeInvalidCommand, msg)
}

// EscapeText encodes free text for `input text`: spaces become %s and the
// result is single-quoted for the device shell, so metacharacters arrive as
// literal keystrokes.
func EscapeText(text string) string {
	encoded := strings.ReplaceAll(text, " ", "%s")

	return quote(encoded)
}

// quote wraps s in single quotes for the device shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Execute runs one Dashboard command verb against serial and returns any
// output worth reporting back.
func (e *Executor) Execute(ctx context.Context, serial, verb string, params map[string]string) (string, error) {
	if !ValidSerial(serial) {
		return "", invalidSerial(serial)
	}

	switch verb {
	case models.VerbTap:
		coords, err := intParams(params, "x", "y")
		if err != nil {
			return "", err
		}

		_, err = e.Shell(ctx, serial, append([]string{"input", "tap"}, coords...)...)

		return "", err
	case models.VerbSwipe:
		coords, err := intParams(params, "x1", "y1", "x2", "y2")
		if err != nil {
			return "", err
		}

		if _, ok := params["durationMs"]; ok {
			d, err := intParams(params, "durationMs")
			if err != nil {
				return "", err
			}

			coords = append(coords, d...)
		}

		_, err = e.Shell(ctx, serial, append([]string{"input", "swipe"}, coords...)...)

		return "", err
	case models.VerbText:
		text := params["text"]
		if text == "" || len(text) > maxTextLength || strings.ContainsAny(text, "\n\r\x00") {
			return "", invalidCommand("text must be 1-1024 characters on a single line")
		}

		_, err := e.Shell(ctx, serial, "input", "text", EscapeText(text))

		return "", err
	case models.VerbKey:
		code := params["keycode"]
		if !keycodePattern.MatchString(code) {
			return "", invalidCommand(fmt.Sprintf("invalid keycode %q", code))
		}

		return "", e.keyevent(ctx, serial, code)
	case models.VerbHome:
		return "", e.keyevent(ctx, serial, keycodeHome)
	case models.VerbBack:
		return "", e.keyevent(ctx, serial, keycodeBack)
	case models.VerbScreenshot:
		png, err := e.Screencap(ctx, serial)
		if err != nil {
			return "", err
		}

		return base64.StdEncoding.EncodeToString(png), nil
	case models.VerbReboot:
		_, err := e.Run(ctx, serial, "reboot")
		return "", err
	case models.VerbLaunch:
		return "", e.Launch(ctx, serial, params["package"])
	default:
		return "", invalidCommand("unknown command verb " + verb)
	}
}

func (e *Executor) keyevent(ctx context.Context, serial, code string) error {
	_, err := e.Shell(ctx, serial, "input", "keyevent", code)
	return err
}

func intParams(params map[string]string, names ...string) ([]string, error) {
	out := make([]string, 0, len(names))

	for _, name := range names {
		n, err := strconv.Atoi(params[name])
		if err != nil || n < 0 || n > 100000 {
			return nil, invalidCommand(fmt.Sprintf("parameter %s must be a non-negative integer", name))
		}

		out = append(out, strconv.Itoa(n))
	}

	return out, nil
}

// Launch starts the launcher activity of pkg.
func (e *Executor) Launch(ctx context.Context, serial, pkg string) error {
	if !packagePattern.MatchString(pkg) {
		return invalidCommand(fmt.Sprintf("invalid package %q", pkg))
	}

	_, err := e.Shell(ctx, serial, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")

	return err
}

// Install installs or replaces the APK at a host-local path.
func (e *Executor) Install(ctx context.Context, serial, apkPath string) error {
	if apkPath == "" || strings.HasPrefix(apkPath, "-") {
		return invalidCommand("invalid apk path")
	}

	_, err := e.Run(ctx, serial, "install", "-r", apkPath)

	return err
}

func (e *Executor) Uninstall(ctx context.Context, serial, pkg string) error {
	if !packagePattern.MatchString(pkg) {
		return invalidCommand(fmt.Sprintf("invalid package %q", pkg))
	}

	_, err := e.Run(ctx, serial, "uninstall", pkg)

	return err
}

// Push copies a host-local file to remote on the device.
func (e *Executor) Push(ctx context.Context, serial, local, remote string) error {
	if local == "" || strings.HasPrefix(local, "-") {
		return invalidCommand("invalid local path")
	}

	if !remotePathRe.MatchString(remote) {
		return invalidCommand(fmt.Sprintf("invalid remote path %q", remote))
	}

	_, err := e.Run(ctx, serial, "push", local, remote)

	return err
}

// ReadFile returns the contents of a device file.
func (e *Executor) ReadFile(ctx context.Context, serial, remote string) ([]byte, error) {
	if !remotePathRe.MatchString(remote) {
		return nil, invalidCommand(fmt.Sprintf("invalid remote path %q", remote))
	}

	return e.Run(ctx, serial, "exec-out", "cat", remote)
}

func (e *Executor) RemoveFile(ctx context.Context, serial, remote string) error {
	if !remotePathRe.MatchString(remote) {
		return invalidCommand(fmt.Sprintf("invalid remote path %q", remote))
	}

	_, err := e.Shell(ctx, serial, "rm", "-f", remote)

	return err
}

func (e *Executor) MakeDir(ctx context.Context, serial, remote string) error {
	if !remotePathRe.MatchString(remote) {
		return invalidCommand(fmt.Sprintf("invalid remote path %q", remote))
	}

	_, err := e.Shell(ctx, serial, "mkdir", "-p", remote)

	return err
}

// PutSetting writes one Android setting. Namespace, key and value are all
// allow-listed.
func (e *Executor) PutSetting(ctx context.Context, serial, namespace, key, value string) error {
	if !settingNamespace[namespace] {
		return invalidCommand("invalid settings namespace " + namespace)
	}

	if !settingKeyRe.MatchString(key) || !settingValueRe.MatchString(value) {
		return invalidCommand(fmt.Sprintf("invalid setting %s=%s", key, value))
	}

	_, err := e.Shell(ctx, serial, "settings", "put", namespace, key, value)

	return err
}

// StartActivity launches component with string extras.
func (e *Executor) StartActivity(ctx context.Context, serial, component string, extras map[string]string) error {
	if !componentPattern.MatchString(component) {
		return invalidCommand(fmt.Sprintf("invalid component %q", component))
	}

	args, err := extraArgs(extras)
	if err != nil {
		return err
	}

	_, err = e.Shell(ctx, serial, append([]string{"am", "start", "-n", component}, args...)...)

	return err
}

// Broadcast sends an intent broadcast with string extras.
func (e *Executor) Broadcast(ctx context.Context, serial, action string, extras map[string]string) error {
	if !actionPattern.MatchString(action) {
		return invalidCommand(fmt.Sprintf("invalid intent action %q", action))
	}

	args, err := extraArgs(extras)
	if err != nil {
		return err
	}

	_, err = e.Shell(ctx, serial, append([]string{"am", "broadcast", "-a", action}, args...)...)

	return err
}

func extraArgs(extras map[string]string) ([]string, error) {
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	args := make([]string, 0, 3*len(keys))

	for _, k := range keys {
		if !extraKeyPattern.MatchString(k) {
			return nil, invalidCommand(fmt.Sprintf("invalid extra key %q", k))
		}

		args = append(args, "--es", k, quote(extras[k]))
	}

	return args, nil
}
