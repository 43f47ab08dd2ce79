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

// Package adb runs device-bridge commands against attached handsets. Every
// call validates its inputs and executes the adb binary with an argument
// vector; nothing is ever passed through a host shell.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

const defaultCommandTimeout = 30 * time.Second

// StateDevice is the adb state of an authorised, reachable handset.
const StateDevice = "device"

var (
	serialPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	ipPattern     = regexp.MustCompile(`inet (\d{1,3}(?:\.\d{1,3}){3})/`)

	errEmptyOutput = errors.New("empty output")
)

// Runner executes a binary with an argument vector.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return out, err
}

// AttachedDevice is one row of `adb devices`.
type AttachedDevice struct {
	Serial string
	State  string
}

type Executor struct {
	path    string
	runner  Runner
	timeout time.Duration
	logger  logger.Logger
}

func NewExecutor(path string, timeout time.Duration, log logger.Logger) *Executor {
	return NewExecutorWithRunner(path, timeout, OSRunner{}, log)
}

func NewExecutorWithRunner(path string, timeout time.Duration, runner Runner, log logger.Logger) *Executor {
	if path == "" {
		path = "adb"
	}

	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	return &Executor{path: path, runner: runner, timeout: timeout, logger: log}
}

// ValidSerial reports whether serial is safe to hand to adb.
func ValidSerial(serial string) bool {
	return serialPattern.MatchString(serial)
}

func invalidSerial(serial string) error {
	return models.NewValidationError(models.CodeInvalidSerial, fmt.Sprintf("serial %q contains disallowed characters", serial))
}

// Run executes `adb -s serial args...`.
func (e *Executor) Run(ctx context.Context, serial string, args ...string) ([]byte, error) {
	if !ValidSerial(serial) {
		return nil, invalidSerial(serial)
	}

	return e.exec(ctx, append([]string{"-s", serial}, args...)...)
}

// Shell executes `adb -s serial shell args...`. Arguments are joined by the
// device shell, so callers must quote anything that is not a fixed token.
func (e *Executor) Shell(ctx context.Context, serial string, args ...string) ([]byte, error) {
	return e.Run(ctx, serial, append([]string{"shell"}, args...)...)
}

func (e *Executor) exec(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	out, err := e.runner.Run(runCtx, e.path, args...)
	if err != nil {
		e.logger.Debug().Err(err).Strs("args", args).Dur("duration", time.Since(start)).Msg("adb command failed")

		return out, models.NewExecutionError("adb "+firstVerb(args)+" failed", true, err)
	}

	return out, nil
}

func firstVerb(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-s" {
			i++
			continue
		}

		return args[i]
	}

	return ""
}

// Devices lists every entry adb reports, including unauthorised ones.
func (e *Executor) Devices(ctx context.Context) ([]AttachedDevice, error) {
	out, err := e.exec(ctx, "devices")
	if err != nil {
		return nil, err
	}

	return parseDevices(out), nil
}

func parseDevices(out []byte) []AttachedDevice {
	var devices []AttachedDevice

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		devices = append(devices, AttachedDevice{Serial: fields[0], State: fields[1]})
	}

	return devices
}

// IP returns the wlan0 IPv4 address of serial, or "" when it has none.
func (e *Executor) IP(ctx context.Context, serial string) (string, error) {
	out, err := e.Shell(ctx, serial, "ip", "-f", "inet", "addr", "show", "wlan0")
	if err != nil {
		return "", err
	}

	m := ipPattern.FindSubmatch(out)
	if m == nil {
		return "", nil
	}

	return string(m[1]), nil
}

// Screencap returns a PNG of the current screen.
func (e *Executor) Screencap(ctx context.Context, serial string) ([]byte, error) {
	out, err := e.Run(ctx, serial, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, models.NewExecutionError("screencap returned no data", true, errEmptyOutput)
	}

	return out, nil
}
