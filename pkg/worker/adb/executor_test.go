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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/logger"
	"github.com/carverauto/phonefleet/pkg/models"
)

type runnerCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	outputs map[string][]byte
	err     error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})

	if f.err != nil {
		return nil, f.err
	}

	return f.outputs[firstVerb(args)], nil
}

func newTestExecutor() (*Executor, *fakeRunner) {
	r := &fakeRunner{outputs: map[string][]byte{}}

	return NewExecutorWithRunner("adb", 0, r, logger.NewTestLogger()), r
}

func codeOf(t *testing.T, err error) string {
	t.Helper()

	var fe *models.FleetError
	require.True(t, errors.As(err, &fe), "expected FleetError, got %v", err)

	return fe.Code
}

func TestValidSerial(t *testing.T) {
	tests := []struct {
		serial string
		want   bool
	}{
		{serial: "R58M12ABCDE", want: true},
		{serial: "192.168.1.20:5555", want: true},
		{serial: "emulator-5554", want: true},
		{serial: "", want: false},
		{serial: "abc;reboot", want: false},
		{serial: "abc|id", want: false},
		{serial: "abc`id`", want: false},
		{serial: "$(whoami)", want: false},
		{serial: "abc def", want: false},
		{serial: "abc\nreboot", want: false},
		{serial: "-s", want: false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ValidSerial(tc.serial), "%q", tc.serial)
	}
}

func TestMalformedSerialNeverReachesRunner(t *testing.T) {
	e, r := newTestExecutor()

	for _, serial := range []string{"abc;reboot", "abc|id", "a`id`", "--help", ""} {
		_, err := e.Execute(context.Background(), serial, models.VerbHome, nil)
		require.Error(t, err)
		assert.Equal(t, models.CodeInvalidSerial, codeOf(t, err))
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = e.Shell(context.Background(), serial, "id")
		require.Error(t, err)
	}

	assert.Empty(t, r.calls)
}

func TestTextInjectionStaysLiteral(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "command separator", text: "; rm -rf /", want: `';%srm%s-rf%s/'`},
		{name: "substitution", text: "$(whoami)", want: `'$(whoami)'`},
		{name: "backticks", text: "`reboot`", want: "'`reboot`'"},
		{name: "single quote", text: "it's", want: `'it'\''s'`},
		{name: "pipes and redirects", text: "a|b>c&&d", want: `'a|b>c&&d'`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, r := newTestExecutor()

			_, err := e.Execute(context.Background(), "SERIAL1", models.VerbText, map[string]string{"text": tc.text})
			require.NoError(t, err)

			require.Len(t, r.calls, 1)
			assert.Equal(t, "adb", r.calls[0].name)
			assert.Equal(t, []string{"-s", "SERIAL1", "shell", "input", "text", tc.want}, r.calls[0].args)
		})
	}
}

func TestExecuteRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		verb   string
		params map[string]string
		code   string
	}{
		{name: "tap with injection", verb: models.VerbTap, params: map[string]string{"x": "1;reboot", "y": "2"}, code: models.CodeInvalidCommand},
		{name: "tap missing y", verb: models.VerbTap, params: map[string]string{"x": "1"}, code: models.CodeInvalidCommand},
		{name: "negative swipe", verb: models.VerbSwipe, params: map[string]string{"x1": "-1", "y1": "0", "x2": "1", "y2": "1"}, code: models.CodeInvalidCommand},
		{name: "keycode injection", verb: models.VerbKey, params: map[string]string{"keycode": "3 && reboot"}, code: models.CodeInvalidCommand},
		{name: "empty text", verb: models.VerbText, params: map[string]string{}, code: models.CodeInvalidCommand},
		{name: "multiline text", verb: models.VerbText, params: map[string]string{"text": "a\nreboot"}, code: models.CodeInvalidCommand},
		{name: "bad package", verb: models.VerbLaunch, params: map[string]string{"package": "com.x;reboot"}, code: models.CodeInvalidCommand},
		{name: "unknown verb", verb: "shell", params: map[string]string{"cmd": "id"}, code: models.CodeInvalidCommand},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, r := newTestExecutor()

			_, err := e.Execute(context.Background(), "SERIAL1", tc.verb, tc.params)
			require.Error(t, err)
			assert.Equal(t, tc.code, codeOf(t, err))
			assert.Empty(t, r.calls)
		})
	}
}

func TestExecuteVerbs(t *testing.T) {
	tests := []struct {
		name   string
		verb   string
		params map[string]string
		want   []string
	}{
		{name: "tap", verb: models.VerbTap, params: map[string]string{"x": "10", "y": "20"}, want: []string{"-s", "S1", "shell", "input", "tap", "10", "20"}},
		{name: "swipe with duration", verb: models.VerbSwipe, params: map[string]string{"x1": "1", "y1": "2", "x2": "3", "y2": "4", "durationMs": "300"}, want: []string{"-s", "S1", "shell", "input", "swipe", "1", "2", "3", "4", "300"}},
		{name: "keycode name", verb: models.VerbKey, params: map[string]string{"keycode": "KEYCODE_ENTER"}, want: []string{"-s", "S1", "shell", "input", "keyevent", "KEYCODE_ENTER"}},
		{name: "back", verb: models.VerbBack, want: []string{"-s", "S1", "shell", "input", "keyevent", keycodeBack}},
		{name: "reboot", verb: models.VerbReboot, want: []string{"-s", "S1", "reboot"}},
		{name: "launch", verb: models.VerbLaunch, params: map[string]string{"package": "com.example.app"}, want: []string{"-s", "S1", "shell", "monkey", "-p", "com.example.app", "-c", "android.intent.category.LAUNCHER", "1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, r := newTestExecutor()

			_, err := e.Execute(context.Background(), "S1", tc.verb, tc.params)
			require.NoError(t, err)
			require.Len(t, r.calls, 1)
			assert.Equal(t, tc.want, r.calls[0].args)
		})
	}
}

func TestScreenshotIsBase64(t *testing.T) {
	e, r := newTestExecutor()
	r.outputs["exec-out"] = []byte("\x89PNG-data")

	out, err := e.Execute(context.Background(), "S1", models.VerbScreenshot, nil)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("\x89PNG-data")), out)

	r.outputs["exec-out"] = nil

	_, err = e.Execute(context.Background(), "S1", models.VerbScreenshot, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExecution)
}

func TestRunnerFailureIsRecoverableExecutionError(t *testing.T) {
	e, r := newTestExecutor()
	r.err = errors.New("device offline")

	_, err := e.Execute(context.Background(), "S1", models.VerbHome, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExecution)

	var fe *models.FleetError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Recoverable)
}

func TestParseDevices(t *testing.T) {
	out := []byte("* daemon started successfully\nList of devices attached\nR58M12ABCDE\tdevice\nemulator-5554\tdevice\nZY22\tunauthorized\n\n")

	assert.Equal(t, []AttachedDevice{
		{Serial: "R58M12ABCDE", State: "device"},
		{Serial: "emulator-5554", State: "device"},
		{Serial: "ZY22", State: "unauthorized"},
	}, parseDevices(out))
}

func TestIP(t *testing.T) {
	e, r := newTestExecutor()
	r.outputs["shell"] = []byte("3: wlan0: <BROADCAST,MULTICAST,UP>\n    inet 10.0.0.42/24 brd 10.0.0.255 scope global wlan0\n")

	ip, err := e.IP(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", ip)

	r.outputs["shell"] = []byte("")

	ip, err = e.IP(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, ip)
}

func TestPutSettingAllowList(t *testing.T) {
	e, r := newTestExecutor()

	require.NoError(t, e.PutSetting(context.Background(), "S1", "system", "screen_off_timeout", "600000"))
	assert.Equal(t, []string{"-s", "S1", "shell", "settings", "put", "system", "screen_off_timeout", "600000"}, r.calls[0].args)

	assert.Error(t, e.PutSetting(context.Background(), "S1", "vendor", "x", "1"))
	assert.Error(t, e.PutSetting(context.Background(), "S1", "global", "x;reboot", "1"))
	assert.Error(t, e.PutSetting(context.Background(), "S1", "global", "x", "1 && reboot"))
	assert.Len(t, r.calls, 1)
}

func TestIntentExtrasAreQuoted(t *testing.T) {
	e, r := newTestExecutor()

	err := e.Broadcast(context.Background(), "S1", "com.phonefleet.runner.CONTROL", map[string]string{
		"jobId":  "j-1",
		"action": "pause; reboot",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"-s", "S1", "shell", "am", "broadcast", "-a", "com.phonefleet.runner.CONTROL",
		"--es", "action", "'pause; reboot'",
		"--es", "jobId", "'j-1'",
	}, r.calls[0].args)

	assert.Error(t, e.Broadcast(context.Background(), "S1", "bad action", nil))
	assert.Error(t, e.StartActivity(context.Background(), "S1", "com.x/.Main", map[string]string{"bad key": "v"}))

	_, err = e.ReadFile(context.Background(), "S1", "../etc/passwd")
	assert.Error(t, err)
}
