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

// Package identity maps hardware serials to durable slot numbers. The map is
// a small JSON file that is re-read before every allocation and replaced
// atomically on every change.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/phonefleet/pkg/logger"
)

const fileVersion = 1

var (
	errRegistryFull = errors.New("no free slot")
	errCorrupt      = errors.New("registry file is corrupt")
)

type registryFile struct {
	Version   int            `json:"version"`
	Slots     map[string]int `json:"slots"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Registry allocates slots 1..maxSlots. One Registry must be shared by every
// subsystem of an agent that touches the file.
type Registry struct {
	path     string
	maxSlots int
	logger   logger.Logger

	mu  sync.Mutex
	now func() time.Time
}

func New(path string, maxSlots int, log logger.Logger) *Registry {
	return &Registry{path: path, maxSlots: maxSlots, logger: log, now: time.Now}
}

// IsPhysical filters emulators and network-discovered duplicates of USB
// devices out of the allocation path.
func IsPhysical(serial string) bool {
	switch {
	case serial == "":
		return false
	case strings.HasPrefix(serial, "emulator-"):
		return false
	case strings.Contains(serial, "._adb-tls-"), strings.Contains(serial, "._tcp"):
		return false
	case strings.HasPrefix(serial, "localhost:"), strings.HasPrefix(serial, "127.0.0.1:"):
		return false
	default:
		return true
	}
}

// Snapshot returns the current serial to slot map as stored on disk.
func (r *Registry) Snapshot() (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.read()
}

// Assign allocates the lowest unused slot to every physical serial not yet in
// the map and returns the full map. Serials that do not fit are logged and
// left unassigned.
func (r *Registry) Assign(serials []string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, err := r.read()
	if err != nil {
		return nil, err
	}

	used := make(map[int]bool, len(slots))
	for _, slot := range slots {
		used[slot] = true
	}

	pending := make([]string, 0, len(serials))

	for _, serial := range serials {
		if _, ok := slots[serial]; ok || !IsPhysical(serial) {
			continue
		}

		pending = append(pending, serial)
	}

	sort.Strings(pending)

	changed := false
	next := 1

	for _, serial := range pending {
		if _, ok := slots[serial]; ok {
			continue
		}

		for next <= r.maxSlots && used[next] {
			next++
		}

		if next > r.maxSlots {
			r.logger.Warn().Err(errRegistryFull).Str("serial", serial).Int("max_slots", r.maxSlots).
				Msg("Cannot allocate slot")

			continue
		}

		slots[serial] = next
		used[next] = true
		changed = true

		r.logger.Info().Str("serial", serial).Int("slot", next).Msg("Allocated slot")
	}

	if changed {
		if err := r.write(slots); err != nil {
			return nil, err
		}
	}

	return slots, nil
}

// Lookup returns the slot of serial.
func (r *Registry) Lookup(serial string) (int, bool, error) {
	slots, err := r.Snapshot()
	if err != nil {
		return 0, false, err
	}

	slot, ok := slots[serial]

	return slot, ok, nil
}

func (r *Registry) read() (map[string]int, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]int), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	if f.Slots == nil {
		f.Slots = make(map[string]int)
	}

	return f.Slots, nil
}

// write replaces the file through a synced temp file and a rename, so a crash
// leaves either the old or the new map on disk.
func (r *Registry) write(slots map[string]int) error {
	data, err := json.MarshalIndent(registryFile{Version: fileVersion, Slots: slots, UpdatedAt: r.now().UTC()}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry: %w", err)
	}

	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write temp registry: %w", err))
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync temp registry: %w", err))
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to close temp registry: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to replace registry: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}
