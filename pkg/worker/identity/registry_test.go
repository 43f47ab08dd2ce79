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

package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/phonefleet/pkg/logger"
)

func newTestRegistry(t *testing.T, maxSlots int) (*Registry, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "slots.json")

	return New(path, maxSlots, logger.NewTestLogger()), path
}

func TestIsPhysical(t *testing.T) {
	tests := []struct {
		serial string
		want   bool
	}{
		{serial: "R58M12ABCDE", want: true},
		{serial: "192.168.1.20:5555", want: true},
		{serial: "emulator-5554", want: false},
		{serial: "adb-R58M12ABCDE-x1y2._adb-tls-connect._tcp", want: false},
		{serial: "localhost:5555", want: false},
		{serial: "", want: false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, IsPhysical(tc.serial), tc.serial)
	}
}

func TestAssignLowestUnusedSlot(t *testing.T) {
	r, path := newTestRegistry(t, 5)

	slots, err := r.Assign([]string{"SER-B", "SER-A", "emulator-5554"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SER-A": 1, "SER-B": 2}, slots)

	// Another writer frees slot 1 on disk; the next allocation must see it.
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"slots":{"SER-B":2}}`), 0o600))

	slots, err = r.Assign([]string{"SER-C"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SER-B": 2, "SER-C": 1}, slots)

	slots, err = r.Assign([]string{"SER-D"})
	require.NoError(t, err)
	assert.Equal(t, 3, slots["SER-D"])
}

func TestAssignIsStableAcrossRestarts(t *testing.T) {
	r, path := newTestRegistry(t, 5)

	_, err := r.Assign([]string{"SER-A", "SER-B"})
	require.NoError(t, err)

	reopened := New(path, 5, logger.NewTestLogger())

	slots, err := reopened.Assign([]string{"SER-B", "SER-A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SER-A": 1, "SER-B": 2}, slots)

	slot, ok, err := reopened.Lookup("SER-B")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, slot)
}

func TestAssignRespectsMaxSlots(t *testing.T) {
	r, _ := newTestRegistry(t, 2)

	slots, err := r.Assign([]string{"S1", "S2", "S3"})
	require.NoError(t, err)
	assert.Len(t, slots, 2)
	assert.NotContains(t, slots, "S3")
}

func TestAssignLeavesNoTempFiles(t *testing.T) {
	r, path := newTestRegistry(t, 5)

	_, err := r.Assign([]string{"S1"})
	require.NoError(t, err)

	_, err = r.Assign([]string{"S2"})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "slots.json", entries[0].Name())
}

func TestCorruptFileRefusesAllocation(t *testing.T) {
	r, path := newTestRegistry(t, 5)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := r.Assign([]string{"S1"})
	require.ErrorIs(t, err, errCorrupt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestConcurrentAssignYieldsDistinctContiguousSlots(t *testing.T) {
	const m = 20

	r, _ := newTestRegistry(t, m)

	var wg sync.WaitGroup

	errs := make(chan error, m)

	for i := 0; i < m; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if _, err := r.Assign([]string{fmt.Sprintf("SERIAL%02d", i)}); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	slots, err := r.Snapshot()
	require.NoError(t, err)
	require.Len(t, slots, m)

	got := make([]int, 0, m)
	for _, slot := range slots {
		got = append(got, slot)
	}

	sort.Ints(got)

	for i, slot := range got {
		assert.Equal(t, i+1, slot)
	}
}
