package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alvra", "data", "p12345", "raw"), 0o755))
	return New(root), root
}

func TestAllocateIncrementsSequentially(t *testing.T) {
	r, _ := newTestRegistry(t)

	n1, err := r.Allocate("alvra", "p12345")
	require.NoError(t, err)
	require.EqualValues(t, 1, n1)

	n2, err := r.Allocate("alvra", "p12345")
	require.NoError(t, err)
	require.EqualValues(t, 2, n2)
}

func TestAllocateConcurrentReturnsDistinctIncreasingNumbers(t *testing.T) {
	r, _ := newTestRegistry(t)

	const n = 50
	results := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := r.Allocate("alvra", "p12345")
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, v := range results {
		require.False(t, seen[v], "duplicate run number %d", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
}

func TestAllocateFailsWhenClosed(t *testing.T) {
	r, root := newTestRegistry(t)
	infoDir := filepath.Join(root, "alvra", "data", "p12345", "raw", "run_info")
	require.NoError(t, os.MkdirAll(infoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(infoDir, "CLOSED"), []byte{}, 0o644))

	_, err := r.Allocate("alvra", "p12345")
	require.ErrorIs(t, err, ErrClosed)
}

func TestAllocateFailsWhenRawDirMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Allocate("alvra", "p99999")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestWriteManifestThenCurrentUnaffected(t *testing.T) {
	r, _ := newTestRegistry(t)
	n, err := r.Allocate("alvra", "p12345")
	require.NoError(t, err)

	require.NoError(t, r.WriteManifest("alvra", "p12345", n, map[string]any{"run_number": n}))

	data, err := os.ReadFile(r.ManifestPath("alvra", "p12345", n))
	require.NoError(t, err)
	require.Contains(t, string(data), "run_number")

	cur, err := r.Current("alvra", "p12345")
	require.NoError(t, err)
	require.Equal(t, n, cur)
}
