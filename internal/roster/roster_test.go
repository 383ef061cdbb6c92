package roster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeChannels(t *testing.T, lines string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLoadIgnoresCommentsAndBlanksAndSorts(t *testing.T) {
	path := writeChannels(t, "# comment\n\nchB\nchA\n  \nchA\nchC:FPICTURE\n")
	r, err := New(path, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"chA", "chB", "chC:FPICTURE"}, r.Channels())
}

func TestVerifyChannelLimit(t *testing.T) {
	path := writeChannels(t, "a\nb\nc\n")
	_, err := New(path, 2, 10)
	require.ErrorIs(t, err, ErrChannelLimitExceeded)
}

func TestVerifyPictureLimit(t *testing.T) {
	path := writeChannels(t, "a:FPICTURE\nb:FPICTURE\nc\n")
	_, err := New(path, 10, 1)
	require.ErrorIs(t, err, ErrChannelLimitExceeded)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeChannels(t, "a\nb\n")
	r, err := New(path, 100, 10)
	require.NoError(t, err)
	require.Len(t, r.Channels(), 2)

	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))
	require.NoError(t, r.Reload())
	require.Len(t, r.Channels(), 3)
}

func TestPartitionSplitsImageChannels(t *testing.T) {
	bsread, camera := Partition([]string{"ch1", "cam1:FPICTURE", "ch2", "cam2:FPICTURE"})
	require.Equal(t, []string{"ch1", "ch2"}, bsread)
	require.Equal(t, []string{"cam1:FPICTURE", "cam2:FPICTURE"}, camera)
}
