package container

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/psi/sf-daq-broker/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDirStoreWriteGeneralAndDataset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.sfh5")
	store, err := CreateDirStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.WriteGeneral(map[string]interface{}{"general/user": "e12345"}))
	require.NoError(t, store.WriteDataset("data/chan1", "pulse_id", []int64{1, 2, 3}))
	require.NoError(t, store.Close())

	generalRaw, err := os.ReadFile(filepath.Join(dir, "general.json"))
	require.NoError(t, err)
	var general map[string]interface{}
	require.NoError(t, json.Unmarshal(generalRaw, &general))
	require.Equal(t, "e12345", general["general/user"])

	datasetRaw, err := os.ReadFile(filepath.Join(dir, "data", "chan1", "pulse_id.json"))
	require.NoError(t, err)
	var pulseIDs []int64
	require.NoError(t, json.Unmarshal(datasetRaw, &pulseIDs))
	require.Equal(t, []int64{1, 2, 3}, pulseIDs)
}

func TestMaterializeExtendedWritesUnionAlignedDatasets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.sfh5")
	store, err := CreateDirStore(dir)
	require.NoError(t, err)
	defer store.Close()

	channels := []model.ChannelResponse{
		{
			Channel: model.ChannelBackend{Name: "chan1"},
			Data: []model.ChannelEvent{
				{PulseID: 100, Value: 1.0},
				{PulseID: 102, Value: 2.0},
			},
		},
		{
			Channel: model.ChannelBackend{Name: "chan2"},
			Data: []model.ChannelEvent{
				{PulseID: 101, Value: 9.0},
			},
		},
	}

	err = Materialize(store, Extended, map[string]interface{}{"general/instrument": "alvra"}, channels)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "data", "chan1", "pulse_id.json"))
	require.NoError(t, err)
	var pulseIDs []int64
	require.NoError(t, json.Unmarshal(raw, &pulseIDs))
	require.Equal(t, []int64{100, 101, 102}, pulseIDs)

	presentRaw, err := os.ReadFile(filepath.Join(dir, "data", "chan1", "is_data_present.json"))
	require.NoError(t, err)
	var present []bool
	require.NoError(t, json.Unmarshal(presentRaw, &present))
	require.Equal(t, []bool{true, false, true}, present)
}

func TestMaterializeCompactWritesOnlyPresentRows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.sfh5")
	store, err := CreateDirStore(dir)
	require.NoError(t, err)
	defer store.Close()

	channels := []model.ChannelResponse{
		{
			Channel: model.ChannelBackend{Name: "chan1"},
			Data: []model.ChannelEvent{
				{PulseID: 100, Value: 1.0},
				{PulseID: 102, Value: 2.0},
			},
		},
	}

	require.NoError(t, Materialize(store, Compact, nil, channels))

	raw, err := os.ReadFile(filepath.Join(dir, "data", "chan1", "pulse_id.json"))
	require.NoError(t, err)
	var pulseIDs []int64
	require.NoError(t, json.Unmarshal(raw, &pulseIDs))
	require.Equal(t, []int64{100, 102}, pulseIDs)
}

func TestCreateDirStoreClearsExisting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out.sfh5")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.json"), []byte("{}"), 0o644))

	store, err := CreateDirStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(dir, "stale.json"))
	require.True(t, os.IsNotExist(err))
}
