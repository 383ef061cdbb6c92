package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psi/sf-daq-broker/internal/model"
)

// FileWriter is the seam between alignment (pure, tested without I/O)
// and the actual container format. No cgo HDF5 binding exists anywhere
// in this corpus (see DESIGN.md's "Container Writer" entry), so the
// only implementation shipped here, DirStore, lays datasets out as a
// directory-per-group / file-per-dataset tree — the same group/dataset
// addressing model HDF5 uses, without requiring a C library. A real
// HDF5-backed FileWriter (e.g. github.com/sbinet/go-hdf5) can be
// substituted without touching the alignment code in align.go.
type FileWriter interface {
	// WriteGeneral persists the general/* scalar parameters at the
	// file's top level.
	WriteGeneral(params map[string]interface{}) error
	// WriteDataset persists one dataset (a channel's extended or
	// compact data, or one of its presence/pulse-id/date side arrays)
	// under groupPath.
	WriteDataset(groupPath, name string, value interface{}) error
	// Close finalizes the file.
	Close() error
}

// DirStore is a filesystem-backed FileWriter: one directory per group,
// one JSON file per dataset. It is not a real HDF5 file, but it
// preserves the hierarchical addressing (group path + dataset name)
// that WriteExtendedChannel/WriteCompactChannel below rely on, so swapping in a real
// HDF5-backed FileWriter later requires no change to caller code.
type DirStore struct {
	root   string
	closed bool
}

// CreateDirStore creates (or truncates) the container rooted at path.
func CreateDirStore(path string) (*DirStore, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("container: clearing %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("container: creating %s: %w", path, err)
	}
	return &DirStore{root: path}, nil
}

func (d *DirStore) WriteGeneral(params map[string]interface{}) error {
	return d.writeJSON(filepath.Join(d.root, "general.json"), params)
}

func (d *DirStore) WriteDataset(groupPath, name string, value interface{}) error {
	dir := filepath.Join(d.root, filepath.FromSlash(groupPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("container: creating group %s: %w", groupPath, err)
	}
	return d.writeJSON(filepath.Join(dir, name+".json"), value)
}

func (d *DirStore) writeJSON(path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("container: encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *DirStore) Close() error {
	d.closed = true
	return nil
}

// WriteExtendedChannel persists one aligned channel to the groups
// spec.md §4.7 "Extended layout" describes: data, is_data_present,
// pulse_id and global_date all addressed under data/<channel>.
func WriteExtendedChannel(w FileWriter, ch ChannelExtended) error {
	group := "data/" + ch.Name
	if err := w.WriteDataset(group, "data", ch.Data); err != nil {
		return err
	}
	if err := w.WriteDataset(group, "is_data_present", ch.IsDataPresent); err != nil {
		return err
	}
	if err := w.WriteDataset(group, "pulse_id", ch.PulseID); err != nil {
		return err
	}
	return w.WriteDataset(group, "global_date", ch.GlobalDate)
}

// WriteCompactChannel persists one packed channel the same way, minus
// the zero-fill semantics.
func WriteCompactChannel(w FileWriter, ch ChannelCompact) error {
	group := "data/" + ch.Name
	if err := w.WriteDataset(group, "data", ch.Data); err != nil {
		return err
	}
	if err := w.WriteDataset(group, "is_data_present", ch.IsDataPresent); err != nil {
		return err
	}
	if err := w.WriteDataset(group, "pulse_id", ch.PulseID); err != nil {
		return err
	}
	return w.WriteDataset(group, "global_date", ch.GlobalDate)
}

// Layout selects extended or compact materialization, spec.md §4.7.
type Layout int

const (
	Extended Layout = iota
	Compact
)

// Materialize writes the general/* parameters and every channel's
// response to w under the requested layout, spec.md §4.7.
func Materialize(w FileWriter, layout Layout, params map[string]interface{}, channels []model.ChannelResponse) error {
	if err := w.WriteGeneral(params); err != nil {
		return err
	}

	switch layout {
	case Compact:
		for _, ch := range channels {
			if err := WriteCompactChannel(w, BuildCompact(ch)); err != nil {
				return fmt.Errorf("container: writing %s: %w", ch.Channel.Name, err)
			}
		}
	default:
		union := UnionPulseIDs(channels)
		for _, ch := range channels {
			if err := WriteExtendedChannel(w, BuildExtended(ch, union)); err != nil {
				return fmt.Errorf("container: writing %s: %w", ch.Channel.Name, err)
			}
		}
	}
	return nil
}
