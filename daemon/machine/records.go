package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"github.com/machined/machined/daemon/machine/property"
)

// Files under the machine's config directory.
const (
	metadataFile = "metadata.json"
	routesFile   = "routes.json"
	tagsFile     = "tags.json"
)

// ConfigPath returns the core record of machine uuid.
func ConfigPath(configDir, uuid string) string {
	return filepath.Join(configDir, uuid+".json")
}

func (m *Machine) configPath() string {
	return ConfigPath(m.opts.ConfigDir, m.UUID())
}

// configDir is the per-machine directory on the machine's volume.
func (m *Machine) configDir() string {
	return m.hostPath("config")
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, append(b, '\n'), 0o644)
}

func readJSON(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

// Save writes the core record.
func (m *Machine) Save() error {
	if err := os.MkdirAll(m.opts.ConfigDir, 0o755); err != nil {
		return err
	}
	return writeJSON(m.configPath(), map[string]any(m.core))
}

// saveRecords writes the metadata, routes and tags records to the machine's
// config directory.
func (m *Machine) saveRecords() error {
	dir := m.configDir()
	if err := writeJSON(filepath.Join(dir, metadataFile), map[string]any(m.metadata)); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, routesFile), map[string]any(m.routes)); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, tagsFile), map[string]any(m.tags))
}

// snapshot copies the in-memory records for error reports.
func (m *Machine) snapshot() (config, metadata, routes, tags map[string]any) {
	return maps.Clone(map[string]any(m.core)), maps.Clone(map[string]any(m.metadata)),
		maps.Clone(map[string]any(m.routes)), maps.Clone(map[string]any(m.tags))
}

// Exists reports whether the machine has a core record. With accurate set
// the machine is loaded, so an unreadable record is an error.
func (m *Machine) Exists(ctx context.Context, accurate bool) (bool, error) {
	if accurate {
		err := m.Load(ctx)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	_, err := os.Stat(m.configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load rereads every record from disk into the existing stores and
// revalidates the result. Values that fail validation are kept as read and
// logged, unless the machine is strict.
func (m *Machine) Load(ctx context.Context) error {
	uuid := m.UUID()
	core, err := readJSON(m.configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return notFound(uuid)
		}
		return err
	}
	if id, _ := core["uuid"].(string); id != uuid {
		return fmt.Errorf("machine %s: record has uuid %v", uuid, core["uuid"])
	}
	m.core.Replace(core)

	// The auxiliary records live on the volume, which may already be gone
	// for a machine being deleted.
	aux := map[string]property.Record{metadataFile: m.metadata, routesFile: m.routes, tagsFile: m.tags}
	for file, rec := range aux {
		v, err := readJSON(filepath.Join(m.configDir(), file))
		switch {
		case errors.Is(err, os.ErrNotExist):
			rec.Replace(nil)
		case err != nil:
			return err
		default:
			rec.Replace(v)
		}
	}

	for _, d := range m.props {
		d.Reset()
	}
	var errs []error
	for _, name := range orderNames(m.loadedNames(core)) {
		d, ok := m.props[name]
		if !ok {
			if m.opts.Strict {
				errs = append(errs, property.Unsupported(name))
			} else {
				m.logger(ctx).WithField("property", name).Debug("keeping unknown property")
			}
			continue
		}
		if _, isDynamic := d.(*property.Dynamic); isDynamic {
			delete(m.core, name)
			continue
		}
		v, _ := m.stored(name)
		if err := d.Set(v); err != nil {
			if m.opts.Strict {
				errs = append(errs, err)
				continue
			}
			m.logger(ctx).WithError(err).WithField("property", name).Warn("loaded property failed validation")
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if m.adapter != nil {
		m.syncBackend()
	}
	return nil
}

// loadedNames lists the attributes present in the loaded records.
func (m *Machine) loadedNames(core map[string]any) []string {
	names := make([]string, 0, len(core)+4)
	for k := range core {
		names = append(names, k)
	}
	for k := range m.metadata {
		names = append(names, k)
	}
	if len(m.routes) > 0 {
		names = append(names, "routes")
	}
	if len(m.tags) > 0 {
		names = append(names, "tags")
	}
	return names
}
