package relay

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigWriter persists media server configuration documents.
type ConfigWriter interface {
	Write(cfg ExternalServerConfig) error
	Path() string
}

// ConfigFile writes the document to a fixed path. A write either replaces the
// file completely or leaves the previous content in place.
type ConfigFile struct {
	path string
	perm os.FileMode
}

// NewConfigFile returns a ConfigFile for path.
func NewConfigFile(path string) *ConfigFile {
	return &ConfigFile{path: path, perm: 0o644}
}

// Path returns the file location passed to the media server.
func (f *ConfigFile) Path() string { return f.path }

// Write encodes cfg and renames it into place.
func (f *ConfigFile) Write(cfg ExternalServerConfig) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode media server config: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, f.perm); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	committed = true
	return nil
}

// Read loads the document currently on disk.
func (f *ConfigFile) Read() (ExternalServerConfig, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return ExternalServerConfig{}, fmt.Errorf("read media server config: %w", err)
	}
	return ParseExternalServerConfig(data)
}
