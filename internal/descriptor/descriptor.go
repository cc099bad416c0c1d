package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultFileName is used when no descriptor path is configured.
const DefaultFileName = ".quotawatch.json"

// ErrNotFound is returned when no descriptor file exists.
var ErrNotFound = errors.New("descriptor not found")

// Descriptor advertises a running instance to sibling processes.
type Descriptor struct {
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"started_at"`
	PID          int       `json:"pid"`
	Debug        bool      `json:"debug"`
	RecentErrors []string  `json:"recent_errors"`
}

// DefaultPath returns the descriptor location under the user's home, falling
// back to the working directory.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, DefaultFileName)
	}
	return DefaultFileName
}

// Write replaces the descriptor atomically so readers never see a torn file.
func Write(path string, d Descriptor) error {
	if d.RecentErrors == nil {
		d.RecentErrors = []string{}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace descriptor: %w", err)
	}
	return nil
}

// Read loads the descriptor at path.
func Read(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Descriptor{}, ErrNotFound
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor %s: %w", path, err)
	}
	return d, nil
}

// Remove deletes the descriptor if it still belongs to pid. A descriptor
// rewritten by a newer instance is left alone.
func Remove(path string, pid int) error {
	d, err := Read(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil && d.PID != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove descriptor: %w", err)
	}
	return nil
}

// Alive reports whether the advertised process still exists.
func (d Descriptor) Alive() bool {
	return d.PID > 0 && processAlive(d.PID)
}

// BaseURL is the loopback address of the advertised query API.
func (d Descriptor) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.Port)
}
