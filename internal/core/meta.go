// Package core supervises the mihomo engine subprocess: installation,
// start/stop lifecycle, status probing, and the log file it writes
// stdout/stderr to. Grounded on original_source/src/core.rs and
// original_source/src/logs.rs, adapted from the teacher's
// internal/process/local.go subprocess-supervision idiom.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// meta is the JSON sidecar recording what's currently installed, plus a
// lazily-generated shared secret for the engine's control socket.
type meta struct {
	Version           string `json:"version,omitempty"`
	Arch              string `json:"arch,omitempty"`
	LastDownloadTime  string `json:"last_download_time,omitempty"`
	ControllerSecret  string `json:"controller_secret,omitempty"`
}

func (c *Controller) coreDir() string       { return filepath.Join(c.dataRoot, "core") }
func (c *Controller) binaryPath() string    { return filepath.Join(c.coreDir(), "mihomo") }
func (c *Controller) metaPath() string      { return filepath.Join(c.coreDir(), "core.meta.json") }
func (c *Controller) pidPath() string       { return filepath.Join(c.coreDir(), "mihomo.pid") }
func (c *Controller) LogPath() string       { return filepath.Join(c.dataRoot, "log", "mihomo.log") }
func (c *Controller) SocketPath() string    { return socketPath }

func (c *Controller) loadMeta() meta {
	data, err := os.ReadFile(c.metaPath())
	if err != nil {
		return meta{}
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}
	}
	return m
}

func (c *Controller) saveMeta(m meta) error {
	if err := os.MkdirAll(c.coreDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create core dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize core meta: %w", err)
	}
	if err := os.WriteFile(c.metaPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write core.meta.json: %w", err)
	}
	return nil
}

// EnsureControllerSecret returns the persisted control-socket bearer
// secret, generating and saving one on first use.
func (c *Controller) EnsureControllerSecret() (string, error) {
	m := c.loadMeta()
	if m.ControllerSecret != "" {
		return m.ControllerSecret, nil
	}

	m.ControllerSecret = uuid.NewString()
	if err := c.saveMeta(m); err != nil {
		return "", err
	}
	return m.ControllerSecret, nil
}

// Info is the installed-core summary returned by the status API.
type Info struct {
	Version          string `json:"version,omitempty"`
	Arch             string `json:"arch,omitempty"`
	LastDownloadTime string `json:"last_download_time,omitempty"`
	BinaryExists     bool   `json:"binary_exists"`
	RecommendedArch  string `json:"recommended_arch"`
}

// GetInfo reports what's currently installed.
func (c *Controller) GetInfo() Info {
	m := c.loadMeta()
	_, statErr := os.Stat(c.binaryPath())
	return Info{
		Version:          m.Version,
		Arch:             m.Arch,
		LastDownloadTime: m.LastDownloadTime,
		BinaryExists:     statErr == nil,
		RecommendedArch:  detectSystemArch(),
	}
}
