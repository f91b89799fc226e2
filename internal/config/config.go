// Package config owns the on-disk configuration of the companion daemon:
// companion.json, the bearer token, and the pid file. The config directory
// and every file in it are created owner-only.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Trapezohe/companion-service/internal/logging"
	"github.com/Trapezohe/companion-service/internal/policy"
)

var configLog = logging.ForComponent(logging.CompConfig)

const (
	// DefaultPort is the loopback control-plane port.
	DefaultPort = 41591

	// FileName is the config file inside the companion directory.
	FileName = "companion.json"

	// PidFileName records the daemon pid for the installer and extension.
	PidFileName = "companion.pid"

	dirName = ".companion"

	tokenBytes = 24
)

// MCPServerSpec declares how to launch one tool server.
type MCPServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// File is the persisted shape of companion.json. ExtensionIDs is opaque to
// the daemon and only round-trips through save/load.
type File struct {
	Port             int                      `json:"port"`
	Token            string                   `json:"token,omitempty"`
	MCPServers       map[string]MCPServerSpec `json:"mcpServers,omitempty"`
	PermissionPolicy policy.Input             `json:"permissionPolicy"`
	ExtensionIDs     []string                 `json:"extensionIds,omitempty"`
}

// Dir returns the per-user companion directory, creating it 0700.
func Dir() (string, error) {
	if override := os.Getenv("COMPANION_HOME"); override != "" {
		if err := os.MkdirAll(override, 0o700); err != nil {
			return "", fmt.Errorf("create config directory: %w", err)
		}
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

// Path returns the absolute path of companion.json.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads companion.json. A missing file yields defaults, not an error.
func Load() (*File, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{Port: DefaultPort}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg File
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	return &cfg, nil
}

// Save writes companion.json atomically with owner-only modes: the payload
// lands in companion.json.tmp first and is renamed over the target.
func Save(cfg *File) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, cfg)
}

// WriteFileAtomic marshals v as pretty JSON with a trailing newline and
// writes it via tmp+rename with mode 0600.
func WriteFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Init loads companion.json and guarantees it carries a usable token,
// persisting a freshly generated one when the file has none.
func Init() (*File, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		cfg.Token = NewToken()
		if err := Save(cfg); err != nil {
			// Keep running with the session-only token. Nothing writes it
			// back later, so the next start generates a new one.
			configLog.Warn("token_persist_failed", slog.String("error", err.Error()))
		} else {
			configLog.Info("token_generated")
		}
	}
	return cfg, nil
}

// NewToken generates a 24-byte random token in hex.
func NewToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// WritePidFile records the current pid (0600).
func WritePidFile() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, PidFileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write pid file: %w", err)
	}
	return path, nil
}

// RemovePidFile removes the pid file, ignoring a missing one.
func RemovePidFile() {
	dir, err := Dir()
	if err != nil {
		return
	}
	if err := os.Remove(filepath.Join(dir, PidFileName)); err != nil && !os.IsNotExist(err) {
		configLog.Warn("pid_remove_failed", slog.String("error", err.Error()))
	}
}
