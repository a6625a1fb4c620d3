// Package config holds the process-wide configuration record that the
// extraction core is handed but never mutates on its own: storage paths,
// release metadata, network hooks and the file provider the core reads
// through. It is a thin Go analogue of the Rust original's
// OnceCell<Mutex<Option<UpdateConfig>>> singleton.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hotpatch-oss/machosnapshot/patchbase"
)

// NetworkHooks is the set of external collaborators the update pipeline
// calls into; the extraction core never invokes these itself, but Config
// carries them for the surrounding system to wire up.
type NetworkHooks interface {
	// Download fetches url into dest, returning the number of bytes written.
	Download(url, dest string) (int64, error)
}

// Config is the full process-wide configuration record. The extraction
// core only ever reads FileProvider(); every other field exists for
// interface completeness with the surrounding update/patch system.
type Config struct {
	StorageDir     string `yaml:"storage_dir"`
	DownloadDir    string `yaml:"download_dir"`
	Channel        string `yaml:"channel"`
	AppID          string `yaml:"app_id"`
	ReleaseVersion string `yaml:"release_version"`
	LibappPath     string `yaml:"libapp_path"`
	BaseURL        string `yaml:"base_url"`
	DownloadURL    string `yaml:"download_url,omitempty"`
	PatchPublicKey string `yaml:"patch_public_key,omitempty"`

	Hooks        NetworkHooks                   `yaml:"-"`
	FileProvider patchbase.ExternalFileProvider `yaml:"-"`
}

var (
	once     sync.Once
	mu       sync.RWMutex
	instance *Config
)

// Init installs cfg as the process-wide configuration. It is safe to call
// concurrently; only the first call takes effect, matching the
// once-initialized semantics of the Rust original's OnceCell.
func Init(cfg *Config) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		instance = cfg
	})
}

// WithConfig calls fn with the current configuration under a read lock. It
// returns an error if Init has not yet been called.
func WithConfig(fn func(*Config) error) error {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		return fmt.Errorf("config: not initialized")
	}
	return fn(instance)
}

// FileProvider returns the configured file provider, the one field the
// extraction core actually depends on.
func FileProvider() (patchbase.ExternalFileProvider, error) {
	var fp patchbase.ExternalFileProvider
	err := WithConfig(func(c *Config) error {
		if c.FileProvider == nil {
			return fmt.Errorf("config: no file provider configured")
		}
		fp = c.FileProvider
		return nil
	})
	return fp, err
}

// UpdateBaseURL replaces the configured base URL in place. Carried from the
// Rust original's update_base_url for interface completeness; the
// extraction path never calls this.
func UpdateBaseURL(url string) error {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return fmt.Errorf("config: not initialized")
	}
	instance.BaseURL = url
	return nil
}

// UpdateDownloadURL replaces the configured download URL in place.
// Carried from the Rust original's update_download_url for interface
// completeness; the extraction path never calls this.
func UpdateDownloadURL(url string) error {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return fmt.Errorf("config: not initialized")
	}
	instance.DownloadURL = url
	return nil
}

// LoadYAML reads a YAML-encoded Config from path. Hooks and FileProvider
// are never populated by this path — they are wired in code after
// loading, since neither has a serializable YAML form.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}
