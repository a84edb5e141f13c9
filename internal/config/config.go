// Package config implements loading and validating the hub's YAML
// configuration file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// DefaultPath is the configuration file location used when none is given
// on the command line.
const DefaultPath = "~/.config/symmetry/server.yaml"

// Config represents the top-level configuration of a symmetryhub binary.
type Config struct {
	// Path is the directory used for the hub's data (the relational
	// store's DSN lives beneath it unless overridden).
	Path string `yaml:"path"`

	// PublicKey is the hub's hex-encoded Ed25519 public key.
	PublicKey string `yaml:"publicKey"`

	// PrivateKey is the hub's hex-encoded Ed25519 private key, 64 bytes
	// (32-byte seed followed by the 32-byte public key).
	PrivateKey string `yaml:"privateKey"`

	// AllowedOrigins lists the CORS origins permitted on the HTTP front
	// door.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// APIPort is the TCP port the HTTP front door listens on.
	APIPort int `yaml:"apiPort"`

	// MinCoreVersion is the minimum symmetryCoreVersion a joining peer
	// must advertise. Not part of the wire-format YAML fields named in
	// the spec, but every deployment needs a floor to compare against;
	// defaulted below if left blank.
	MinCoreVersion string `yaml:"minCoreVersion"`

	// PrometheusAddr is the address the metrics server listens on.
	PrometheusAddr string `yaml:"prometheusAddr"`

	// DSN overrides the relational store's data source name. If empty,
	// derived from Path.
	DSN string `yaml:"dsn"`

	// PeerAddr is the address the peer-transport listener binds. The
	// specification treats the overlay's discovery and handshake as an
	// external collaborator with no listen address of its own; this field
	// only exists to give the length-prefixed TCP stand-in adapter
	// something to bind.
	PeerAddr string `yaml:"peerAddr"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// ConfigFile namespaces the configuration under the "symmetry" key, matching
// the shape of the on-disk YAML file.
type ConfigFile struct {
	Symmetry Config `yaml:"symmetry"`
}

const defaultMinCoreVersion = "1.0.0"
const defaultPrometheusAddr = ":6880"
const defaultPeerAddr = ":4747"

// Validate fills in optional fields with defaults and returns an error if
// any required field is missing or malformed.
func (cfg Config) Validate() (Config, error) {
	valid := cfg

	if cfg.Path == "" {
		return Config{}, errors.New("config: \"path\" is required")
	}

	if cfg.PublicKey == "" {
		return Config{}, errors.New("config: \"publicKey\" is required")
	}
	if _, err := hex.DecodeString(cfg.PublicKey); err != nil {
		return Config{}, fmt.Errorf("config: \"publicKey\" must be hex-encoded: %w", err)
	}

	if cfg.PrivateKey == "" {
		return Config{}, errors.New("config: \"privateKey\" is required")
	}
	raw, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil {
		return Config{}, fmt.Errorf("config: \"privateKey\" must be hex-encoded: %w", err)
	}
	if len(raw) != 64 {
		return Config{}, fmt.Errorf("config: \"privateKey\" must decode to 64 bytes (seed||public), got %d", len(raw))
	}

	if cfg.APIPort == 0 {
		return Config{}, errors.New("config: \"apiPort\" is required and must be numeric")
	}

	if cfg.MinCoreVersion == "" {
		valid.MinCoreVersion = defaultMinCoreVersion
	}

	if cfg.PrometheusAddr == "" {
		valid.PrometheusAddr = defaultPrometheusAddr
	}

	if cfg.DSN == "" {
		valid.DSN = cfg.Path + "/symmetry.sqlite"
	}

	if cfg.PeerAddr == "" {
		valid.PeerAddr = defaultPeerAddr
	}

	if valid.AllowedOrigins == nil {
		valid.AllowedOrigins = []string{}
	}

	return valid, nil
}

// Open returns a new Config given the path to a YAML configuration file.
//
// It supports relative and absolute paths and environment variables.
func Open(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	path = expandHome(os.ExpandEnv(path))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open %q: %w", path, err)
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %q: %w", path, err)
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}

	valid, err := cfgFile.Symmetry.Validate()
	if err != nil {
		return nil, err
	}

	return &valid, nil
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}
