// Package config defines the transport's configuration object and
// loads it from an optional YAML file with flag overrides, mirroring
// the teacher's flag-driven CLI startup.
package config

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/kburak/meshstream/adaptive"
	"github.com/kburak/meshstream/fec"
	"github.com/kburak/meshstream/slicer"
)

// FEC holds the Reed-Solomon parameters in force for a session.
type FEC struct {
	K int `yaml:"k"`
	R int `yaml:"r"`
}

// Video holds the initial encoder parameters (§3 EncoderState seed).
type Video struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	FPS     int `yaml:"fps"`
	Bitrate int `yaml:"bitrate_bps"`
}

// Config is the configuration object described in spec §6.
type Config struct {
	LocalPorts  []int  `yaml:"local_ports"`
	RemoteIP    string `yaml:"remote_ip"`
	RemotePorts []int  `yaml:"remote_ports"`

	Video Video `yaml:"video"`
	FEC   FEC   `yaml:"fec"`

	ChunkSize int `yaml:"chunk_size"`

	// Device is the capture adapter's camera index or device path.
	Device string `yaml:"device"`
}

// Default returns a Config matching the spec's stated defaults:
// chunk_size=1000, FEC (k=8, r=4), and the lowest bitrate tier.
func Default() Config {
	return Config{
		LocalPorts:  []int{9000},
		RemoteIP:    "127.0.0.1",
		RemotePorts: []int{9001},
		Video: Video{
			Width:   640,
			Height:  480,
			FPS:     adaptive.FPSForTier(adaptive.Tiers[0]),
			Bitrate: adaptive.Tiers[0],
		},
		FEC:       FEC{K: fec.DefaultK, R: fec.DefaultR},
		ChunkSize: slicer.DefaultChunkSize,
		Device:    "0",
	}
}

// LoadFile reads a YAML config file, overlaying it on Default().
// A missing file is not an error: it simply returns the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyJSONPatch overlays a handful of fields from a small JSON
// document onto c, for quick command-line overrides (`-set
// '{"remote_ip":"10.0.0.2"}'`) without hand-editing the full YAML
// file. Only recognized, present fields are applied; gjson's
// path-query style is a better fit here than unmarshaling into a
// second Config, since a patch is expected to name only one or two
// fields and a full struct unmarshal would silently zero the rest
// were a field merge not handled carefully.
func (c Config) ApplyJSONPatch(raw []byte) Config {
	doc := string(raw)
	if v := gjson.Get(doc, "remote_ip"); v.Exists() {
		c.RemoteIP = v.String()
	}
	if v := gjson.Get(doc, "remote_ports"); v.Exists() && v.IsArray() {
		ports := make([]int, 0, len(v.Array()))
		for _, p := range v.Array() {
			ports = append(ports, int(p.Int()))
		}
		c.RemotePorts = ports
	}
	if v := gjson.Get(doc, "local_ports"); v.Exists() && v.IsArray() {
		ports := make([]int, 0, len(v.Array()))
		for _, p := range v.Array() {
			ports = append(ports, int(p.Int()))
		}
		c.LocalPorts = ports
	}
	if v := gjson.Get(doc, "fec.k"); v.Exists() {
		c.FEC.K = int(v.Int())
	}
	if v := gjson.Get(doc, "fec.r"); v.Exists() {
		c.FEC.R = int(v.Int())
	}
	if v := gjson.Get(doc, "device"); v.Exists() {
		c.Device = v.String()
	}
	return c
}

// Validate reports a configuration error, analogous to the scheduler's
// fatal NoPaths condition: a session with no local or remote ports is
// a configuration bug, not a transient transport error.
func (c Config) Validate() error {
	if len(c.LocalPorts) == 0 {
		return fmt.Errorf("config: at least one local_port is required")
	}
	if len(c.RemotePorts) == 0 {
		return fmt.Errorf("config: at least one remote_port is required")
	}
	if c.RemoteIP == "" {
		return fmt.Errorf("config: remote_ip is required")
	}
	if c.FEC.K <= 0 || c.FEC.R <= 0 {
		return fmt.Errorf("config: fec.k and fec.r must both be positive")
	}
	return nil
}
