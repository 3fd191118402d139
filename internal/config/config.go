// Package config loads the on-disk pool/profile configuration gattd reads
// at startup: instance counts, volume step, SIRK seed, lock timeout. It
// plays the role the teacher's config.go plays for channels and audio
// devices — a file-driven alternative to wiring everything by flag — but
// is a plain YAML document rather than a line-oriented directive parser,
// since this engine has no legacy file format to stay compatible with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VocsInstance configures one VOCS include at startup.
type VocsInstance struct {
	InitialLocation  byte   `yaml:"initial_location"`
	LocationWritable bool   `yaml:"location_writable"`
	InitialDesc      string `yaml:"initial_desc"`
	DescWritable     bool   `yaml:"desc_writable"`
}

// AicsInstance configures one AICS include at startup.
type AicsInstance struct {
	GainUnits    byte   `yaml:"gain_units"`
	GainMin      int8   `yaml:"gain_min"`
	GainMax      int8   `yaml:"gain_max"`
	InitialGain  int8   `yaml:"initial_gain"`
	InitialMute  byte   `yaml:"initial_mute"`
	InitialMode  byte   `yaml:"initial_mode"`
	InputType    byte   `yaml:"input_type"`
	InitialDesc  string `yaml:"initial_desc"`
	DescWritable bool   `yaml:"desc_writable"`
}

// Config is the top-level document gattd loads. Every field has a sane
// zero-value default applied by Default, so an empty or partial file is
// valid input.
type Config struct {
	Volume struct {
		Initial byte `yaml:"initial"`
		Step    byte `yaml:"step"`
	} `yaml:"volume"`

	Vocs []VocsInstance `yaml:"vocs"`
	Aics []AicsInstance `yaml:"aics"`

	Csis struct {
		SetSize         byte          `yaml:"set_size"`
		Rank            byte          `yaml:"rank"`
		Seed            string        `yaml:"seed"`
		MaxPendingSlots int           `yaml:"max_pending_slots"`
		EvictOldest     bool          `yaml:"evict_oldest"`
		LockTimeout     time.Duration `yaml:"lock_timeout"` // parsed only; the CSIS lock timer is always csis.LockTimeout
		RPATimeout      time.Duration `yaml:"rpa_timeout"`
	} `yaml:"csis"`

	Ascs struct {
		ASEIDs []byte `yaml:"ase_ids"`
	} `yaml:"ascs"`
}

// Default returns the configuration gattd runs with when no file is
// supplied: a single VOCS and AICS include, a 60-second CSIS lock timeout,
// and a two-ASE ASCS endpoint.
func Default() Config {
	var c Config
	c.Volume.Initial = 100
	c.Volume.Step = 8
	c.Vocs = []VocsInstance{{InitialDesc: "speaker", DescWritable: true}}
	c.Aics = []AicsInstance{{GainUnits: 1, GainMin: -80, GainMax: 80, InitialDesc: "microphone", DescWritable: true}}
	c.Csis.SetSize = 2
	c.Csis.Rank = 1
	c.Csis.Seed = "default-seed"
	c.Csis.MaxPendingSlots = 4
	c.Csis.LockTimeout = 60 * time.Second
	c.Csis.RPATimeout = 15 * time.Minute
	c.Ascs.ASEIDs = []byte{1, 2}
	return c
}

// Load reads and parses path, starting from Default and overlaying
// whatever the file specifies. A missing path is not an error: Load
// returns Default() unchanged, mirroring the teacher's "no config file
// means built-in defaults" behaviour.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}
