package scenario

// Loading of scenario files

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SwitchMode selects how the Switcher moves between profiles
type SwitchMode string

const (
	SwitchAutomatic SwitchMode = "automatic"
	SwitchManual    SwitchMode = "manual"
)

// File is a loaded scenario file: the list of profiles plus the settings for switching between
// them.
type File struct {
	Mode SwitchMode
	// Interval is the hold duration for profiles that don't set their own
	Interval   time.Duration
	StartIndex int
	// KillAfter, if positive, is the total run time after which the switcher requests shutdown
	KillAfter time.Duration
	Scenarios []*Profile
}

// DefaultFile returns the built-in scenarios used when no scenario file can be read: one each of
// idle, burst and ramp, switched automatically.
func DefaultFile() *File {
	return &File{
		Mode:       SwitchAutomatic,
		Interval:   30 * time.Second,
		StartIndex: 0,
		KillAfter:  0,
		Scenarios: []*Profile{
			{
				Mode:     ModeIdle,
				IdleRate: 10000,
			},
			{
				Mode:          ModeBurst,
				BurstRate:     75000,
				IdleRateBurst: 1000,
				BurstLen:      250 * time.Millisecond,
				IdleLen:       750 * time.Millisecond,
			},
			{
				Mode:      ModeRamp,
				StartRate: 500,
				EndRate:   20000,
				RampDur:   15 * time.Second,
			},
		},
	}
}

// fileSpec is the on-disk format of a scenario file. Durations are in seconds unless noted
// otherwise.
type fileSpec struct {
	Mode       string        `json:"mode" yaml:"mode"`
	Interval   float64       `json:"interval" yaml:"interval"`
	StartIndex int           `json:"start_index" yaml:"start_index"`
	KillAfter  float64       `json:"kill_after" yaml:"kill_after"`
	Scenarios  []profileSpec `json:"scenarios" yaml:"scenarios"`
}

type profileSpec struct {
	Name          string  `json:"name" yaml:"name"`
	Mode          string  `json:"mode" yaml:"mode"`
	IdleRate      float64 `json:"idle_rate" yaml:"idle_rate"`
	BurstRate     float64 `json:"burst_rate" yaml:"burst_rate"`
	IdleRateBurst float64 `json:"idle_rate_burst" yaml:"idle_rate_burst"`
	// BurstLen is in milliseconds
	BurstLen float64 `json:"burst_len" yaml:"burst_len"`
	// IdleLen is in milliseconds
	IdleLen   float64 `json:"idle_len" yaml:"idle_len"`
	StartRate float64 `json:"start_rate" yaml:"start_rate"`
	EndRate   float64 `json:"end_rate" yaml:"end_rate"`
	RampDur   float64 `json:"ramp_dur" yaml:"ramp_dur"`
	HoldDur   float64 `json:"hold_dur" yaml:"hold_dur"`
}

func defaultFileSpec() fileSpec {
	return fileSpec{
		Mode:       string(SwitchAutomatic),
		Interval:   30,
		StartIndex: 0,
		KillAfter:  0,
		Scenarios:  nil,
	}
}

func defaultProfileSpec() profileSpec {
	return profileSpec{
		Name:          "",
		Mode:          ModeIdle.String(),
		IdleRate:      100,
		BurstRate:     80000,
		IdleRateBurst: 1000,
		BurstLen:      200,
		IdleLen:       800,
		StartRate:     500,
		EndRate:       20000,
		RampDur:       10,
		HoldDur:       0,
	}
}

func (s *profileSpec) UnmarshalJSON(data []byte) error {
	type plain profileSpec
	p := plain(defaultProfileSpec())

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = profileSpec(p)
	return nil
}

func (s *profileSpec) UnmarshalYAML(value *yaml.Node) error {
	type plain profileSpec
	p := plain(defaultProfileSpec())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = profileSpec(p)
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s profileSpec) toProfile() (*Profile, error) {
	mode, err := ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Name:          s.Name,
		Mode:          mode,
		IdleRate:      s.IdleRate,
		BurstRate:     s.BurstRate,
		IdleRateBurst: s.IdleRateBurst,
		BurstLen:      time.Duration(s.BurstLen * float64(time.Millisecond)),
		IdleLen:       time.Duration(s.IdleLen * float64(time.Millisecond)),
		StartRate:     s.StartRate,
		EndRate:       s.EndRate,
		RampDur:       seconds(s.RampDur),
		HoldDur:       seconds(s.HoldDur),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s fileSpec) toFile() (*File, error) {
	var mode SwitchMode
	switch SwitchMode(strings.ToLower(s.Mode)) {
	case SwitchAutomatic:
		mode = SwitchAutomatic
	case SwitchManual:
		mode = SwitchManual
	default:
		return nil, fmt.Errorf("Field .mode must be %q or %q, got %q", SwitchAutomatic, SwitchManual, s.Mode)
	}

	if s.Interval <= 0 {
		return nil, errors.New("Field .interval must be positive")
	} else if s.StartIndex < 0 {
		return nil, errors.New("Field .start_index cannot be negative")
	}

	f := &File{
		Mode:       mode,
		Interval:   seconds(s.Interval),
		StartIndex: s.StartIndex,
		KillAfter:  seconds(s.KillAfter),
		Scenarios:  nil,
	}

	for i, ps := range s.Scenarios {
		p, err := ps.toProfile()
		if err != nil {
			return nil, fmt.Errorf("Invalid scenario .scenarios[%d]: %w", i, err)
		}
		f.Scenarios = append(f.Scenarios, p)
	}
	if len(f.Scenarios) == 0 {
		p, err := defaultProfileSpec().toProfile()
		if err != nil {
			panic(fmt.Sprintf("default profile is invalid: %s", err))
		}
		f.Scenarios = append(f.Scenarios, p)
	}
	if f.StartIndex >= len(f.Scenarios) {
		return nil, fmt.Errorf("Field .start_index %d out of range for %d scenarios", f.StartIndex, len(f.Scenarios))
	}

	return f, nil
}

// ErrFileNotFound is returned (wrapped) by ReadFile when the scenario file does not exist
var ErrFileNotFound = errors.New("scenario file not found")

// ReadFile reads and validates the scenario file at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
//
// A missing or unreadable file results in an error wrapping ErrFileNotFound, for which callers are
// expected to fall back to DefaultFile. Any other error means the file exists but is invalid.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrFileNotFound, err)
		}
		return nil, fmt.Errorf("Error reading scenario file %q: %w", path, err)
	}

	spec := defaultFileSpec()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("Error decoding YAML scenario file %q: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("Error decoding JSON scenario file %q: %w", path, err)
		}
	}

	f, err := spec.toFile()
	if err != nil {
		return nil, fmt.Errorf("Invalid scenario file %q: %w", path, err)
	}
	return f, nil
}
