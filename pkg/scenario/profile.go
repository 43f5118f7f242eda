package scenario

// Rate-shaping profiles and the interval function the generator schedules from

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode selects the rate-shaping algorithm of a Profile
type Mode int

const (
	ModeIdle Mode = iota
	ModeBurst
	ModeRamp
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeBurst:
		return "BURST"
	case ModeRamp:
		return "RAMP"
	default:
		return fmt.Sprintf("<unknown Mode %d>", int(m))
	}
}

// ParseMode parses the name of a mode, ignoring case
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE":
		return ModeIdle, nil
	case "BURST":
		return ModeBurst, nil
	case "RAMP":
		return ModeRamp, nil
	default:
		return 0, fmt.Errorf("unknown scenario mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Profile describes a single traffic-rate profile.
//
// All exported fields are immutable once the profile has been published. The unexported progress
// fields are owned by whichever single goroutine calls NextInterval (the generator); every
// activation of a profile gets its own copy via Clone, so progress never leaks between profiles.
type Profile struct {
	Name string
	Mode Mode

	// IdleRate is the constant rate, in events per second, for ModeIdle
	IdleRate float64

	// BurstRate is the rate during the burst phase of a ModeBurst cycle
	BurstRate float64
	// IdleRateBurst is the rate during the quiet phase of a ModeBurst cycle
	IdleRateBurst float64
	BurstLen      time.Duration
	IdleLen       time.Duration

	StartRate float64
	EndRate   float64
	RampDur   time.Duration

	// HoldDur is how long the switcher keeps this profile active. Zero means the switcher's
	// default interval, negative means indefinitely.
	HoldDur time.Duration

	sent       uint64
	started    bool
	cycleStart time.Time
}

// Clone returns a copy of the profile with its progress reset
func (p *Profile) Clone() *Profile {
	c := *p
	c.sent = 0
	c.started = false
	c.cycleStart = time.Time{}
	return &c
}

// Label returns the display name of the profile: its Name if set, otherwise its mode
func (p *Profile) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Mode.String()
}

// Validate checks that every rate used by the profile's mode is positive, and that its
// durations make sense.
func (p *Profile) Validate() error {
	mustBePositive := func(field string, v float64) error {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s profile field %s must be positive, got %v", p.Mode, field, v)
		}
		return nil
	}
	mustNotBeNegative := func(field string, d time.Duration) error {
		if d < 0 {
			return fmt.Errorf("%s profile field %s cannot be negative, got %s", p.Mode, field, d)
		}
		return nil
	}

	switch p.Mode {
	case ModeIdle:
		return mustBePositive("idle_rate", p.IdleRate)
	case ModeBurst:
		if err := mustBePositive("burst_rate", p.BurstRate); err != nil {
			return err
		} else if err := mustBePositive("idle_rate_burst", p.IdleRateBurst); err != nil {
			return err
		} else if err := mustNotBeNegative("burst_len", p.BurstLen); err != nil {
			return err
		} else if err := mustNotBeNegative("idle_len", p.IdleLen); err != nil {
			return err
		} else if p.BurstLen+p.IdleLen == 0 {
			return fmt.Errorf("%s profile fields burst_len and idle_len cannot both be zero", p.Mode)
		}
		return nil
	case ModeRamp:
		if err := mustBePositive("start_rate", p.StartRate); err != nil {
			return err
		} else if err := mustBePositive("end_rate", p.EndRate); err != nil {
			return err
		}
		return mustNotBeNegative("ramp_dur", p.RampDur)
	default:
		return fmt.Errorf("unknown profile mode %d", int(p.Mode))
	}
}

// intervalFor converts a rate in events per second to the gap between two events, rounded to the
// nearest microsecond and never less than one microsecond.
func intervalFor(rate float64) time.Duration {
	us := math.Round(1e6 / rate)
	if us < 1 || math.IsNaN(us) {
		us = 1
	}
	return time.Duration(us) * time.Microsecond
}

// burstCycle returns the number of events sent in the burst and quiet phases of one cycle
func (p *Profile) burstCycle() (burst, quiet uint64) {
	burst = uint64(math.Round(p.BurstRate * p.BurstLen.Seconds()))
	quiet = uint64(math.Round(p.IdleRateBurst * p.IdleLen.Seconds()))
	return burst, quiet
}

func (p *Profile) rampRate(now time.Time) float64 {
	if p.RampDur <= 0 {
		return p.EndRate
	} else if !p.started {
		return p.StartRate
	}

	frac := float64(now.Sub(p.cycleStart)) / float64(p.RampDur)
	frac = math.Max(0, math.Min(frac, 1))
	return p.StartRate + (p.EndRate-p.StartRate)*frac
}

// NextInterval returns the time to wait before sending the next event, advancing the profile's
// progress. It must only be called from a single goroutine.
func (p *Profile) NextInterval() time.Duration {
	return p.NextIntervalAt(time.Now())
}

// NextIntervalAt is NextInterval with an explicit current time
func (p *Profile) NextIntervalAt(now time.Time) time.Duration {
	switch p.Mode {
	case ModeBurst:
		burst, quiet := p.burstCycle()
		cycle := burst + quiet
		if cycle == 0 {
			return intervalFor(p.BurstRate)
		}
		pos := p.sent % cycle
		p.sent += 1
		if pos < burst {
			return intervalFor(p.BurstRate)
		}
		return intervalFor(p.IdleRateBurst)
	case ModeRamp:
		if !p.started {
			p.started = true
			p.cycleStart = now
		}
		p.sent += 1
		return intervalFor(p.rampRate(now))
	default:
		p.sent += 1
		return intervalFor(p.IdleRate)
	}
}

// RateAt returns the target rate, in events per second, that the profile would schedule at the
// given time. Like NextInterval, it must only be called from the goroutine that owns the profile's
// progress.
func (p *Profile) RateAt(now time.Time) float64 {
	switch p.Mode {
	case ModeBurst:
		burst, quiet := p.burstCycle()
		if burst+quiet == 0 || p.sent%(burst+quiet) < burst {
			return p.BurstRate
		}
		return p.IdleRateBurst
	case ModeRamp:
		return p.rampRate(now)
	default:
		return p.IdleRate
	}
}

// Sent returns the number of intervals handed out since the profile was activated
func (p *Profile) Sent() uint64 {
	return p.sent
}
