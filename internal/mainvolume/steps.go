package mainvolume

import (
	"fmt"
	"strconv"

	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Route parameters carrying step strings.
const (
	ParamCallSteps      = "x-nemo.mainvolume.call"
	ParamVoIPSteps      = "x-nemo.mainvolume.voip"
	ParamMediaSteps     = "x-nemo.mainvolume.media"
	ParamHighVolumeStep = "x-nemo.mainvolume.high-volume-step"
)

// FallbackRoute names the linear step set used when a route has no usable
// steps.
const FallbackRoute = "fallback"

const (
	fallbackCallSteps  = 10
	fallbackMediaSteps = 20
)

// StepConfig holds the unparsed step strings for one route.
type StepConfig struct {
	Call       string `mapstructure:"call"`
	VoIP       string `mapstructure:"voip"`
	Media      string `mapstructure:"media"`
	HighVolume string `mapstructure:"high_volume_step"`
}

// merge fills empty fields from the route parameters.
func (c StepConfig) merge(params map[string]string) StepConfig {
	pick := func(cur, key string) string {
		if v, ok := params[key]; ok && v != "" {
			return v
		}
		return cur
	}
	return StepConfig{
		Call:       pick(c.Call, ParamCallSteps),
		VoIP:       pick(c.VoIP, ParamVoIPSteps),
		Media:      pick(c.Media, ParamMediaSteps),
		HighVolume: pick(c.HighVolume, ParamHighVolumeStep),
	}
}

// Steps is one ordered step table with its current position.
type Steps struct {
	Values  []volume.Volume
	Current int
}

// Count returns the number of steps.
func (s *Steps) Count() int { return len(s.Values) }

// Value returns the volume of step i.
func (s *Steps) Value(i int) volume.Volume { return s.Values[i] }

// Last returns the index of the loudest step.
func (s *Steps) Last() int { return len(s.Values) - 1 }

// StepSet is the call, VoIP and media steps of one route.
type StepSet struct {
	Route string
	Call  Steps
	VoIP  Steps
	Media Steps

	// HighVolumeStep is the first media step considered harmful; zero when
	// the route has none.
	HighVolumeStep int

	// first is set until the first media volume after parsing has been
	// checked against the safe step.
	first bool
}

// FallbackSteps returns the linear step set.
func FallbackSteps() *StepSet {
	call := volume.LinearSteps(fallbackCallSteps)
	return &StepSet{
		Route: FallbackRoute,
		Call:  Steps{Values: call},
		VoIP:  Steps{Values: append([]volume.Volume(nil), call...)},
		Media: Steps{Values: volume.LinearSteps(fallbackMediaSteps)},
	}
}

// ParseStepSet parses the step strings of a route. Call and media steps are
// required; VoIP steps default to the call steps. The high volume step is
// not parsed here, see SetHighVolumeStep.
func ParseStepSet(route string, cfg StepConfig) (*StepSet, error) {
	if cfg.Call == "" || cfg.Media == "" {
		return nil, fmt.Errorf("route %s: call and media steps are required", route)
	}
	call, err := volume.ParseSteps(cfg.Call)
	if err != nil {
		return nil, fmt.Errorf("parse call steps: %w", err)
	}
	media, err := volume.ParseSteps(cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("parse media steps: %w", err)
	}
	voip := append([]volume.Volume(nil), call...)
	if cfg.VoIP != "" {
		if voip, err = volume.ParseSteps(cfg.VoIP); err != nil {
			return nil, fmt.Errorf("parse voip steps: %w", err)
		}
	}
	return &StepSet{
		Route: route,
		Call:  Steps{Values: call},
		VoIP:  Steps{Values: voip},
		Media: Steps{Values: media},
		first: true,
	}, nil
}

// SetHighVolumeStep parses and stores the high volume step. It must lie
// between 1 and the last media step. On error the set has no high volume
// step.
func (s *StepSet) SetHighVolumeStep(v string) error {
	s.HighVolumeStep = 0
	if v == "" {
		return nil
	}
	step, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse high volume step %q: %w", v, err)
	}
	if step < 1 {
		return fmt.Errorf("high volume step %d below 1", step)
	}
	if step > s.Media.Last() {
		return fmt.Errorf("high volume step %d over bounds (max %d)", step, s.Media.Last())
	}
	s.HighVolumeStep = step
	return nil
}

// SafeStep is the loudest media step below the high volume step.
func (s *StepSet) SafeStep() int { return s.HighVolumeStep - 1 }
