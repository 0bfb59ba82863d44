package volume

import (
	"errors"
	"fmt"
	"strconv"
)

// MaxSteps bounds the number of entries parsed from a step string.
const MaxSteps = 64

// MutedMilliBel is the step value at or below which a step is muted.
const MutedMilliBel = -20000

var errStepSyntax = errors.New("invalid step string")

// ParseSteps parses "step:value,step:value,..." where value is in millibels
// and returns the matching software volumes. The step labels are ignored.
func ParseSteps(s string) ([]Volume, error) {
	if s == "" {
		return nil, errStepSyntax
	}
	var mB []int
	i := 0
	for i < len(s) && len(mB) < MaxSteps {
		for i < len(s) && s[i] != ':' {
			i++
		}
		if i == len(s) {
			return nil, fmt.Errorf("%w: missing ':' in %q", errStepSyntax, s)
		}
		i++
		start := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		if n := i - start; n < 1 || n > 15 {
			return nil, fmt.Errorf("%w: bad value length in %q", errStepSyntax, s)
		}
		v, err := strconv.Atoi(s[start:i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errStepSyntax, err)
		}
		mB = append(mB, v)
	}
	return normalize(mB), nil
}

func normalize(mB []int) []Volume {
	steps := make([]Volume, len(mB))
	for i, v := range mB {
		if v <= MutedMilliBel {
			steps[i] = Muted
			continue
		}
		steps[i] = FromDB(float64(v) / 100.0)
	}
	return steps
}

// SearchStep returns the index of the first step not below v. Volumes above
// the last step select the last step.
func SearchStep(steps []Volume, v Volume) int {
	if len(steps) == 0 {
		return 0
	}
	low, high := 0, len(steps)
	for low < high {
		mid := low + (high-low)/2
		if steps[mid] < v {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if low < len(steps) {
		return low
	}
	return len(steps) - 1
}

// LinearSteps spreads n steps evenly between Muted and Norm.
func LinearSteps(n int) []Volume {
	if n < 2 {
		return []Volume{Norm}
	}
	steps := make([]Volume, n)
	for i := range steps {
		steps[i] = Volume(float64(Norm) / float64(n-1) * float64(i))
	}
	return steps
}
