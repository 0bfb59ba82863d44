package volume

import (
	"fmt"
	"math"
	"strings"
)

// Volume is a software volume value; Norm is 100%.
type Volume uint32

const (
	Muted Volume = 0
	Norm  Volume = 0x10000
	Max   Volume = 0x7fffffff
)

// Valid reports whether v is within the representable range.
func (v Volume) Valid() bool { return v <= Max }

// CVolume holds one volume per channel.
type CVolume []Volume

// Set returns a CVolume of the given channel count with every channel at v.
func Set(channels int, v Volume) CVolume {
	cv := make(CVolume, channels)
	for i := range cv {
		cv[i] = v
	}
	return cv
}

// Valid reports whether cv has 1..ChannelsMax channels of valid values.
func (cv CVolume) Valid() bool {
	if len(cv) == 0 || len(cv) > ChannelsMax {
		return false
	}
	for _, v := range cv {
		if !v.Valid() {
			return false
		}
	}
	return true
}

// CompatibleWith reports whether cv is valid and matches the channel count of m.
func (cv CVolume) CompatibleWith(m ChannelMap) bool {
	return cv.Valid() && len(cv) == len(m)
}

func (cv CVolume) Equal(o CVolume) bool {
	if len(cv) != len(o) {
		return false
	}
	for i := range cv {
		if cv[i] != o[i] {
			return false
		}
	}
	return true
}

// Avg returns the arithmetic mean of all channels.
func (cv CVolume) Avg() Volume {
	if len(cv) == 0 {
		return Muted
	}
	var sum uint64
	for _, v := range cv {
		sum += uint64(v)
	}
	return Volume(sum / uint64(len(cv)))
}

// Max returns the loudest channel.
func (cv CVolume) Max() Volume {
	var m Volume
	for _, v := range cv {
		if v > m {
			m = v
		}
	}
	return m
}

func (cv CVolume) Clone() CVolume {
	if cv == nil {
		return nil
	}
	return append(CVolume(nil), cv...)
}

func (cv CVolume) String() string {
	parts := make([]string, len(cv))
	for i, v := range cv {
		parts[i] = fmt.Sprintf("%d:%d%%", i, (uint64(v)*100+uint64(Norm)/2)/uint64(Norm))
	}
	return strings.Join(parts, " ")
}

// Remap converts cv from channel map from to channel map to. Channels are
// matched by identical position, then by side (left, right, center, lfe),
// and fall back to the average of all input channels.
func Remap(cv CVolume, from, to ChannelMap) CVolume {
	if from.Equal(to) {
		return cv.Clone()
	}
	out := make(CVolume, len(to))
	for a, tp := range to {
		var k uint64
		n := 0
		for b, fp := range from {
			if b < len(cv) && tp == fp {
				k += uint64(cv[b])
				n++
			}
		}
		if n == 0 {
			for b, fp := range from {
				if b >= len(cv) {
					break
				}
				if (fp.onLeft() && tp.onLeft()) ||
					(fp.onRight() && tp.onRight()) ||
					(fp.onCenter() && tp.onCenter()) ||
					(fp == LFE && tp == LFE) {
					k += uint64(cv[b])
					n++
				}
			}
		}
		if n == 0 {
			out[a] = cv.Avg()
		} else {
			out[a] = Volume(k / uint64(n))
		}
	}
	return out
}

// DecibelMinusInfinity is the threshold at or below which a dB value maps to Muted.
const DecibelMinusInfinity = -200.0

// FromDB converts a decibel value to a software volume on the cubic curve.
func FromDB(dB float64) Volume {
	if math.IsInf(dB, -1) || dB <= DecibelMinusInfinity {
		return Muted
	}
	return fromLinear(math.Pow(10, dB/20))
}

func fromLinear(v float64) Volume {
	if v <= 0 {
		return Muted
	}
	if v > .999 && v < 1.001 {
		return Norm
	}
	r := math.Round(math.Cbrt(v) * float64(Norm))
	if r > float64(Max) {
		return Max
	}
	return Volume(r)
}

// ToDB is the inverse of FromDB. Muted maps to negative infinity.
func ToDB(v Volume) float64 {
	if v <= Muted {
		return math.Inf(-1)
	}
	f := float64(v) / float64(Norm)
	return 20 * math.Log10(f*f*f)
}
