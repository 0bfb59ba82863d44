// Package volume holds the channel-map and per-channel volume types shared by
// the entry store, the main volume controller and the audio server adapter.
package volume

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelsMax is the largest number of channels a map or volume may carry.
const ChannelsMax = 32

// Position identifies a speaker position within a channel map.
type Position uint8

const (
	Mono Position = iota
	FrontLeft
	FrontRight
	FrontCenter
	RearCenter
	RearLeft
	RearRight
	LFE
	FrontLeftOfCenter
	FrontRightOfCenter
	SideLeft
	SideRight
	Aux0
)

// Aux31 is the last auxiliary position; the top positions follow it.
const Aux31 = Aux0 + 31

const (
	TopCenter Position = Aux31 + 1 + iota
	TopFrontLeft
	TopFrontRight
	TopFrontCenter
	TopRearLeft
	TopRearRight
	TopRearCenter

	// PositionMax is one past the last valid position.
	PositionMax
)

var positionNames = map[Position]string{
	Mono:               "mono",
	FrontLeft:          "front-left",
	FrontRight:         "front-right",
	FrontCenter:        "front-center",
	RearCenter:         "rear-center",
	RearLeft:           "rear-left",
	RearRight:          "rear-right",
	LFE:                "lfe",
	FrontLeftOfCenter:  "front-left-of-center",
	FrontRightOfCenter: "front-right-of-center",
	SideLeft:           "side-left",
	SideRight:          "side-right",
	TopCenter:          "top-center",
	TopFrontLeft:       "top-front-left",
	TopFrontRight:      "top-front-right",
	TopFrontCenter:     "top-front-center",
	TopRearLeft:        "top-rear-left",
	TopRearRight:       "top-rear-right",
	TopRearCenter:      "top-rear-center",
}

func (p Position) String() string {
	if p >= Aux0 && p <= Aux31 {
		return "aux" + strconv.Itoa(int(p-Aux0))
	}
	if name, ok := positionNames[p]; ok {
		return name
	}
	return "invalid"
}

// Valid reports whether p names a known position.
func (p Position) Valid() bool { return p < PositionMax }

// ParsePosition accepts both the symbolic name and the numeric form.
func ParsePosition(s string) (Position, error) {
	if strings.HasPrefix(s, "aux") {
		n, err := strconv.Atoi(s[3:])
		if err == nil && n >= 0 && n <= 31 {
			return Aux0 + Position(n), nil
		}
	}
	for p, name := range positionNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < int(PositionMax) {
		return Position(n), nil
	}
	return 0, fmt.Errorf("unknown channel position %q", s)
}

func (p Position) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid channel position %d", p)
	}
	return []byte(p.String()), nil
}

func (p *Position) UnmarshalText(b []byte) error {
	v, err := ParsePosition(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Position) onLeft() bool {
	switch p {
	case FrontLeft, RearLeft, FrontLeftOfCenter, SideLeft, TopFrontLeft, TopRearLeft:
		return true
	}
	return false
}

func (p Position) onRight() bool {
	switch p {
	case FrontRight, RearRight, FrontRightOfCenter, SideRight, TopFrontRight, TopRearRight:
		return true
	}
	return false
}

func (p Position) onCenter() bool {
	switch p {
	case FrontCenter, RearCenter, TopCenter, TopFrontCenter, TopRearCenter:
		return true
	}
	return false
}

// ChannelMap is an ordered list of positions, one per channel.
type ChannelMap []Position

// MonoMap returns a single-channel map.
func MonoMap() ChannelMap { return ChannelMap{Mono} }

// StereoMap returns a front-left/front-right map.
func StereoMap() ChannelMap { return ChannelMap{FrontLeft, FrontRight} }

// Valid reports whether m has between 1 and ChannelsMax known positions.
func (m ChannelMap) Valid() bool {
	if len(m) == 0 || len(m) > ChannelsMax {
		return false
	}
	for _, p := range m {
		if !p.Valid() {
			return false
		}
	}
	return true
}

// Equal compares maps position by position.
func (m ChannelMap) Equal(o ChannelMap) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if m[i] != o[i] {
			return false
		}
	}
	return true
}

func (m ChannelMap) String() string {
	names := make([]string, len(m))
	for i, p := range m {
		names[i] = p.String()
	}
	return strings.Join(names, ",")
}

// Clone returns an independent copy of m.
func (m ChannelMap) Clone() ChannelMap {
	if m == nil {
		return nil
	}
	return append(ChannelMap(nil), m...)
}
