// Package pulse connects the entry store and the main volume controller to a
// PulseAudio server over the native protocol.
package pulse

import (
	"sort"
	"strings"

	"github.com/jfreymuth/pulse/proto"

	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Stream and sink properties read from the server.
const (
	PropMediaRole       = "media.role"
	PropApplicationID   = "application.id"
	PropApplicationName = "application.name"
	PropMediaName       = "media.name"

	// PropMode carries the active audio route on the sink.
	PropMode = "x-maemo.mode"
	// RouteParamPrefix selects the sink properties passed along with a
	// route change.
	RouteParamPrefix = "x-nemo.mainvolume."
)

// StreamName returns the entry key for a stream with the given properties,
// or "" when the stream cannot be identified.
func StreamName(dir restore.Direction, props map[string]string) string {
	if id := props[restore.IdentificationProperty]; id != "" {
		return id
	}
	prefix := dir.String()
	for _, p := range []struct{ key, group string }{
		{PropMediaRole, "-by-media-role:"},
		{PropApplicationID, "-by-application-id:"},
		{PropApplicationName, "-by-application-name:"},
		{PropMediaName, "-by-media-name:"},
	} {
		if v := props[p.key]; v != "" {
			return prefix + p.group + v
		}
	}
	return ""
}

// RouteParams returns the route parameters carried by a sink's properties.
func RouteParams(props map[string]string) map[string]string {
	params := make(map[string]string)
	for k, v := range props {
		if strings.HasPrefix(k, RouteParamPrefix) {
			params[k] = v
		}
	}
	return params
}

func prop(p proto.PropList, key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	return v.String()
}

func propMap(p proto.PropList) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v.String()
	}
	return out
}

func channelMap(m proto.ChannelMap) volume.ChannelMap {
	out := make(volume.ChannelMap, len(m))
	for i, p := range m {
		out[i] = volume.Position(p)
	}
	return out
}

func cvolume(v proto.ChannelVolumes) volume.CVolume {
	out := make(volume.CVolume, len(v))
	for i, x := range v {
		out[i] = volume.Volume(x)
	}
	return out
}

func channelVolumes(v volume.CVolume) proto.ChannelVolumes {
	out := make(proto.ChannelVolumes, len(v))
	for i, x := range v {
		out[i] = uint32(x)
	}
	return out
}

// sortedKeys is used for stable logging of property sets.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
