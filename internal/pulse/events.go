package pulse

import (
	"context"
	"fmt"

	"github.com/jfreymuth/pulse/proto"
	"github.com/thoas/go-funk"

	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// The source-output facility follows the sink-input one.
const eventSourceOutput = proto.EventSinkSinkInput + 1

// Handler receives stream and device events. *restore.Store implements it.
type Handler interface {
	StreamCreated(ctx context.Context, st restore.Stream)
	StreamChanged(ctx context.Context, st restore.Stream)
	DeviceRemoved(ctx context.Context, dir restore.Direction, name string, streams []restore.Stream)
	SinkVolumeChanged(ctx context.Context, sink string, v volume.CVolume)
	SetMode(ctx context.Context, mode string) error
}

// RouteFollower receives route changes and decides whether new media
// streams start muted. *mainvolume.Controller implements it.
type RouteFollower interface {
	SetRoute(route string, params map[string]string)
	Muting() bool
}

type nopFollower struct{}

func (nopFollower) SetRoute(string, map[string]string) {}

func (nopFollower) Muting() bool { return false }

func (c *Client) callback(msg interface{}) {
	ev, ok := msg.(*proto.SubscribeEvent)
	if !ok {
		return
	}
	c.evMu.Lock()
	c.pending = append(c.pending, *ev)
	c.evMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) drain() []proto.SubscribeEvent {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	events := c.pending
	c.pending = nil
	return events
}

// subscriptionMask selects device and stream events. The library names the
// source-output facility SourceInput.
const subscriptionMask = proto.SubscriptionMaskSink | proto.SubscriptionMaskSource |
	proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskSourceInput

// Run subscribes to device and stream events, replays the current streams
// into h and then handles events until ctx is done. routes may be nil.
func (c *Client) Run(ctx context.Context, h Handler, routes RouteFollower) error {
	if routes == nil {
		routes = nopFollower{}
	}
	subscribe := proto.Subscribe{Mask: subscriptionMask}
	if err := c.client.Request(&subscribe, nil); err != nil {
		return fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	if err := c.loadDevices(ctx, h, routes); err != nil {
		return err
	}
	streams, err := c.Streams(ctx)
	if err != nil {
		return err
	}
	for _, st := range streams {
		h.StreamChanged(ctx, st)
	}
	c.logger.Infow("following server", "streams", len(streams))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			for _, ev := range c.drain() {
				c.handle(ctx, h, routes, ev)
			}
		}
	}
}

func (c *Client) loadDevices(ctx context.Context, h Handler, routes RouteFollower) error {
	var sinks proto.GetSinkInfoListReply
	if err := c.request(ctx, &proto.GetSinkInfoList{}, &sinks); err != nil {
		return fmt.Errorf("get sink list: %w", err)
	}
	var sources proto.GetSourceInfoListReply
	if err := c.request(ctx, &proto.GetSourceInfoList{}, &sources); err != nil {
		return fmt.Errorf("get source list: %w", err)
	}

	c.mu.Lock()
	for _, info := range sinks {
		c.sinks[info.SinkIndex] = info.SinkName
	}
	for _, info := range sources {
		c.sources[info.SourceIndex] = info.SourceName
	}
	c.mu.Unlock()

	for _, info := range sinks {
		c.followSink(ctx, h, routes, info)
	}
	return nil
}

func (c *Client) handle(ctx context.Context, h Handler, routes RouteFollower, ev proto.SubscribeEvent) {
	var kind string
	switch ev.Event.GetType() {
	case proto.EventNew:
		kind = "new"
	case proto.EventRemove:
		kind = "remove"
	default:
		kind = "change"
	}

	switch ev.Event & proto.EventFacilityMask {
	case proto.EventSink:
		c.deviceEvent(ctx, h, routes, restore.Playback, kind, ev.Index)
	case proto.EventSource:
		c.deviceEvent(ctx, h, routes, restore.Record, kind, ev.Index)
	case proto.EventSinkSinkInput:
		c.streamEvent(ctx, h, routes, restore.Playback, kind, ev.Index)
	case eventSourceOutput:
		c.streamEvent(ctx, h, routes, restore.Record, kind, ev.Index)
	default:
		return
	}
	c.metrics.StreamEvent(kind)
}

func (c *Client) streamEvent(ctx context.Context, h Handler, routes RouteFollower, dir restore.Direction, kind string, index uint32) {
	key := streamKey{dir, index}
	if kind == "remove" {
		c.forget(key)
		return
	}

	st, err := c.stream(ctx, dir, index)
	if err != nil {
		// Short-lived streams are often gone by the time we ask.
		c.logger.Debugw("stream vanished", "kind", dir.String(), "index", index, "error", err)
		return
	}
	if kind == "change" {
		h.StreamChanged(ctx, st)
		return
	}

	c.logger.Debugw("new stream", "kind", dir.String(), "index", index, "name", st.Name)
	h.StreamCreated(ctx, st)
	if dir == restore.Playback && routes.Muting() {
		c.muteNewMediaStream(ctx, index)
	}
}

// muteNewMediaStream mutes a media stream that appears while volumes are
// out of sync. It is unmuted with the others.
func (c *Client) muteNewMediaStream(ctx context.Context, index uint32) {
	var info proto.GetSinkInputInfoReply
	if err := c.request(ctx, &proto.GetSinkInputInfo{SinkInputIndex: index}, &info); err != nil {
		return
	}
	if info.Muted || !isMedia(c.MediaRoles, info.Properties) {
		return
	}
	if err := c.setMediaMute(ctx, index, true); err != nil {
		c.logger.Warnw("failed to mute new media stream", "sink_input", index, "error", err)
	}
}

func (c *Client) deviceEvent(ctx context.Context, h Handler, routes RouteFollower, dir restore.Direction, kind string, index uint32) {
	if kind == "remove" {
		c.deviceRemoved(ctx, h, dir, index)
		return
	}
	if dir == restore.Record {
		var info proto.GetSourceInfoReply
		if err := c.request(ctx, &proto.GetSourceInfo{SourceIndex: index}, &info); err != nil {
			return
		}
		c.mu.Lock()
		c.sources[index] = info.SourceName
		c.mu.Unlock()
		return
	}

	var info proto.GetSinkInfoReply
	if err := c.request(ctx, &proto.GetSinkInfo{SinkIndex: index}, &info); err != nil {
		return
	}
	c.mu.Lock()
	c.sinks[index] = info.SinkName
	c.mu.Unlock()
	c.followSink(ctx, h, routes, &info)
}

// followSink passes a sink's hardware volume to the sink-volume handling
// and its route to the store and the route follower.
func (c *Client) followSink(ctx context.Context, h Handler, routes RouteFollower, info *proto.GetSinkInfoReply) {
	h.SinkVolumeChanged(ctx, info.SinkName, cvolume(info.ChannelVolumes))

	mode := prop(info.Properties, PropMode)
	if mode == "" {
		return
	}
	c.mu.Lock()
	changed := mode != c.mode
	c.mode = mode
	c.mu.Unlock()
	if !changed {
		return
	}

	params := RouteParams(propMap(info.Properties))
	c.logger.Infow("route changed", "sink", info.SinkName, "mode", mode, "params", sortedKeys(params))
	if err := h.SetMode(ctx, mode); err != nil {
		c.logger.Warnw("failed to switch route", "mode", mode, "error", err)
	}
	routes.SetRoute(mode, params)
}

// deviceRemoved rescues the streams that were playing on a removed device.
// The server has already moved them by the time the event arrives, so the
// streams are found by the device they were last seen on.
func (c *Client) deviceRemoved(ctx context.Context, h Handler, dir restore.Direction, index uint32) {
	c.mu.Lock()
	names := c.sinks
	if dir == restore.Record {
		names = c.sources
	}
	name, ok := names[index]
	delete(names, index)
	orphans := make(map[uint32]bool)
	for key, dev := range c.lastDevice {
		if key.dir == dir && dev == index {
			orphans[key.index] = true
			// The server moved it; that is not a user choice.
			delete(c.firstDevice, key)
		}
	}
	c.mu.Unlock()
	if !ok || len(orphans) == 0 {
		return
	}

	all, err := c.Streams(ctx)
	if err != nil {
		c.logger.Warnw("failed to list streams", "error", err)
		return
	}
	var streams []restore.Stream
	for _, st := range all {
		if st.Direction == dir && orphans[st.Index] {
			streams = append(streams, st)
		}
	}
	c.logger.Infow("device removed", "kind", dir.String(), "device", name, "streams", len(streams))
	h.DeviceRemoved(ctx, dir, name, streams)
}

func isMedia(roles []string, props proto.PropList) bool {
	return funk.ContainsString(roles, prop(props, PropMediaRole))
}
