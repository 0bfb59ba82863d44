package pulse

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/metrics"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// ClientName is announced to the server.
const ClientName = "streamrestored"

type streamKey struct {
	dir   restore.Direction
	index uint32
}

// Client talks to one server connection. It implements restore.Host and
// mainvolume.Muter. Requests must not be issued from the protocol callback,
// so subscription events are queued and handled by Run.
type Client struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	client  *proto.Client
	conn    net.Conn

	// MediaRoles are the roles muted by SetMediaMute.
	MediaRoles []string

	evMu    sync.Mutex
	pending []proto.SubscribeEvent
	wake    chan struct{}

	mu sync.Mutex
	// Device names by index, kept to name removed devices.
	sinks   map[uint32]string
	sources map[uint32]string
	// Device index each stream was first and last seen on.
	firstDevice map[streamKey]uint32
	lastDevice  map[streamKey]uint32
	// Streams muted by SetMediaMute; their mute is not worth saving.
	selfMuted map[streamKey]bool
	mode      string

	closeOnce sync.Once
}

// Dial connects to server, or to the default server when it is empty.
func Dial(server string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Client, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect(server)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "server", server, "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(ClientName),
		},
	}
	reply := proto.SetClientNameReply{}
	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	c := &Client{
		logger:      logger,
		metrics:     m,
		client:      client,
		conn:        conn,
		wake:        make(chan struct{}, 1),
		sinks:       make(map[uint32]string),
		sources:     make(map[uint32]string),
		firstDevice: make(map[streamKey]uint32),
		lastDevice:  make(map[streamKey]uint32),
		selfMuted:   make(map[streamKey]bool),
	}
	client.Callback = c.callback

	logger.Debugw("connected", "client_index", reply.ClientIndex)
	return c, nil
}

// Close drops the connection. Run returns once the connection is gone.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if err = c.conn.Close(); err != nil {
			c.logger.Warnw("Failed to close PulseAudio connection", "error", err)
			err = fmt.Errorf("close PulseAudio connection: %w", err)
		}
	})
	return err
}

func (c *Client) request(ctx context.Context, req proto.RequestArgs, reply proto.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Request(req, reply)
}

// Streams lists every sink input and source output.
func (c *Client) Streams(ctx context.Context) ([]restore.Stream, error) {
	var inputs proto.GetSinkInputInfoListReply
	if err := c.request(ctx, &proto.GetSinkInputInfoList{}, &inputs); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", err)
	}
	var outputs proto.GetSourceOutputInfoListReply
	if err := c.request(ctx, &proto.GetSourceOutputInfoList{}, &outputs); err != nil {
		return nil, fmt.Errorf("get source output list: %w", err)
	}

	streams := make([]restore.Stream, 0, len(inputs)+len(outputs))
	for _, info := range inputs {
		streams = append(streams, c.sinkInputStream(info))
	}
	for _, info := range outputs {
		streams = append(streams, c.sourceOutputStream(info))
	}
	return streams, nil
}

func (c *Client) stream(ctx context.Context, dir restore.Direction, index uint32) (restore.Stream, error) {
	if dir == restore.Record {
		var info proto.GetSourceOutputInfoReply
		if err := c.request(ctx, &proto.GetSourceOutputInfo{SourceOutpuIndex: index}, &info); err != nil {
			return restore.Stream{}, fmt.Errorf("get source output %d: %w", index, err)
		}
		return c.sourceOutputStream(&info), nil
	}
	var info proto.GetSinkInputInfoReply
	if err := c.request(ctx, &proto.GetSinkInputInfo{SinkInputIndex: index}, &info); err != nil {
		return restore.Stream{}, fmt.Errorf("get sink input %d: %w", index, err)
	}
	return c.sinkInputStream(&info), nil
}

func (c *Client) sinkInputStream(info *proto.GetSinkInputInfoReply) restore.Stream {
	st := sinkInputStream(info)
	c.annotate(&st, info.SinkIndex)
	return st
}

func (c *Client) sourceOutputStream(info *proto.GetSourceOutputInfoReply) restore.Stream {
	st := sourceOutputStream(info)
	c.annotate(&st, info.SourceIndex)
	return st
}

// annotate fills the device name and the preferred device. A stream that
// was moved away from the device it started on is taken to prefer its
// current device.
func (c *Client) annotate(st *restore.Stream, device uint32) {
	key := streamKey{st.Direction, st.Index}
	c.mu.Lock()
	defer c.mu.Unlock()

	names := c.sinks
	if st.Direction == restore.Record {
		names = c.sources
	}
	st.Device = names[device]

	first, seen := c.firstDevice[key]
	if !seen {
		c.firstDevice[key] = device
		first = device
	}
	c.lastDevice[key] = device
	if first != device {
		st.PreferredDevice = st.Device
	}
	if c.selfMuted[key] {
		st.SaveMuted = false
	}
}

func (c *Client) forget(key streamKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.firstDevice, key)
	delete(c.lastDevice, key)
	delete(c.selfMuted, key)
}

func sinkInputStream(info *proto.GetSinkInputInfoReply) restore.Stream {
	props := propMap(info.Properties)
	return restore.Stream{
		Index:          info.SinkInputIndex,
		Direction:      restore.Playback,
		Name:           StreamName(restore.Playback, props),
		ChannelMap:     channelMap(info.ChannelMap),
		Volume:         cvolume(info.ChannelVolumes),
		Muted:          info.Muted,
		SaveVolume:     info.VolumeReadable && info.VolumeWritable,
		SaveMuted:      true,
		VolumeWritable: info.VolumeWritable,
		Filter:         info.ClientIndex == proto.Undefined,
	}
}

func sourceOutputStream(info *proto.GetSourceOutputInfoReply) restore.Stream {
	props := propMap(info.Properties)
	return restore.Stream{
		Index:          info.SourceOutpuIndex,
		Direction:      restore.Record,
		Name:           StreamName(restore.Record, props),
		ChannelMap:     channelMap(info.ChannelMap),
		Volume:         cvolume(info.ChannelVolumes),
		Muted:          info.Muted,
		SaveVolume:     info.VolumeReadable && info.VolumeWritable,
		SaveMuted:      true,
		VolumeWritable: info.VolumeWritable,
		Filter:         info.ClientIndex == proto.Undefined,
	}
}

// SetStreamVolume sets the volume of a live stream.
func (c *Client) SetStreamVolume(ctx context.Context, s restore.Stream, v volume.CVolume) error {
	var req proto.RequestArgs = &proto.SetSinkInputVolume{SinkInputIndex: s.Index, ChannelVolumes: channelVolumes(v)}
	if s.Direction == restore.Record {
		req = &proto.SetSourceOutputVolume{SourceOutputIndex: s.Index, ChannelVolumes: channelVolumes(v)}
	}
	if err := c.request(ctx, req, nil); err != nil {
		return fmt.Errorf("set %s %d volume: %w", s.Direction, s.Index, err)
	}
	return nil
}

// SetStreamMute sets the mute of a live stream.
func (c *Client) SetStreamMute(ctx context.Context, s restore.Stream, muted bool) error {
	var req proto.RequestArgs = &proto.SetSinkInputMute{SinkInputIndex: s.Index, Mute: muted}
	if s.Direction == restore.Record {
		req = &proto.SetSourceOutputMute{SourceOutputIndex: s.Index, Mute: muted}
	}
	if err := c.request(ctx, req, nil); err != nil {
		return fmt.Errorf("set %s %d mute: %w", s.Direction, s.Index, err)
	}
	return nil
}

// MoveStream moves a live stream to the named device.
func (c *Client) MoveStream(ctx context.Context, s restore.Stream, device string) error {
	var req proto.RequestArgs = &proto.MoveSinkInput{SinkInputIndex: s.Index, DeviceIndex: proto.Undefined, DeviceName: device}
	if s.Direction == restore.Record {
		req = &proto.MoveSourceOutput{SourceOutputIndex: s.Index, DeviceIndex: proto.Undefined, DeviceName: device}
	}
	if err := c.request(ctx, req, nil); err != nil {
		return fmt.Errorf("move %s %d to %s: %w", s.Direction, s.Index, device, err)
	}
	return nil
}

// Device looks up a sink or source by name.
func (c *Client) Device(ctx context.Context, dir restore.Direction, name string) (restore.Device, bool) {
	if name == "" {
		return restore.Device{}, false
	}
	if dir == restore.Record {
		var info proto.GetSourceInfoReply
		if err := c.request(ctx, &proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: name}, &info); err != nil {
			return restore.Device{}, false
		}
		return c.sourceDevice(ctx, &info), true
	}
	var info proto.GetSinkInfoReply
	if err := c.request(ctx, &proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}, &info); err != nil {
		return restore.Device{}, false
	}
	return c.sinkDevice(ctx, &info), true
}

// CardDevice returns the first device of the named card.
func (c *Client) CardDevice(ctx context.Context, dir restore.Direction, card string) (restore.Device, bool) {
	if card == "" {
		return restore.Device{}, false
	}
	if dir == restore.Record {
		var list proto.GetSourceInfoListReply
		if err := c.request(ctx, &proto.GetSourceInfoList{}, &list); err != nil {
			return restore.Device{}, false
		}
		for _, info := range list {
			if d := c.sourceDevice(ctx, info); d.Card == card {
				return d, true
			}
		}
		return restore.Device{}, false
	}
	var list proto.GetSinkInfoListReply
	if err := c.request(ctx, &proto.GetSinkInfoList{}, &list); err != nil {
		return restore.Device{}, false
	}
	for _, info := range list {
		if d := c.sinkDevice(ctx, info); d.Card == card {
			return d, true
		}
	}
	return restore.Device{}, false
}

// SetDeviceVolume sets the volume of a sink or source.
func (c *Client) SetDeviceVolume(ctx context.Context, dir restore.Direction, name string, v volume.CVolume) error {
	var req proto.RequestArgs = &proto.SetSinkVolume{SinkIndex: proto.Undefined, SinkName: name, ChannelVolumes: channelVolumes(v)}
	if dir == restore.Record {
		req = &proto.SetSourceVolume{SourceIndex: proto.Undefined, SourceName: name, ChannelVolumes: channelVolumes(v)}
	}
	if err := c.request(ctx, req, nil); err != nil {
		return fmt.Errorf("set device %s volume: %w", name, err)
	}
	return nil
}

func (c *Client) sinkDevice(ctx context.Context, info *proto.GetSinkInfoReply) restore.Device {
	c.mu.Lock()
	c.sinks[info.SinkIndex] = info.SinkName
	c.mu.Unlock()
	return restore.Device{
		Name:       info.SinkName,
		Card:       c.cardName(ctx, info.CardIndex),
		ChannelMap: channelMap(info.ChannelMap),
		Volume:     cvolume(info.ChannelVolumes),
	}
}

func (c *Client) sourceDevice(ctx context.Context, info *proto.GetSourceInfoReply) restore.Device {
	c.mu.Lock()
	c.sources[info.SourceIndex] = info.SourceName
	c.mu.Unlock()
	return restore.Device{
		Name:       info.SourceName,
		Card:       c.cardName(ctx, info.CardIndex),
		ChannelMap: channelMap(info.ChannelMap),
		Volume:     cvolume(info.ChannelVolumes),
	}
}

func (c *Client) cardName(ctx context.Context, index uint32) string {
	if index == proto.Undefined {
		return ""
	}
	var info proto.GetCardInfoReply
	if err := c.request(ctx, &proto.GetCardInfo{CardIndex: index}, &info); err != nil {
		c.logger.Debugw("failed to get card info", "card", index, "error", err)
		return ""
	}
	return info.CardName
}

// SetMediaMute mutes or unmutes every playback stream with a media role.
// Streams muted here keep their saved mute.
func (c *Client) SetMediaMute(ctx context.Context, muted bool) error {
	var inputs proto.GetSinkInputInfoListReply
	if err := c.request(ctx, &proto.GetSinkInputInfoList{}, &inputs); err != nil {
		return fmt.Errorf("get sink input list: %w", err)
	}
	var firstErr error
	for _, info := range inputs {
		if !isMedia(c.MediaRoles, info.Properties) {
			continue
		}
		if muted && info.Muted {
			continue
		}
		if err := c.setMediaMute(ctx, info.SinkInputIndex, muted); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) setMediaMute(ctx context.Context, index uint32, muted bool) error {
	key := streamKey{restore.Playback, index}
	c.mu.Lock()
	if muted {
		c.selfMuted[key] = true
	} else if !c.selfMuted[key] {
		// Only undo what SetMediaMute did.
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.request(ctx, &proto.SetSinkInputMute{SinkInputIndex: index, Mute: muted}, nil); err != nil {
		return fmt.Errorf("set sink input %d mute: %w", index, err)
	}
	if !muted {
		c.mu.Lock()
		delete(c.selfMuted, key)
		c.mu.Unlock()
	}
	c.logger.Debugw("media stream mute", "sink_input", index, "muted", muted)
	return nil
}

var _ restore.Host = (*Client)(nil)
