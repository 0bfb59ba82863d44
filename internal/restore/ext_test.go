package restore_test

import (
	"context"
	"testing"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

func TestWriteModes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := models.EntryInfo{Name: music, ChannelMap: volume.StereoMap(), Volume: stereo(1000)}
	if err := e.store.Write(ctx, models.UpdateReplace, false, []models.EntryInfo{first}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !equalKinds(e.events.kinds(), []models.EventKind{models.EventNewEntry}) {
		t.Fatalf("events = %v", e.events.kinds())
	}
	e.events.reset()

	second := first
	second.Volume = stereo(2000)
	if err := e.store.Write(ctx, models.UpdateMerge, false, []models.EntryInfo{second}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := mustEntry(t, e.store, music); !got.Volume.Equal(stereo(1000)) {
		t.Errorf("merge overwrote the entry: %v", got.Volume)
	}
	if len(e.events.kinds()) != 0 {
		t.Errorf("merge emitted %v", e.events.kinds())
	}

	if err := e.store.Write(ctx, models.UpdateReplace, false, []models.EntryInfo{second}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := mustEntry(t, e.store, music); !got.Volume.Equal(stereo(2000)) {
		t.Errorf("replace volume = %v", got.Volume)
	}
	if !equalKinds(e.events.kinds(), []models.EventKind{models.EventVolumeUpdated}) {
		t.Errorf("replace events = %v", e.events.kinds())
	}
	e.events.reset()

	alarm := models.EntryInfo{Name: "sink-input-by-media-role:alarm", ChannelMap: volume.MonoMap(), Volume: volume.CVolume{3000}}
	if err := e.store.Write(ctx, models.UpdateSet, false, []models.EntryInfo{alarm}); err != nil {
		t.Fatalf("set: %v", err)
	}
	want := []models.EventKind{models.EventEntryRemoved, models.EventNewEntry}
	if !equalKinds(e.events.kinds(), want) {
		t.Errorf("set events = %v, want %v", e.events.kinds(), want)
	}
	if _, ok := e.store.Entry(music); ok {
		t.Error("set kept an old entry")
	}
	m, err := e.store.Mirror(alarm.Name)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if m.Index != 1 {
		t.Errorf("index = %d, want 1 (indexes are never reused)", m.Index)
	}
}

func TestWriteValidatesWholeBatch(t *testing.T) {
	tests := []struct {
		name string
		bad  models.EntryInfo
	}{
		{"empty name", models.EntryInfo{Name: ""}},
		{"volume map mismatch", models.EntryInfo{Name: "x", ChannelMap: volume.StereoMap(), Volume: volume.CVolume{1}}},
		{"bad device", models.EntryInfo{Name: "x", Device: "not a device"}},
		{"volume out of range", models.EntryInfo{Name: "x", ChannelMap: volume.MonoMap(), Volume: volume.CVolume{volume.Max + 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			ok := models.EntryInfo{Name: music, Muted: true}
			err := e.store.Write(context.Background(), models.UpdateReplace, false, []models.EntryInfo{ok, tc.bad})
			if !models.HasCode(err, models.CodeValidationFailure) {
				t.Fatalf("Write = %v, want VALIDATION_FAILURE", err)
			}
			if _, found := e.store.Entry(music); found {
				t.Error("valid entry written before the batch failed validation")
			}
			if len(e.events.kinds()) != 0 {
				t.Errorf("events = %v", e.events.kinds())
			}
		})
	}
}

func TestRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	infos := []models.EntryInfo{
		{Name: "b", ChannelMap: volume.MonoMap(), Volume: volume.CVolume{100}, Device: "sink.primary"},
		{Name: "a", Muted: true},
	}
	if err := e.store.Write(ctx, models.UpdateReplace, false, infos); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := e.store.Read()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("Read = %+v", got)
	}
	if len(got[0].ChannelMap) != 0 || len(got[0].Volume) != 0 || !got[0].Muted || got[0].Device != "" {
		t.Errorf("a = %+v", got[0])
	}
	if got[1].Device != "sink.primary" || !got[1].Volume.Equal(volume.CVolume{100}) {
		t.Errorf("b = %+v", got[1])
	}
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	infos := []models.EntryInfo{{Name: "a", Muted: true}, {Name: "b", Muted: true}}
	if err := e.store.Write(ctx, models.UpdateReplace, false, infos); err != nil {
		t.Fatalf("Write: %v", err)
	}
	e.events.reset()

	if err := e.store.Delete([]string{"a", "a", "missing"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := e.events.count(models.EventEntryRemoved); n != 1 {
		t.Errorf("EntryRemoved count = %d, want 1", n)
	}
	if _, ok := e.store.Entry("a"); ok {
		t.Error("a still stored")
	}
	if _, ok := e.store.Entry("b"); !ok {
		t.Error("b removed")
	}
}

func TestSubscribedClientsArePinged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if v := e.store.Test(); v != restore.ExtensionVersion {
		t.Errorf("Test = %d", v)
	}

	e.store.Subscribe("client-1", true)
	if err := e.store.Write(ctx, models.UpdateReplace, false, []models.EntryInfo{{Name: "a", Muted: true}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var pinged bool
	for _, ev := range e.events.events {
		if ev.Kind == models.EventPing && ev.Client == "client-1" {
			pinged = true
		}
	}
	if !pinged {
		t.Error("subscribed client was not pinged")
	}

	e.store.Disconnect("client-1")
	e.events.reset()
	if err := e.store.Delete([]string{"a"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := e.events.count(models.EventPing); n != 0 {
		t.Errorf("disconnected client pinged %d times", n)
	}
}

func TestMirrorSetters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.addDevice(restore.Device{Name: "sink.headset", ChannelMap: volume.StereoMap()})
	e.host.addStream(musicStream(4, stereo(volume.Norm)))

	info, err := e.store.AddEntry(ctx, music, "", volume.StereoMap(), stereo(1000), false, false)
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if info.Index != 0 || len(info.Volume) != 2 {
		t.Errorf("AddEntry = %+v", info)
	}
	e.events.reset()

	if err := e.store.SetMute(ctx, music, true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if err := e.store.SetMute(ctx, music, true); err != nil {
		t.Fatalf("SetMute again: %v", err)
	}
	if !equalKinds(e.events.kinds(), []models.EventKind{models.EventMuteUpdated}) {
		t.Errorf("mute events = %v", e.events.kinds())
	}
	if !e.host.mutes[4] {
		t.Error("mute not applied to the live stream")
	}
	e.events.reset()

	if err := e.store.SetVolume(ctx, music, volume.MonoMap(), volume.CVolume{500}); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got := e.host.streamVolume(4); !got.Equal(stereo(500)) {
		t.Errorf("applied volume = %v", got)
	}
	if err := e.store.SetDevice(ctx, music, "sink.headset"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if e.host.moves[4] != "sink.headset" {
		t.Errorf("stream moved to %q", e.host.moves[4])
	}
	want := []models.EventKind{models.EventVolumeUpdated, models.EventDeviceUpdated}
	if !equalKinds(e.events.kinds(), want) {
		t.Errorf("events = %v, want %v", e.events.kinds(), want)
	}

	m, err := e.store.MirrorByPath(restore.ObjectPathPrefix + "0")
	if err != nil {
		t.Fatalf("MirrorByPath: %v", err)
	}
	if m.Device != "sink.headset" || !m.Muted || len(m.Volume) != 1 || m.Volume[0].Volume != 500 {
		t.Errorf("mirror = %+v", m)
	}

	if err := e.store.SetDevice(ctx, music, "not a device"); !models.HasCode(err, models.CodeValidationFailure) {
		t.Errorf("SetDevice(invalid) = %v", err)
	}
	if err := e.store.SetMute(ctx, "nope", true); !models.HasCode(err, models.CodeNotFound) {
		t.Errorf("SetMute(unknown) = %v", err)
	}

	e.events.reset()
	if err := e.store.Remove(music); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !equalKinds(e.events.kinds(), []models.EventKind{models.EventEntryRemoved}) {
		t.Errorf("remove events = %v", e.events.kinds())
	}
	if err := e.store.Remove(music); !models.HasCode(err, models.CodeNotFound) {
		t.Errorf("second Remove = %v", err)
	}
	if _, err := e.store.MirrorByIndex(0); !models.HasCode(err, models.CodeNotFound) {
		t.Errorf("MirrorByIndex after remove = %v", err)
	}
}

func TestSetVolumeChannelMapOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := volume.CVolume{1000, 2000}
	if _, err := e.store.AddEntry(ctx, music, "", volume.StereoMap(), v, false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	e.events.reset()

	swapped := volume.ChannelMap{volume.FrontRight, volume.FrontLeft}
	if err := e.store.SetVolume(ctx, music, swapped, v); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got := mustEntry(t, e.store, music); !got.ChannelMap.Equal(swapped) {
		t.Errorf("channel map = %v, want %v", got.ChannelMap, swapped)
	}
	if n := e.events.count(models.EventVolumeUpdated); n != 1 {
		t.Errorf("volume events = %d, want 1", n)
	}

	if err := e.store.SetVolume(ctx, music, swapped, v); err != nil {
		t.Fatalf("SetVolume again: %v", err)
	}
	if n := e.events.count(models.EventVolumeUpdated); n != 1 {
		t.Errorf("unchanged write emitted %d volume events", n)
	}
}

func TestAddEntryUpdatesExisting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.store.AddEntry(ctx, music, "", volume.StereoMap(), stereo(1000), false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	e.events.reset()

	if _, err := e.store.AddEntry(ctx, music, "sink.primary", volume.StereoMap(), stereo(1000), true, false); err != nil {
		t.Fatalf("AddEntry update: %v", err)
	}
	want := []models.EventKind{models.EventMuteUpdated, models.EventDeviceUpdated}
	if !equalKinds(e.events.kinds(), want) {
		t.Errorf("events = %v, want %v", e.events.kinds(), want)
	}
	if e.store.Len() != 1 {
		t.Errorf("Len = %d", e.store.Len())
	}
	if _, err := e.store.AddEntry(ctx, "", "", nil, nil, false, false); !models.HasCode(err, models.CodeValidationFailure) {
		t.Errorf("empty name = %v", err)
	}
}
