package restore_test

import (
	"context"
	"testing"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

const phone = "sink-input-by-media-role:phone"

func phoneStream(idx uint32, device string) restore.Stream {
	st := musicStream(idx, stereo(volume.Norm))
	st.Name = phone
	st.Device = device
	return st
}

func withRouteRecord(name, route string, v volume.CVolume) option {
	return func(e *env, _ *restore.Options) {
		data, err := restore.EncodeRouteVolume(v)
		if err != nil {
			panic(err)
		}
		e.routeMem.Put(restore.RouteKey(name, route), data)
	}
}

func routeRecord(t *testing.T, e *env, route string) volume.CVolume {
	t.Helper()
	data, ok := e.routes.Get(restore.RouteKey(phone, route))
	if !ok {
		t.Fatalf("no route record for %s", route)
	}
	v, err := restore.DecodeRouteVolume(data)
	if err != nil {
		t.Fatalf("DecodeRouteVolume: %v", err)
	}
	return v
}

func TestRouteVolumeFollowsMode(t *testing.T) {
	e := newEnv(t, withTable("route", "# route volumes\n"+phone+" -20\n"))
	ctx := context.Background()
	e.host.addStream(phoneStream(7, "sink.primary"))
	d := volume.FromDB(-20)

	if _, err := e.store.AddEntry(ctx, phone, "", volume.StereoMap(), stereo(volume.Norm), false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(d)) {
		t.Errorf("entry volume = %v, want route default", got.Volume)
	}
	if got := e.host.streamVolume(7); !got.Equal(stereo(d)) {
		t.Errorf("stream volume = %v", got)
	}
	if got := routeRecord(t, e, "ihf"); !got.Equal(volume.CVolume{d}) {
		t.Errorf("route record = %v", got)
	}

	e.events.reset()
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode again: %v", err)
	}
	if len(e.events.kinds()) != 0 {
		t.Errorf("re-setting the active route emitted %v", e.events.kinds())
	}
}

func TestWriteToRouteEntryGoesThroughRouteVolume(t *testing.T) {
	e := newEnv(t, withTable("route", phone+" -20\n"))
	ctx := context.Background()
	e.host.addStream(phoneStream(7, "sink.primary"))
	h := volume.FromDB(-10)

	if _, err := e.store.AddEntry(ctx, phone, "", volume.StereoMap(), stereo(volume.Norm), false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	err := e.store.Write(ctx, models.UpdateReplace, false, []models.EntryInfo{{
		Name:       phone,
		ChannelMap: volume.MonoMap(),
		Volume:     volume.CVolume{h},
	}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := mustEntry(t, e.store, phone)
	if !got.ChannelMap.Equal(volume.StereoMap()) || !got.Volume.Equal(stereo(h)) {
		t.Errorf("entry = %v %v, want stereo at the written level", got.ChannelMap, got.Volume)
	}
	r, ok := e.store.RouteVolume(phone)
	if !ok || !r.Volume.Equal(volume.CVolume{h}) {
		t.Errorf("route volume = %+v", r)
	}
	if v := e.host.streamVolume(7); !v.Equal(stereo(h)) {
		t.Errorf("stream volume = %v", v)
	}

	// Each route keeps its own value.
	if err := e.store.SetMode(ctx, "headset"); err != nil {
		t.Fatalf("SetMode headset: %v", err)
	}
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(volume.FromDB(-20))) {
		t.Errorf("headset volume = %v", got.Volume)
	}
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode ihf: %v", err)
	}
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(h)) {
		t.Errorf("ihf volume after switching back = %v", got.Volume)
	}
}

func TestRouteVolumeResetBelowMinimum(t *testing.T) {
	e := newEnv(t,
		withTable("route", phone+" -20 -40\n"),
		withRouteRecord(phone, "ihf", volume.CVolume{volume.FromDB(-60)}),
		withRouteRecord(phone, "speaker", volume.CVolume{volume.FromDB(-30)}),
	)
	ctx := context.Background()
	if _, err := e.store.AddEntry(ctx, phone, "", volume.MonoMap(), volume.CVolume{volume.Norm}, false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	tests := []struct {
		route string
		want  volume.Volume
	}{
		{"ihf", volume.FromDB(-20)},
		{"speaker", volume.FromDB(-30)},
	}
	for _, tc := range tests {
		if err := e.store.SetMode(ctx, tc.route); err != nil {
			t.Fatalf("SetMode(%s): %v", tc.route, err)
		}
		r, _ := e.store.RouteVolume(phone)
		if !r.Volume.Equal(volume.CVolume{tc.want}) {
			t.Errorf("%s: route volume = %v, want %v", tc.route, r.Volume, tc.want)
		}
	}
}

func TestSinkVolumeMode(t *testing.T) {
	e := newEnv(t,
		withTable("route", phone+" -20\n"),
		withTable("sink", "ihf:sink.hw\n"),
	)
	ctx := context.Background()
	e.host.addDevice(restore.Device{Name: "sink.hw", ChannelMap: volume.StereoMap()})
	e.host.addStream(phoneStream(7, "sink.hw"))
	d := volume.FromDB(-20)
	h := volume.FromDB(-10)

	if _, err := e.store.AddEntry(ctx, phone, "", volume.StereoMap(), stereo(volume.Norm), false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := e.store.SinkMode(); got != "sink.hw" {
		t.Fatalf("SinkMode = %q", got)
	}
	if got := e.host.deviceVolumes["sink.hw"]; !got.Equal(stereo(d)) {
		t.Errorf("sink volume = %v", got)
	}
	if got := e.host.streamVolume(7); !got.Equal(stereo(volume.Norm)) {
		t.Errorf("route stream volume = %v, want norm", got)
	}
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(d)) {
		t.Errorf("entry volume = %v", got.Volume)
	}

	changed := phoneStream(7, "sink.hw")
	changed.Volume = stereo(1)
	e.store.StreamChanged(ctx, changed)
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(d)) {
		t.Errorf("stream change stored in sink-volume mode: %v", got.Volume)
	}

	e.store.SinkVolumeChanged(ctx, "sink.other", stereo(1))
	e.store.SinkVolumeChanged(ctx, "sink.hw", stereo(h))
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(stereo(h)) {
		t.Errorf("entry volume after sink change = %v", got.Volume)
	}
	if r, _ := e.store.RouteVolume(phone); !r.Volume.Equal(stereo(h)) {
		t.Errorf("route volume = %v", r.Volume)
	}
	if got := e.host.deviceVolumes["sink.hw"]; !got.Equal(stereo(h)) {
		t.Errorf("sink volume = %v", got)
	}

	fresh := phoneStream(8, "sink.hw")
	e.store.StreamCreated(ctx, fresh)
	if got := e.host.streamVolume(8); !got.Equal(stereo(volume.Norm)) {
		t.Errorf("new route stream volume = %v, want norm", got)
	}
}

func TestMasterRouteVolume(t *testing.T) {
	const ring = "sink-input-by-media-role:ring"
	e := newEnv(t, withTable("route", phone+" -20\n"+ring+" -20 -40 "+phone+"\n"))
	ctx := context.Background()
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	for _, name := range []string{phone, ring} {
		if _, err := e.store.AddEntry(ctx, name, "", nil, nil, false, false); err != nil {
			t.Fatalf("AddEntry(%s): %v", name, err)
		}
	}

	v := volume.CVolume{volume.FromDB(-5)}
	if err := e.store.SetVolume(ctx, ring, volume.MonoMap(), v); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if r, _ := e.store.RouteVolume(phone); !r.Volume.Equal(v) {
		t.Errorf("master volume = %v, want %v", r.Volume, v)
	}
	if got := mustEntry(t, e.store, phone); !got.Volume.Equal(v) {
		t.Errorf("master entry volume = %v", got.Volume)
	}
}

func TestRemoveDropsRouteVolume(t *testing.T) {
	tests := []struct {
		name   string
		remove func(*restore.Store) error
	}{
		{"remove", func(s *restore.Store) error { return s.Remove(phone) }},
		{"delete", func(s *restore.Store) error { return s.Delete([]string{phone}) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t,
				withTable("route", phone+" -20\n"),
				withRouteRecord(phone, "speaker", volume.CVolume{volume.FromDB(-30)}),
			)
			ctx := context.Background()
			if _, err := e.store.AddEntry(ctx, phone, "", volume.MonoMap(), volume.CVolume{volume.Norm}, false, false); err != nil {
				t.Fatalf("AddEntry: %v", err)
			}
			if err := e.store.SetMode(ctx, "ihf"); err != nil {
				t.Fatalf("SetMode: %v", err)
			}
			if err := e.store.SetVolume(ctx, phone, volume.MonoMap(), volume.CVolume{volume.FromDB(-5)}); err != nil {
				t.Fatalf("SetVolume: %v", err)
			}
			if _, ok := e.routes.Get(restore.RouteKey(phone, "ihf")); !ok {
				t.Fatal("no route record before removal")
			}

			if err := tc.remove(e.store); err != nil {
				t.Fatalf("remove: %v", err)
			}
			for _, route := range []string{"ihf", "speaker"} {
				if _, ok := e.routes.Get(restore.RouteKey(phone, route)); ok {
					t.Errorf("route record for %s survived removal", route)
				}
			}
			r, ok := e.store.RouteVolume(phone)
			if !ok || !r.Volume.Equal(volume.CVolume{volume.FromDB(-20)}) {
				t.Errorf("route volume = %+v, want the default", r)
			}

			// A later entry of the same name starts from the default.
			if _, err := e.store.AddEntry(ctx, phone, "", volume.MonoMap(), volume.CVolume{volume.Norm}, false, false); err != nil {
				t.Fatalf("AddEntry again: %v", err)
			}
			if err := e.store.SetMode(ctx, "speaker"); err != nil {
				t.Fatalf("SetMode speaker: %v", err)
			}
			if r, _ := e.store.RouteVolume(phone); !r.Volume.Equal(volume.CVolume{volume.FromDB(-20)}) {
				t.Errorf("speaker route volume = %v, want the default", r.Volume)
			}
		})
	}
}

func TestFailedWriteLeavesStateAlone(t *testing.T) {
	e := newEnv(t, withTable("route", phone+" -20\n"))
	ctx := context.Background()
	d := volume.CVolume{volume.FromDB(-20)}
	if _, err := e.store.AddEntry(ctx, phone, "", volume.MonoMap(), volume.CVolume{volume.Norm}, false, false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := e.store.SetMode(ctx, "ihf"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	e.events.reset()
	if err := e.entries.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v := volume.CVolume{volume.FromDB(-5)}
	if _, err := e.store.AddEntry(ctx, phone, "sink.headset", volume.MonoMap(), v, true, false); !models.HasCode(err, models.CodePersistenceFailure) {
		t.Errorf("AddEntry(existing) = %v", err)
	}
	if err := e.store.SetVolume(ctx, phone, volume.MonoMap(), v); !models.HasCode(err, models.CodePersistenceFailure) {
		t.Errorf("SetVolume = %v", err)
	}
	if r, _ := e.store.RouteVolume(phone); !r.Volume.Equal(d) {
		t.Errorf("route volume = %v, want %v", r.Volume, d)
	}

	if _, err := e.store.AddEntry(ctx, music, "", nil, nil, false, false); !models.HasCode(err, models.CodePersistenceFailure) {
		t.Errorf("AddEntry(new) = %v", err)
	}
	if _, err := e.store.Mirror(music); !models.HasCode(err, models.CodeNotFound) {
		t.Errorf("Mirror(%s) = %v, want not found", music, err)
	}
	if got := e.events.kinds(); len(got) != 0 {
		t.Errorf("failed writes emitted %v", got)
	}
}
