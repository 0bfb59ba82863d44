package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/api"
	"github.com/micro-nova/streamrestore-go/internal/auth"
	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/events"
	"github.com/micro-nova/streamrestore-go/internal/metrics"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/shared"
)

type fakeMainVolume struct {
	mu     sync.Mutex
	status models.MainVolumeStatus
	routes []string
}

func (m *fakeMainVolume) Status() models.MainVolumeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *fakeMainVolume) SetCurrentStep(step uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step >= m.status.StepCount {
		return models.ErrValidation("current_step", "step out of range")
	}
	m.status.CurrentStep = step
	return nil
}

func (m *fakeMainVolume) SetRoute(route string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route)
	m.status.Route = route
}

type fakeBackups struct {
	files []string
}

func (b *fakeBackups) RunBackupNow(context.Context) (string, error) {
	file := "/tmp/backups/streamrestore-20260101-000000.json.gz"
	b.files = append(b.files, file)
	return file, nil
}

func (b *fakeBackups) ListBackups() ([]string, error) { return b.files, nil }

type testServer struct {
	*httptest.Server
	store *restore.Store
	props *shared.Handle
	mv    *fakeMainVolume
}

type serverOptions struct {
	stateDir  string
	rateLimit float64
	burst     int
	noMV      bool
}

// newTestServer spins up a full router over a memory-backed entry store.
func newTestServer(t *testing.T, so serverOptions) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()

	store, err := restore.New(restore.Options{
		Entries: database.OpenMemory("entries", database.NewMemory()),
		Routes:  database.OpenMemory("routes", database.NewMemory()),
		Logger:  logger,
		Flags:   restore.DefaultFlags(),
	})
	if err != nil {
		t.Fatalf("restore.New: %v", err)
	}
	bus := events.NewBus()
	store.Listen(bus.Publish)

	props := shared.NewRegistry(logger, nil).Acquire()

	if so.stateDir == "" {
		so.stateDir = t.TempDir()
	}
	authSvc, err := auth.NewService(so.stateDir, logger)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	if so.rateLimit == 0 {
		so.rateLimit, so.burst = 1000, 1000
	}

	ts := &testServer{store: store, props: props}
	opts := api.Options{
		Entries:    store,
		Properties: props,
		Events:     bus,
		Backups:    &fakeBackups{},
		Info: func() models.Info {
			return models.Info{Version: "test", Entries: store.Len(), DBDriver: "memory"}
		},
		Auth:      authSvc,
		Metrics:   metrics.New(),
		Logger:    logger,
		RateLimit: so.rateLimit,
		Burst:     so.burst,
	}
	if !so.noMV {
		ts.mv = &fakeMainVolume{status: models.MainVolumeStatus{StepCount: 20, CurrentStep: 5}}
		opts.MainVolume = ts.mv
	}

	ts.Server = httptest.NewServer(api.NewRouter(opts))
	t.Cleanup(func() {
		ts.Close()
		authSvc.Close()
		store.Close()
		props.Release()
	})
	return ts
}

// do is a convenience helper for making requests to the test server.
func do(t *testing.T, srv *testServer, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	return resp
}

// decodeJSON reads and decodes a JSON response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

// requireStatus fails the test if the response status doesn't match.
func requireStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, body)
	}
}

// requireError checks the status and the error code of a failed request.
func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	requireStatus(t, resp, status)
	var appErr models.AppError
	decodeJSON(t, resp, &appErr)
	if appErr.Code != code {
		t.Errorf("error code = %q, want %q", appErr.Code, code)
	}
}

const musicEntry = `{"name":"sink-input-by-media-role:music","channel_map":["front-left","front-right"],"volume":[65536,32768],"device":"speaker","muted":false}`

func writeMusic(t *testing.T, srv *testServer) {
	t.Helper()
	resp := do(t, srv, "POST", "/api/entries", `{"mode":"replace","entries":[`+musicEntry+`]}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- Entries ---

func TestWriteAndReadEntries(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)

	resp := do(t, srv, "GET", "/api/entries", "")
	requireStatus(t, resp, http.StatusOK)
	var body struct {
		Entries []models.EntryInfo `json:"entries"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Entries) != 1 {
		t.Fatalf("entries = %+v", body.Entries)
	}
	e := body.Entries[0]
	if e.Name != "sink-input-by-media-role:music" || e.Device != "speaker" || len(e.Volume) != 2 {
		t.Errorf("entry = %+v", e)
	}
}

func TestWriteEntries_QueryModeOverridesBody(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)

	// Merge keeps the existing record.
	changed := strings.Replace(musicEntry, `"speaker"`, `"headset"`, 1)
	resp := do(t, srv, "POST", "/api/entries?mode=merge", `{"mode":"replace","entries":[`+changed+`]}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	mi, err := srv.store.Mirror("sink-input-by-media-role:music")
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if mi.Device != "speaker" {
		t.Errorf("device = %q after merge, want speaker", mi.Device)
	}
}

func TestWriteEntries_InvalidBatchIsAtomic(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	bad := `{"name":"bad","channel_map":["front-left"],"volume":[1,2]}`
	resp := do(t, srv, "POST", "/api/entries", `{"entries":[`+musicEntry+`,`+bad+`]}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)

	if srv.store.Len() != 0 {
		t.Errorf("store has %d entries after a rejected batch", srv.store.Len())
	}
}

func TestWriteEntries_BadParameters(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	tests := []struct {
		path, body string
		status     int
	}{
		{"/api/entries?mode=sideways", `{"entries":[]}`, http.StatusUnprocessableEntity},
		{"/api/entries?apply=maybe", `{"entries":[]}`, http.StatusBadRequest},
		{"/api/entries", `{not json`, http.StatusBadRequest},
		{"/api/entries", `{"entries":[],"unknown":1}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		resp := do(t, srv, "POST", tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Errorf("POST %s %s: status = %d, want %d", tc.path, tc.body, resp.StatusCode, tc.status)
		}
		resp.Body.Close()
	}
}

func TestDeleteEntries(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)

	resp := do(t, srv, "DELETE", "/api/entries", `{"names":["sink-input-by-media-role:music","unknown"]}`)
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	if srv.store.Len() != 0 {
		t.Errorf("Len() = %d after delete", srv.store.Len())
	}
}

func TestEntryByName(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)

	path := "/api/entries/" + url.PathEscape("sink-input-by-media-role:music")
	resp := do(t, srv, "GET", path, "")
	requireStatus(t, resp, http.StatusOK)
	var mi models.MirrorInfo
	decodeJSON(t, resp, &mi)
	if mi.Path != "/org/pulseaudio/stream_restore1/entry0" || mi.Device != "speaker" {
		t.Errorf("mirror = %+v", mi)
	}

	resp = do(t, srv, "GET", "/api/entries/missing", "")
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)
}

func TestAddEntry(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	path := "/api/entries/" + url.PathEscape("source-output-by-application-name:rec")
	resp := do(t, srv, "POST", path, `{"device":"mic","volume":[{"position":"mono","volume":65536}],"mute":true}`)
	requireStatus(t, resp, http.StatusCreated)
	var mi models.MirrorInfo
	decodeJSON(t, resp, &mi)
	if mi.Name != "source-output-by-application-name:rec" || !mi.Muted || len(mi.Volume) != 1 {
		t.Errorf("mirror = %+v", mi)
	}

	resp = do(t, srv, "POST", path, `{"volume":[{"position":"mono","volume":1},{"position":"mono","volume":2}]}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)
}

func TestPatchEntry(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)
	path := "/api/entries/" + url.PathEscape("sink-input-by-media-role:music")

	resp := do(t, srv, "PATCH", path, `{"device":"headset","mute":true}`)
	requireStatus(t, resp, http.StatusOK)
	var mi models.MirrorInfo
	decodeJSON(t, resp, &mi)
	if mi.Device != "headset" || !mi.Muted {
		t.Errorf("mirror = %+v", mi)
	}
	if len(mi.Volume) != 2 {
		t.Errorf("volume changed by a device/mute patch: %+v", mi.Volume)
	}

	resp = do(t, srv, "PATCH", path, `{"device":"bad device!"}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)

	// A rejected field leaves the earlier ones unapplied.
	resp = do(t, srv, "PATCH", path, `{"device":"speaker","volume":[{"position":"mono","volume":1},{"position":"mono","volume":2}]}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)
	resp = do(t, srv, "GET", path, "")
	requireStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &mi)
	if mi.Device != "headset" {
		t.Errorf("device after rejected patch = %q, want headset", mi.Device)
	}

	resp = do(t, srv, "PATCH", "/api/entries/missing", `{"mute":true}`)
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)
}

func TestRemoveEntry(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)
	path := "/api/entries/" + url.PathEscape("sink-input-by-media-role:music")

	resp := do(t, srv, "DELETE", path, "")
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = do(t, srv, "DELETE", path, "")
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)
}

// --- Properties ---

func TestProperties(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "PUT", "/api/properties/x-nemo.voicecall.status", `{"type":"string","value":"active"}`)
	requireStatus(t, resp, http.StatusOK)
	var p models.Property
	decodeJSON(t, resp, &p)
	if p.Type != models.PropertyString || string(p.Value) != `"active"` {
		t.Errorf("property = %+v", p)
	}

	resp = do(t, srv, "PUT", "/api/properties/x-sailfishos.volume.sync", `{"type":"integer","value":0}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = do(t, srv, "PUT", "/api/properties/x-sailfishos.volume.sync", `{"type":"integer","delta":2}`)
	requireStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &p)
	if string(p.Value) != "2" {
		t.Errorf("incremented value = %s, want 2", p.Value)
	}

	resp = do(t, srv, "PUT", "/api/properties/blob", `{"type":"blob","value":"AAEC"}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got, err := srv.props.GetBlob("blob"); err != nil || len(got) != 3 || got[2] != 2 {
		t.Errorf("GetBlob() = %v, %v", got, err)
	}

	resp = do(t, srv, "GET", "/api/properties", "")
	requireStatus(t, resp, http.StatusOK)
	var list struct {
		Properties []models.Property `json:"properties"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Properties) != 3 || list.Properties[0].Key != "blob" {
		t.Errorf("properties = %+v", list.Properties)
	}
}

func TestProperties_Errors(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "PUT", "/api/properties/flag", `{"type":"bool","value":true}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, srv, "PUT", "/api/properties/flag", `{"type":"string","value":"x"}`)
	requireError(t, resp, http.StatusConflict, models.CodeTypeConflict)

	resp = do(t, srv, "PUT", "/api/properties/flag", `{"type":"bool","value":"yes"}`)
	requireError(t, resp, http.StatusBadRequest, models.CodeInvalidEncoding)

	resp = do(t, srv, "PUT", "/api/properties/other", `{"type":"float","value":1.5}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)

	resp = do(t, srv, "GET", "/api/properties/missing", "")
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)
}

// --- Mode and main volume ---

func TestSetMode(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "POST", "/api/mode", `{"mode":"ihf","parameters":{"x-nemo.mainvolume.media":"0:-6000,1:0"}}`)
	requireStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["mode"] != "ihf" || srv.store.Mode() != "ihf" {
		t.Errorf("mode = %v, store mode = %q", body, srv.store.Mode())
	}
	if len(srv.mv.routes) != 1 || srv.mv.routes[0] != "ihf" {
		t.Errorf("main volume routes = %v", srv.mv.routes)
	}

	resp = do(t, srv, "POST", "/api/mode", `{"mode":""}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)
}

func TestMainVolume(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "GET", "/api/mainvolume", "")
	requireStatus(t, resp, http.StatusOK)
	var st models.MainVolumeStatus
	decodeJSON(t, resp, &st)
	if st.StepCount != 20 || st.CurrentStep != 5 {
		t.Errorf("status = %+v", st)
	}

	resp = do(t, srv, "PUT", "/api/mainvolume", `{"current_step":7}`)
	requireStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &st)
	if st.CurrentStep != 7 {
		t.Errorf("CurrentStep = %d, want 7", st.CurrentStep)
	}

	resp = do(t, srv, "PUT", "/api/mainvolume", `{"current_step":20}`)
	requireError(t, resp, http.StatusUnprocessableEntity, models.CodeValidationFailure)
}

func TestMainVolume_Disabled(t *testing.T) {
	srv := newTestServer(t, serverOptions{noMV: true})

	resp := do(t, srv, "GET", "/api/mainvolume", "")
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)

	resp = do(t, srv, "POST", "/api/mode", `{"mode":"ihf"}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- System ---

func TestGetInfo(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	writeMusic(t, srv)

	resp := do(t, srv, "GET", "/api/info", "")
	requireStatus(t, resp, http.StatusOK)
	var info models.Info
	decodeJSON(t, resp, &info)
	if info.Version != "test" || info.Entries != 1 || info.DBDriver != "memory" {
		t.Errorf("info = %+v", info)
	}
}

func TestBackups(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "POST", "/api/backups", "")
	requireStatus(t, resp, http.StatusOK)
	var created map[string]string
	decodeJSON(t, resp, &created)
	if !strings.HasSuffix(created["file"], ".json.gz") {
		t.Errorf("file = %q", created["file"])
	}

	resp = do(t, srv, "GET", "/api/backups", "")
	requireStatus(t, resp, http.StatusOK)
	var list map[string][]string
	decodeJSON(t, resp, &list)
	if len(list["backups"]) != 1 {
		t.Errorf("backups = %v", list)
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	resp := do(t, srv, "GET", "/api/entries", "")
	resp.Body.Close()

	// The counter is bumped after the response is written.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = do(t, srv, "GET", "/metrics", "")
		requireStatus(t, resp, http.StatusOK)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(body), "streamrestore_api_requests_total") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("metrics output lacks the API request counter")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotFound_JSON(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "GET", "/api/nonexistent", "")
	requireError(t, resp, http.StatusNotFound, models.CodeNotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "PUT", "/api/entries", `{}`)
	requireStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}

func TestCORSOptions(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "OPTIONS", "/api/entries", "")
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, serverOptions{rateLimit: 0.001, burst: 1})

	resp := do(t, srv, "POST", "/api/mode", `{"mode":"ihf"}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, srv, "POST", "/api/mode", `{"mode":"headset"}`)
	requireError(t, resp, http.StatusTooManyRequests, models.CodeRateLimited)

	// Reads are not limited.
	resp = do(t, srv, "GET", "/api/entries", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	dir := t.TempDir()
	keys := `{"panel":{"key":"secret"}}`
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), []byte(keys), 0o600); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, serverOptions{stateDir: dir})

	resp := do(t, srv, "GET", "/api/entries", "")
	requireError(t, resp, http.StatusUnauthorized, models.CodeUnauthorized)

	resp = do(t, srv, "GET", "/api/entries?api-key=secret", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Metrics stay reachable for scrapers.
	resp = do(t, srv, "GET", "/metrics", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- SSE ---

// sseLines reads the event stream line by line in the background.
func sseLines(t *testing.T, srv *testServer, path string) (<-chan string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("NewRequest: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	t.Cleanup(cancel)
	return lines, cancel
}

// waitEvent returns the data of the next event named kind.
func waitEvent(t *testing.T, lines <-chan string, kind string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	current := ""
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", kind)
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				current = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && current == kind:
				return strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", kind)
		}
	}
}

func TestSSESubscribe(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	lines, cancel := sseLines(t, srv, "/api/subscribe?ping=true")
	defer cancel()

	var info models.Info
	if err := json.Unmarshal([]byte(waitEvent(t, lines, "info")), &info); err != nil {
		t.Fatalf("info data: %v", err)
	}
	if info.Version != "test" {
		t.Errorf("info = %+v", info)
	}

	writeMusic(t, srv)

	var ev models.Event
	if err := json.Unmarshal([]byte(waitEvent(t, lines, "new_entry")), &ev); err != nil {
		t.Fatalf("new_entry data: %v", err)
	}
	if ev.Name != "sink-input-by-media-role:music" {
		t.Errorf("event = %+v", ev)
	}
	waitEvent(t, lines, "ping")
}

func TestSSESubscribe_BadPing(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp := do(t, srv, "GET", "/api/subscribe?ping=often", "")
	requireError(t, resp, http.StatusBadRequest, models.CodeBadRequest)
}
