package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/ebook"
	"github.com/yourusername/epub-forge/internal/jobs"
	applog "github.com/yourusername/epub-forge/internal/log"
	"github.com/yourusername/epub-forge/internal/storage"
)

type stubMeta struct{}

func (stubMeta) Extract(context.Context, string) (ebook.Metadata, error) {
	return ebook.Metadata{Author: "jane_doe", Title: "a_book"}, nil
}

type stubCalibre struct {
	version string
	err     error
}

func (s stubCalibre) Version(context.Context) (string, error) {
	return s.version, s.err
}

type captureDispatcher struct {
	mu    sync.Mutex
	calls []jobs.TaskPayload
}

func (d *captureDispatcher) Dispatch(_ context.Context, jobID string, cmd jobs.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, jobs.TaskPayload{JobID: jobID, Command: cmd})
	return nil
}

type testServer struct {
	router     *gin.Engine
	manager    *jobs.Manager
	files      *storage.Local
	dispatcher *captureDispatcher
	cfg        *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	backend, err := jobs.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	files, err := storage.NewLocal(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	store := jobs.NewStore(backend, jobs.NewRegistry(), jobs.NewArtifactIndex(), applog.Discard())
	manager, err := jobs.NewManager(store, files, stubMeta{}, jobs.Options{MaxFileSize: 1 << 20}, applog.Discard())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	dispatcher := &captureDispatcher{}
	manager.UseDispatcher(dispatcher)

	cfg := &config.Config{
		TempDir:            dir,
		MaxFileSize:        1 << 20,
		JobTimeout:         time.Minute,
		CORSAllowedOrigins: "*",
		StateBackend:       config.StateBackendFile,
	}
	streamer := jobs.NewStreamer(manager, time.Millisecond, 3, applog.Discard())
	srv := NewServer(cfg, manager, streamer, ebook.DefaultPresets(), stubCalibre{version: "calibre 7.1"}, "test", applog.Discard())

	sessionStore, err := NewSessionStore("test-secret", false)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return &testServer{
		router:     NewRouter(srv, sessionStore),
		manager:    manager,
		files:      files,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

func epubBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write([]byte("application/epub+zip")); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := writer.CreateFormFile("epub_file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.Copy(fw, bytes.NewReader(data)); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v body=%s", err, rec.Body.String())
	}
	return out
}

// completeJob は変換が済んだ状態のジョブを作ります。
func (ts *testServer) completeJob(t *testing.T, id string) string {
	t.Helper()
	in, out := ts.files.Paths(id)
	if err := os.WriteFile(in, []byte("epub"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := os.WriteFile(out, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	reg := ts.manager.Registry()
	if err := reg.Create(jobs.Record{ID: id, InputPath: in, OutputPath: out, Author: "jane_doe", Title: "a_book"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	running, completed := jobs.StatusRunning, jobs.StatusCompleted
	if err := reg.Update(id, jobs.Patch{Status: &running, AppendLogs: []string{"Done 100%"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.Update(id, jobs.Patch{Status: &completed}); err != nil {
		t.Fatalf("update: %v", err)
	}
	return out
}

func TestConvertAccepted(t *testing.T) {
	ts := newTestServer(t)
	req := multipartRequest(t, "/api/v1/convert", "book.epub", epubBytes(t), map[string]string{
		"device_profile":  "custom",
		"base_font_size":  "15",
		"embed_all_fonts": "false",
	})
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("job_id missing: %v", body)
	}
	if body["status"] != "processing" {
		t.Fatalf("unexpected status field: %v", body["status"])
	}
	if got := body["status_url"]; got != "http://example.com/api/v1/jobs/"+jobID+"/status" {
		t.Fatalf("unexpected status_url: %v", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}

	if len(ts.dispatcher.calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(ts.dispatcher.calls))
	}
	args := strings.Join(ts.dispatcher.calls[0].Command.Args, " ")
	if !strings.Contains(args, "--base-font-size=15") {
		t.Fatalf("custom value not applied: %s", args)
	}
	if strings.Contains(args, "--embed-all-fonts") {
		t.Fatalf("disabled flag passed: %s", args)
	}
}

func TestConvertWebFormUsesCheckboxPresence(t *testing.T) {
	ts := newTestServer(t)
	req := multipartRequest(t, "/", "book.epub", epubBytes(t), map[string]string{
		"subset_embedded_fonts": "on",
	})
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if !strings.HasSuffix(body["progress_url"].(string), "/progress/"+body["job_id"].(string)) {
		t.Fatalf("unexpected progress_url: %v", body["progress_url"])
	}
	args := strings.Join(ts.dispatcher.calls[0].Command.Args, " ")
	if !strings.Contains(args, "--subset-embedded-fonts") || strings.Contains(args, "--embed-all-fonts") {
		t.Fatalf("unexpected flags: %s", args)
	}
}

func TestConvertValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		status   int
		code     string
	}{
		{name: "no file", status: http.StatusBadRequest, code: ebook.CodeInvalidInput},
		{name: "wrong extension", filename: "book.pdf", data: []byte("x"), status: http.StatusBadRequest, code: ebook.CodeInvalidExtension},
		{name: "not a zip", filename: "book.epub", data: []byte("plain text"), status: http.StatusBadRequest, code: ebook.CodeInvalidFile},
		{name: "too large", filename: "book.epub", data: bytes.Repeat([]byte("x"), 3<<20), status: http.StatusRequestEntityTooLarge, code: ebook.CodeLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, multipartRequest(t, "/api/v1/convert", tt.filename, tt.data, nil))

			if rec.Code != tt.status {
				t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
			}
			if got := decodeJSON(t, rec)["code"]; got != tt.code {
				t.Fatalf("code = %v, want %s", got, tt.code)
			}
			if ts.manager.Registry().Len() != 0 {
				t.Fatal("no job should be registered")
			}
		})
	}
}

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err    error
		status int
	}{
		{err: &jobs.ValidationError{Code: ebook.CodeEmptyFile, Message: "空"}, status: http.StatusBadRequest},
		{err: &jobs.ValidationError{Code: ebook.CodeLimitExceeded, Message: "大"}, status: http.StatusRequestEntityTooLarge},
		{err: jobs.ErrJobNotFound, status: http.StatusNotFound},
		{err: context.Canceled, status: http.StatusRequestTimeout},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(rec)
		respondWithError(ctx, tt.err)
		if rec.Code != tt.status {
			t.Fatalf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.completeJob(t, "0123456789abcdef")

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/0123456789abcdef/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["status"] != "completed" || body["progress"] != float64(100) {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["filename"] != "jane_doe-a_book.pdf" {
		t.Fatalf("unexpected filename: %v", body["filename"])
	}
	if !strings.HasSuffix(body["download_url"].(string), "/api/v1/jobs/0123456789abcdef/download") {
		t.Fatalf("unexpected download_url: %v", body["download_url"])
	}
	if logs, ok := body["logs"].([]any); !ok || len(logs) != 1 {
		t.Fatalf("unexpected logs: %v", body["logs"])
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if decodeJSON(t, rec)["status"] != "not_found" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestDownloadEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.completeJob(t, "0123456789abcdef")

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/0123456789abcdef/download", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "jane_doe-a_book.pdf") {
		t.Fatalf("unexpected Content-Disposition: %s", cd)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=86400" {
		t.Fatalf("unexpected Cache-Control: %s", cc)
	}
	if rec.Body.String() != "%PDF-1.4 fake" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected ETag header")
	}

	req := httptest.NewRequest(http.MethodGet, "/download/0123456789abcdef", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/missing", nil))
	if rec.Code != http.StatusNotFound || rec.Body.String() != "File not found or job expired" {
		t.Fatalf("unexpected legacy not-found response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing/download", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestEtagMatches(t *testing.T) {
	const etag = `"abc"`
	for header, want := range map[string]bool{
		"":            false,
		`"abc"`:       true,
		`W/"abc"`:     true,
		"abc":         true,
		`"x", "abc"`:  true,
		"*":           true,
		`"different"`: false,
	} {
		if got := etagMatches(header, etag); got != want {
			t.Fatalf("etagMatches(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestProgressSSE(t *testing.T) {
	ts := newTestServer(t)
	ts.completeJob(t, "job-1")

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress/job-1", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Fatalf("unexpected Cache-Control: %s", cc)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data:") || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("unexpected stream: %q", body)
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing/stream", nil))
	if !strings.Contains(rec.Body.String(), `"code":"JOB_NOT_FOUND"`) {
		t.Fatalf("unexpected stream: %q", rec.Body.String())
	}
}

func TestProgressWebSocket(t *testing.T) {
	ts := newTestServer(t)
	ts.completeJob(t, "job-1")
	server := httptest.NewServer(ts.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/jobs/job-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var ev jobs.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Status != jobs.StatusCompleted {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestRecentJobsFollowSession(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, multipartRequest(t, "/api/v1/convert", "book.epub", epubBytes(t), nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	jobID := decodeJSON(t, rec)["job_id"].(string)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a session cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	var body struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body.Jobs) != 1 || body.Jobs[0]["job_id"] != jobID {
		t.Fatalf("unexpected jobs: %v", body.Jobs)
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if !strings.Contains(rec.Body.String(), `"jobs":[]`) {
		t.Fatalf("other browsers must not see the job: %s", rec.Body.String())
	}
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	body := decodeJSON(t, rec)
	calibre := body["calibre"].(map[string]any)
	if body["status"] != "operational" || calibre["status"] != "available" || calibre["version"] != "calibre 7.1" {
		t.Fatalf("unexpected health: %v", body)
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/device_profiles", nil))
	profiles := decodeJSON(t, rec)
	boox, ok := profiles[ebook.ProfileBooxAir4C].(map[string]any)
	if !ok || boox["custom_size"] != "1860x2480" {
		t.Fatalf("unexpected profiles: %v", profiles)
	}

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system-info", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("system-info must be hidden outside debug mode, got %d", rec.Code)
	}

	ts.cfg.DebugMode = true
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system-info", nil))
	info := decodeJSON(t, rec)
	if info["temp_directory_writable"] != true || info["calibre_version"] != "calibre 7.1" {
		t.Fatalf("unexpected system info: %v", info)
	}
}

func TestAPIHealthWithoutCalibre(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &Server{calibre: stubCalibre{version: "Unknown", err: errors.New("missing")}}
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)

	srv.handleAPIHealth(ctx)
	calibre := decodeJSON(t, rec)["calibre"].(map[string]any)
	if calibre["status"] != "unavailable" || calibre["version"] != "Not available" {
		t.Fatalf("unexpected calibre block: %v", calibre)
	}
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"http://app.example"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example/ws", nil)

	if !check(req) {
		t.Fatal("requests without Origin should pass")
	}
	req.Header.Set("Origin", "http://app.example")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "http://api.example")
	if !check(req) {
		t.Fatal("same origin rejected")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Fatal("foreign origin accepted")
	}
}
