package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/detection-api/config"
	"github.com/Tutortoise/detection-api/detections"
	"github.com/Tutortoise/detection-api/logging"
	"github.com/Tutortoise/detection-api/models"
	"github.com/sirupsen/logrus"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

// fakeDetector returns canned detections and counts how often it ran.
type fakeDetector struct {
	calls      int32
	detections []models.Detection
	err        error
}

func (f *fakeDetector) Detect(_ context.Context, img *image.NRGBA, timings *models.ProcessingTimings) ([]models.Detection, error) {
	atomic.AddInt32(&f.calls, 1)
	if img == nil || timings == nil {
		return nil, errors.New("detector called without an image")
	}
	return f.detections, f.err
}

func testLogger() *logrus.Logger {
	return logging.Discard()
}

func setupTestState(t *testing.T, detector Detector) *AppState {
	t.Helper()
	return &AppState{
		Config: &config.Config{
			MaxUploadBytes: detections.MaxUploadBytes,
			ServiceName:    "object-detection-api",
			ServiceVersion: "1.0.0",
		},
		Detector: detector,
		Log:      testLogger(),
		Clock:    func() time.Time { return fixedNow },
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.SetNRGBA(3, 3, color.NRGBA{R: 255, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartBody builds a form with one file part under field, declared as contentType.
func multipartBody(t *testing.T, field, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="upload.bin"`, field))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("Failed to create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("Failed to write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	return &body, w.FormDataContentType()
}

func doPredict(t *testing.T, handler http.Handler, field, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := multipartBody(t, field, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", formType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Detail
}

func TestHandleRoot(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp InfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	want := InfoResponse{
		Status:    "running",
		Service:   "object-detection-api",
		Version:   "1.0.0",
		Timestamp: "2024-05-01T12:30:00Z",
	}
	if resp != want {
		t.Errorf("Response = %+v, expected %+v", resp, want)
	}
}

func TestHandleHealth(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"healthy","model":"loaded"}` {
		t.Errorf("Body = %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandlePredict_Success(t *testing.T) {
	detector := &fakeDetector{detections: []models.Detection{
		{ClassID: 15, Label: "cat", Confidence: 0.87654, BBox: [4]float32{1, 2, 3, 4}},
		{ClassID: 16, Label: "dog", Confidence: 0.5},
	}}
	state := setupTestState(t, detector)

	rec := doPredict(t, state.routes(), "file", "image/png", testPNG(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	want := `{"predictions":[{"class":"cat","confidence":0.877},{"class":"dog","confidence":0.5}]}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("Body = %s, expected %s", got, want)
	}
	if detector.calls != 1 {
		t.Errorf("Expected 1 detector call, got %d", detector.calls)
	}
}

func TestHandlePredict_NoDetections(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})

	rec := doPredict(t, state.routes(), "file", "image/png", testPNG(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"predictions":[]}` {
		t.Errorf("Body = %s, expected an empty list", got)
	}
}

func TestHandlePredict_RejectsNonImage(t *testing.T) {
	tests := []string{"text/plain", "application/octet-stream", "application/pdf", ""}

	for _, contentType := range tests {
		detector := &fakeDetector{}
		state := setupTestState(t, detector)

		rec := doPredict(t, state.routes(), "file", contentType, testPNG(t))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected status 400, got %d", contentType, rec.Code)
			continue
		}
		if detail := decodeDetail(t, rec); detail != detections.MsgInvalidFileType {
			t.Errorf("%q: detail = %q", contentType, detail)
		}
		if detector.calls != 0 {
			t.Errorf("%q: detector should not run, ran %d times", contentType, detector.calls)
		}
	}
}

func TestHandlePredict_TooLarge(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)

	data := make([]byte, detections.MaxUploadBytes+1)
	rec := doPredict(t, state.routes(), "file", "image/png", data)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != detections.MsgFileTooLarge {
		t.Errorf("Detail = %q", detail)
	}
	if detector.calls != 0 {
		t.Errorf("Detector should not run, ran %d times", detector.calls)
	}
}

func TestHandlePredict_TooLargeNamesConfiguredLimit(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)
	state.Config.MaxUploadBytes = 2 << 20

	rec := doPredict(t, state.routes(), "file", "image/png", make([]byte, (2<<20)+1))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != "File too large. Maximum size is 2MB." {
		t.Errorf("Detail = %q", detail)
	}
}

func TestHandlePredict_LargeFieldBeforeFile(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)
	state.Config.MaxUploadBytes = 1024

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("notes", strings.Repeat("x", 2<<20)); err != nil {
		t.Fatalf("Failed to write field: %v", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="small.png"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("Failed to create part: %v", err)
	}
	part.Write([]byte("tiny"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != detections.MsgRequestTooLarge {
		t.Errorf("Detail = %q, expected %q", detail, detections.MsgRequestTooLarge)
	}
	if detector.calls != 0 {
		t.Errorf("Detector should not run, ran %d times", detector.calls)
	}
}

func TestHandlePredict_ExactlyAtLimit(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)

	// trailing bytes after IEND are ignored by the decoder
	img := testPNG(t)
	data := make([]byte, detections.MaxUploadBytes)
	copy(data, img)

	rec := doPredict(t, state.routes(), "file", "image/png", data)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 at the size limit, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePredict_MissingFile(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)

	rec := doPredict(t, state.routes(), "image", "image/png", testPNG(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != detections.MsgMissingFile {
		t.Errorf("Detail = %q", detail)
	}
}

func TestHandlePredict_NotMultipart(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); detail != detections.MsgInvalidForm {
		t.Errorf("Detail = %q", detail)
	}
}

func TestHandlePredict_UndecodableImage(t *testing.T) {
	detector := &fakeDetector{}
	state := setupTestState(t, detector)

	rec := doPredict(t, state.routes(), "file", "image/jpeg", []byte("definitely not a jpeg"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); !strings.HasPrefix(detail, "Error processing image: decode image") {
		t.Errorf("Detail = %q", detail)
	}
	if detector.calls != 0 {
		t.Errorf("Detector should not run, ran %d times", detector.calls)
	}
}

func TestHandlePredict_InferenceFailureKeepsServing(t *testing.T) {
	detector := &fakeDetector{err: &detections.ProcessingError{
		Kind:    detections.KindInference,
		Message: "model inference",
		Cause:   errors.New("session run failed"),
	}}
	state := setupTestState(t, detector)
	handler := state.routes()

	rec := doPredict(t, handler, "file", "image/png", testPNG(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	want := "Error processing image: model inference: session run failed"
	if detail := decodeDetail(t, rec); detail != want {
		t.Errorf("Detail = %q, expected %q", detail, want)
	}

	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Errorf("Health after a failed prediction = %d, expected 200", health.Code)
	}
}

func TestHandlePredict_Concurrent(t *testing.T) {
	detector := &fakeDetector{detections: []models.Detection{{Label: "person", Confidence: 0.9}}}
	state := setupTestState(t, detector)
	handler := state.routes()
	img := testPNG(t)

	const requests = 16
	reqs := make([]*http.Request, requests)
	for i := range reqs {
		body, formType := multipartBody(t, "file", "image/png", img)
		reqs[i] = httptest.NewRequest(http.MethodPost, "/predict", body)
		reqs[i].Header.Set("Content-Type", formType)
	}

	var wg sync.WaitGroup
	codes := make([]int, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, reqs[i])
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("Request %d returned %d", i, code)
		}
	}
	if got := atomic.LoadInt32(&detector.calls); got != requests {
		t.Errorf("Expected %d detector calls, got %d", requests, got)
	}
}

func TestPredict_WrongMethod(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestCORS_ReflectsOrigin(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})
	handler := state.routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	preflight.Header.Set("Origin", "http://localhost:3000")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight.Header.Set("Access-Control-Request-Headers", "X-Custom-Header")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)

	if rec.Code >= 300 {
		t.Errorf("Preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Preflight Allow-Origin = %q", got)
	}
}

func TestRequestID(t *testing.T) {
	state := setupTestState(t, &fakeDetector{})
	handler := state.routes()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("Request id = %q, expected the caller's id", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get(requestIDHeader); got == "" {
		t.Error("Expected a generated request id")
	}
}

func TestHandleMetrics(t *testing.T) {
	var calls int32
	pool, err := NewModelSessionPool(countingFactory(&calls), 2, time.Second)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Destroy()

	state := setupTestState(t, &fakeDetector{})
	state.Pool = pool

	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Pool        PoolStats       `json:"pool"`
		CPUFeatures map[string]bool `json:"cpu_features"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Pool.PoolSize != 2 || resp.Pool.LiveSessions != 2 {
		t.Errorf("Pool stats = %+v", resp.Pool)
	}
	if _, ok := resp.CPUFeatures["avx2"]; !ok {
		t.Errorf("Expected cpu feature report, got %v", resp.CPUFeatures)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		detail string
	}{
		{detections.FileTooLarge(detections.MaxUploadBytes), http.StatusBadRequest, detections.MsgFileTooLarge},
		{detections.ErrRequestTooLarge, http.StatusBadRequest, detections.MsgRequestTooLarge},
		{fmt.Errorf("wrapped: %w", detections.ErrMissingFile), http.StatusBadRequest, detections.MsgMissingFile},
		{errors.New("boom"), http.StatusInternalServerError, "Error processing image: boom"},
	}

	for _, tt := range tests {
		status, detail := statusForError(tt.err)
		if status != tt.status || detail != tt.detail {
			t.Errorf("statusForError(%v) = %d %q, expected %d %q", tt.err, status, detail, tt.status, tt.detail)
		}
	}
}
