package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/auth"
	"github.com/example/avocado-ripeness/internal/camera"
	"github.com/example/avocado-ripeness/internal/classifier"
	"github.com/example/avocado-ripeness/internal/media"
	"github.com/example/avocado-ripeness/internal/metrics"
	"github.com/example/avocado-ripeness/internal/prediction"
	"github.com/example/avocado-ripeness/internal/usecase"
)

const testJWTSecret = "test-secret"

type testEnv struct {
	router   *gin.Engine
	registry *media.PreviewRegistry
	calls    *atomic.Int32
}

func newTestEnv(t *testing.T, authMiddleware gin.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	calls := &atomic.Int32{}
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"label":"Matang","confidence":0.92}`))
	}))
	t.Cleanup(model.Close)

	frame := testPNG(t, 32, 24)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(frame)
	}))
	t.Cleanup(cam.Close)

	registry := media.NewPreviewRegistry(logger)
	source := media.NewSource(registry)
	validator := media.NewValidator(0)
	m := metrics.New()
	client := classifier.NewClient(classifier.Config{URL: model.URL}, logger,
		classifier.WithHTTPClient(model.Client()),
		classifier.WithObserver(m),
		classifier.WithValidator(validator))
	machine := prediction.NewMachine(client, validator, logger)
	session := camera.NewSession(
		camera.StaticProvider{camera.NewSnapshotDevice("esp32", cam.URL, camera.FacingEnvironment, cam.Client())},
		source, registry, logger)
	ws := usecase.NewWorkspace(registry, source, session, machine, logger)
	t.Cleanup(func() {
		ws.Close()
		machine.Close()
	})

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, ws, registry, Options{Metrics: m.Handler(), Auth: authMiddleware, Logger: logger})
	return &testEnv{router: router, registry: registry, calls: calls}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) state(t *testing.T) usecase.State {
	t.Helper()
	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/state", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d", resp.Code)
	}
	var st usecase.State
	if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func (e *testEnv) waitForPhase(t *testing.T, phase prediction.Phase) usecase.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := e.state(t); st.Phase == phase {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached %s", phase)
	return usecase.State{}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}
}

func TestUploadPredictAndPoll(t *testing.T) {
	env := newTestEnv(t, nil)
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x01}, 2*1024*1024)...)

	body, contentType := buildMultipartBody(t, "image/jpeg", jpeg)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := env.do(t, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d %s", resp.Code, resp.Body.String())
	}
	var selected usecase.State
	if err := json.Unmarshal(resp.Body.Bytes(), &selected); err != nil {
		t.Fatalf("decode: %v", err)
	}

	preview := env.do(t, httptest.NewRequest(http.MethodGet, selected.Preview, nil))
	if preview.Code != http.StatusOK || preview.Header().Get("Content-Type") != "image/jpeg" || preview.Body.Len() != len(jpeg) {
		t.Fatalf("unexpected preview response %d %q %d", preview.Code, preview.Header().Get("Content-Type"), preview.Body.Len())
	}

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/predict", nil))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("predict: expected 202, got %d %s", resp.Code, resp.Body.String())
	}

	st := env.waitForPhase(t, prediction.Succeeded)
	if st.Loading || st.Error != nil || st.Result.Label != classifier.LabelRipe || st.Result.Confidence != 0.92 {
		t.Fatalf("unexpected final state %+v", st)
	}
	if env.calls.Load() != 1 {
		t.Fatalf("expected one classifier call, got %d", env.calls.Load())
	}

	summary := env.do(t, httptest.NewRequest(http.MethodGet, "/summary", nil))
	if !strings.Contains(summary.Body.String(), `"successful_submissions":1`) {
		t.Fatalf("unexpected summary %s", summary.Body.String())
	}
	scrape := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `avocado_predictions_total{label="Matang"} 1`) {
		t.Fatalf("expected prediction counter in metrics")
	}

	resp = env.do(t, httptest.NewRequest(http.MethodDelete, "/upload", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("discard: expected 200, got %d", resp.Code)
	}
	if gone := env.do(t, httptest.NewRequest(http.MethodGet, selected.Preview, nil)); gone.Code != http.StatusNotFound {
		t.Fatalf("expected revoked preview to 404, got %d", gone.Code)
	}
	if st := env.state(t); st.Phase != prediction.Idle || st.Result != nil {
		t.Fatalf("expected idle after discard, got %+v", st)
	}
}

func TestOversizedImageFailsWithoutClassifierCall(t *testing.T) {
	env := newTestEnv(t, nil)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 6*1024*1024))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if resp := env.do(t, req); resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d", resp.Code)
	}

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/predict", nil))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	st := env.state(t)
	if st.Phase != prediction.Failed || st.Error.Message != "File too large! Maximum size is 5MB." {
		t.Fatalf("unexpected state %+v", st)
	}
	if env.calls.Load() != 0 {
		t.Fatalf("expected zero classifier calls, got %d", env.calls.Load())
	}
}

func TestUnsupportedTypeRejectedAtPredict(t *testing.T) {
	env := newTestEnv(t, nil)

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if resp := env.do(t, req); resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d", resp.Code)
	}

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/predict", nil))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if st := env.state(t); st.Error == nil || st.Error.Message != prediction.MessageUnsupportedType {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := env.do(t, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestPredictWithoutSelection(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/predict", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestInvalidMode(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, payload := range []string{`{"mode":"video"}`, `{}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if resp := env.do(t, req); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", payload, resp.Code)
		}
	}
}

func switchMode(t *testing.T, env *testEnv, target, mode string) usecase.State {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"mode":"`+mode+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("mode: expected 200, got %d %s", resp.Code, resp.Body.String())
	}
	var st usecase.State
	if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func TestCameraOverPlainHTTPFails(t *testing.T) {
	env := newTestEnv(t, nil)

	st := switchMode(t, env, "http://kiosk.example.com/mode", "camera")
	if st.Mode != usecase.ModeCamera || st.Phase != prediction.Failed {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Error.Message != prediction.MessageCameraInsecure || st.Camera.CanCapture {
		t.Fatalf("expected insecure camera failure, got %+v %+v", st.Error, st.Camera)
	}

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/camera/capture", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("capture: expected 409, got %d", resp.Code)
	}
	if env.calls.Load() != 0 {
		t.Fatalf("expected zero classifier calls")
	}
}

func TestCameraCaptureOverLocalhost(t *testing.T) {
	env := newTestEnv(t, nil)

	st := switchMode(t, env, "http://localhost:8080/mode", "camera")
	if st.Camera == nil || st.Camera.Readiness != camera.Ready || !st.Camera.CanCapture {
		t.Fatalf("expected ready camera, got %+v", st.Camera)
	}

	frame := env.do(t, httptest.NewRequest(http.MethodGet, "/camera/frame", nil))
	if frame.Code != http.StatusOK || frame.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected frame response %d %q", frame.Code, frame.Header().Get("Content-Type"))
	}

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/camera/capture", nil))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("capture: expected 202, got %d %s", resp.Code, resp.Body.String())
	}
	done := env.waitForPhase(t, prediction.Succeeded)
	if done.Result.Label != classifier.LabelRipe {
		t.Fatalf("unexpected result %+v", done.Result)
	}
	if env.registry.Live() != 1 {
		t.Fatalf("expected the capture preview alive, got %d", env.registry.Live())
	}

	st = switchMode(t, env, "http://localhost:8080/mode", "upload")
	if st.Camera != nil || st.Phase != prediction.Idle {
		t.Fatalf("expected idle upload mode, got %+v", st)
	}
	if env.registry.Live() != 0 {
		t.Fatalf("leaving camera mode must revoke the capture preview")
	}
	if resp := env.do(t, httptest.NewRequest(http.MethodGet, "/camera/frame", nil)); resp.Code != http.StatusConflict {
		t.Fatalf("frame outside camera mode: expected 409, got %d", resp.Code)
	}
}

func TestAuthProtectsWorkspaceRoutes(t *testing.T) {
	env := newTestEnv(t, auth.JWTMiddleware(testJWTSecret, ""))

	if resp := env.do(t, httptest.NewRequest(http.MethodGet, "/state", nil)); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	if resp := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)); resp.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "kiosk-1"))
	if resp := env.do(t, req); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.Code)
	}
}

func TestPredictionRecordsOperator(t *testing.T) {
	env := newTestEnv(t, auth.JWTMiddleware(testJWTSecret, ""))
	bearer := "Bearer " + buildTestToken(t, "kiosk-7")
	authed := func(req *http.Request) *httptest.ResponseRecorder {
		req.Header.Set("Authorization", bearer)
		return env.do(t, req)
	}

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t, 8, 8))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if resp := authed(req); resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d %s", resp.Code, resp.Body.String())
	}
	if resp := authed(httptest.NewRequest(http.MethodPost, "/predict", nil)); resp.Code != http.StatusAccepted {
		t.Fatalf("predict: expected 202, got %d", resp.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	var st usecase.State
	for time.Now().Before(deadline) {
		resp := authed(httptest.NewRequest(http.MethodGet, "/state", nil))
		if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if st.Phase == prediction.Succeeded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.Phase != prediction.Succeeded || st.Operator != "kiosk-7" {
		t.Fatalf("expected succeeded view for kiosk-7, got %+v", st.View)
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 90, G: 140, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
