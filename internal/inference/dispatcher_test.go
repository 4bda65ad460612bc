package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

type fakeModel struct {
	loadErr error
	runErr  error
	raw     []detect.RawDetection
	loads   atomic.Int32
	runs    atomic.Int32
}

func (m *fakeModel) Load(ctx context.Context) error {
	m.loads.Add(1)
	return m.loadErr
}

func (m *fakeModel) Run(ctx context.Context, frame *video.Frame, lb detect.Letterbox) ([]detect.RawDetection, error) {
	m.runs.Add(1)
	if m.runErr != nil {
		return nil, m.runErr
	}
	return m.raw, nil
}

func (m *fakeModel) Close() error { return nil }

func testFrame() *video.Frame {
	return &video.Frame{Data: []byte("frame-bytes"), Width: 1280, Height: 720, Timestamp: time.Now()}
}

func testInferenceConfig(urls ...string) config.InferenceConfig {
	return config.InferenceConfig{
		RemoteURLs:     urls,
		RequestTimeout: 2 * time.Second,
		ProbeTimeout:   200 * time.Millisecond,
		ProbeInterval:  10 * time.Millisecond,
		ModelInputSize: 640,
	}
}

func newRemoteStub(healthy *atomic.Bool, inferStatus int, body string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/inference", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(inferStatus)
		w.Write([]byte(body))
	})
	return httptest.NewServer(mux)
}

func TestDispatcher_DetectBeforeStart(t *testing.T) {
	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	d := NewDispatcher(testInferenceConfig(), client, &fakeModel{}, logger.NewNopLogger())

	if _, err := d.Detect(context.Background(), testFrame()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
}

func TestDispatcher_StartSelectsRemote(t *testing.T) {
	server := newRemoteStub(nil, http.StatusOK,
		`{"detections":[{"box":[10,10,50,50],"score":0.8,"class_id":0}],"detection_count":1}`)
	defer server.Close()

	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{}
	d := NewDispatcher(testInferenceConfig(server.URL), client, model, logger.NewNopLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if d.Mode() != ModeRemote {
		t.Fatalf("Expected remote mode, got %s", d.Mode())
	}

	result, err := d.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.Backend != BackendRemote {
		t.Errorf("Expected remote backend tag, got %s", result.Backend)
	}
	if len(result.RawDetections) != 1 || result.RawDetections[0].Score != 0.8 {
		t.Errorf("Unexpected detections: %+v", result.RawDetections)
	}
	if result.Letterbox.Target != 640 {
		t.Errorf("Expected letterbox for 640 model input, got %+v", result.Letterbox)
	}
	if model.runs.Load() != 0 {
		t.Error("Local model must not run while remote is healthy")
	}
}

func TestDispatcher_ProbeExhaustionFallsBackToLocalOnce(t *testing.T) {
	var transitions atomic.Int32
	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{}
	cfg := testInferenceConfig("http://127.0.0.1:1", "http://127.0.0.1:2", "http://127.0.0.1:3")
	d := NewDispatcher(cfg, client, model, logger.NewNopLogger())
	d.OnModeChange(func(m Mode) {
		if m == ModeLocal {
			transitions.Add(1)
		}
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if d.Mode() != ModeLocal {
		t.Fatalf("Expected local mode, got %s", d.Mode())
	}
	if model.loads.Load() != 1 {
		t.Errorf("Expected one model load, got %d", model.loads.Load())
	}

	// let several failing re-probe cycles run
	time.Sleep(100 * time.Millisecond)
	if transitions.Load() != 1 {
		t.Errorf("Expected exactly one Unknown->Local transition, got %d", transitions.Load())
	}
}

func TestDispatcher_StartFailsWithoutAnyBackend(t *testing.T) {
	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{loadErr: errors.New("artifact missing")}
	d := NewDispatcher(testInferenceConfig("http://127.0.0.1:1"), client, model, logger.NewNopLogger())

	err := d.Start(context.Background())
	if !errors.Is(err, ErrNoBackend) {
		t.Errorf("Expected ErrNoBackend, got %v", err)
	}
}

func TestDispatcher_RemoteFailureRetriesLegacy(t *testing.T) {
	server := newRemoteStub(nil, http.StatusInternalServerError, `{"error":"model crashed"}`)
	defer server.Close()

	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"detections":[[5,5,100,100,0.75,1]]}`))
	}))
	defer legacy.Close()

	client := NewClient(ClientConfig{LegacyURL: legacy.URL}, logger.NewNopLogger())
	model := &fakeModel{}
	d := NewDispatcher(testInferenceConfig(server.URL), client, model, logger.NewNopLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	result, err := d.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.Backend != BackendLegacy {
		t.Errorf("Expected legacy backend tag, got %s", result.Backend)
	}
	if len(result.RawDetections) != 1 || result.RawDetections[0].ClassID != 1 {
		t.Errorf("Unexpected legacy detections: %+v", result.RawDetections)
	}
	if d.Mode() != ModeRemote {
		t.Errorf("Legacy success should not fail over, mode is %s", d.Mode())
	}
}

func TestDispatcher_RemoteFailureFailsOverToLocal(t *testing.T) {
	server := newRemoteStub(nil, http.StatusBadGateway, `upstream down`)
	defer server.Close()

	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{raw: []detect.RawDetection{{Box: [4]float64{1, 2, 3, 4}, Score: 0.6}}}
	d := NewDispatcher(testInferenceConfig(server.URL), client, model, logger.NewNopLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	result, err := d.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.Backend != BackendLocal {
		t.Errorf("Expected local backend tag, got %s", result.Backend)
	}
	if d.Mode() != ModeLocal {
		t.Errorf("Expected local mode after failover, got %s", d.Mode())
	}
}

func TestDispatcher_LocalFailureSurfaces(t *testing.T) {
	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{runErr: errors.New("inference engine fault")}
	d := NewDispatcher(testInferenceConfig("http://127.0.0.1:1"), client, model, logger.NewNopLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if _, err := d.Detect(context.Background(), testFrame()); err == nil {
		t.Error("Expected local inference failure to surface")
	}
}

func TestDispatcher_RecoversToRemote(t *testing.T) {
	var healthy atomic.Bool
	server := newRemoteStub(&healthy, http.StatusOK, `{"detections":[]}`)
	defer server.Close()

	client := NewClient(ClientConfig{}, logger.NewNopLogger())
	model := &fakeModel{}
	d := NewDispatcher(testInferenceConfig(server.URL), client, model, logger.NewNopLogger())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if d.Mode() != ModeLocal {
		t.Fatalf("Expected local mode while remote unhealthy, got %s", d.Mode())
	}

	healthy.Store(true)

	deadline := time.After(2 * time.Second)
	for d.Mode() != ModeRemote {
		select {
		case <-deadline:
			t.Fatal("Dispatcher never recovered to remote mode")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
