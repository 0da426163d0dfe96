package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/star-tracker/attitude"
	"github.com/signalsfoundry/star-tracker/catalog"
	"github.com/signalsfoundry/star-tracker/centroid"
	"github.com/signalsfoundry/star-tracker/internal/imagestore"
	"github.com/signalsfoundry/star-tracker/internal/logging"
	"github.com/signalsfoundry/star-tracker/model"
	"github.com/signalsfoundry/star-tracker/tracker"
)

const testCatalogSource = `
1 0.0  0.0  1.0
2 8.0  2.0  1.5
3 15.0 -3.0 2.0
4 4.0  10.0 2.5
`

func testServer(t *testing.T) (*Server, *imagestore.Store) {
	t.Helper()

	optics := centroid.CameraModel{FocalLength: 600, CenterX: 256, CenterY: 256}
	loadCatalog := func(context.Context) (*catalog.Catalog, error) {
		return catalog.Load(strings.NewReader(testCatalogSource), catalog.Options{
			MagnitudeLimit: 6,
			MaxPairAngle:   60 * math.Pi / 180,
		})
	}
	cat, err := loadCatalog(context.Background())
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	stars := make([]model.CatalogEntry, cat.Len())
	for i := range stars {
		stars[i] = cat.Entry(i)
	}

	store := imagestore.New(4, "", logging.Noop())
	tr, err := tracker.New(tracker.Options{
		Camera: &tracker.MockCamera{
			Stars:    stars,
			Attitude: attitude.RotationFromRADecRoll(8*math.Pi/180, 3*math.Pi/180, 0),
			Optics:   optics,
			Width:    512,
			Height:   512,
		},
		LoadCatalog: loadCatalog,
		Extractor: &centroid.Extractor{
			Camera: optics,
			Params: centroid.Params{ThresholdSigma: 5, MinPixels: 2, MaxStars: 12},
		},
		Estimator: &attitude.Estimator{Params: attitude.Params{
			ResidualThreshold: 0.01, MaxRMS: 0.02, MaxIterations: 10, MinInliers: 3,
		}},
		Store:         store,
		Logger:        logging.Noop(),
		PairTolerance: 0.005,
		MinMatches:    3,
	})
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for tr.State() != model.StateStandby {
		if time.Now().After(deadline) {
			t.Fatalf("tracker never reached STANDBY, stuck in %s", tr.State())
		}
		time.Sleep(time.Millisecond)
	}

	return NewServer(":0", tr, store, nil, logging.Noop()), store
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestTelemetryReportsStandbyAfterBoot(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/api/v1/telemetry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode telemetry: %v", err)
	}
	if resp["state"] != "STANDBY" {
		t.Fatalf("state = %v, want STANDBY", resp["state"])
	}
}

func TestSetStateValidatesTargets(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	if w := doJSON(t, h, "POST", "/api/v1/state", `{"state":"LOW_POWER"}`); w.Code != http.StatusOK {
		t.Fatalf("STANDBY -> LOW_POWER: status = %d, want 200", w.Code)
	}
	// BOOT is never a valid request target; sequencing violations are
	// conflicts.
	if w := doJSON(t, h, "POST", "/api/v1/state", `{"state":"BOOT"}`); w.Code != http.StatusConflict {
		t.Fatalf("LOW_POWER -> BOOT: status = %d, want 409", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/v1/state", `{"state":"WARP"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown state: status = %d, want 400", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/v1/state", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad body: status = %d, want 400", w.Code)
	}
}

func TestCaptureEndpointFollowsStandbyRule(t *testing.T) {
	srv, store := testServer(t)
	h := srv.Handler()

	if w := doJSON(t, h, "POST", "/api/v1/capture", ""); w.Code != http.StatusOK {
		t.Fatalf("capture in STANDBY: status = %d, want 200", w.Code)
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d frames, want 1", store.Len())
	}

	if w := doJSON(t, h, "POST", "/api/v1/state", `{"state":"LOW_POWER"}`); w.Code != http.StatusOK {
		t.Fatalf("enter LOW_POWER: status = %d", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/v1/capture", ""); w.Code != http.StatusConflict {
		t.Fatalf("capture in LOW_POWER: status = %d, want 409", w.Code)
	}
}

func TestLatestFrameRoundTrip(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	if w := doJSON(t, h, "GET", "/api/v1/frames/latest", ""); w.Code != http.StatusNotFound {
		t.Fatalf("latest frame before capture: status = %d, want 404", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/v1/capture", ""); w.Code != http.StatusOK {
		t.Fatalf("capture: status = %d", w.Code)
	}
	w := doJSON(t, h, "GET", "/api/v1/frames/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("latest frame: status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q, want image/png", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("empty frame body")
	}
}

func TestSettingsUpdateReflectsInTelemetry(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	body := `{"interval_ms":750,"images":5,"save_frames":true}`
	if w := doJSON(t, h, "POST", "/api/v1/settings", body); w.Code != http.StatusOK {
		t.Fatalf("settings update: status = %d, want 200", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/v1/settings", `{"interval_ms":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative interval: status = %d, want 400", w.Code)
	}

	w := doJSON(t, h, "GET", "/api/v1/telemetry", "")
	var resp struct {
		Settings struct {
			IntervalMs int64 `json:"interval_ms"`
			Images     int   `json:"images"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode telemetry: %v", err)
	}
	if resp.Settings.IntervalMs != 750 || resp.Settings.Images != 5 {
		t.Fatalf("settings = %+v, want interval 750ms and 5 images", resp.Settings)
	}
}

func TestResetOutsideErrorIsConflict(t *testing.T) {
	srv, _ := testServer(t)
	if w := doJSON(t, srv.Handler(), "POST", "/api/v1/reset", ""); w.Code != http.StatusConflict {
		t.Fatalf("reset in STANDBY: status = %d, want 409", w.Code)
	}
}
