package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/store"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T) (*Server, *store.Store, *httptest.Server) {
	t.Helper()
	st := store.New(store.WithLogger(quietLogger()), store.WithSeed(7))
	t.Cleanup(st.Close)
	srv := New(st, WithLogger(quietLogger()), WithModelName("TestNet"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, st, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response of %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func regressionModel() layers.ModelConfig {
	return layers.NewModelBuilder().
		AddDense(8, "relu", "hidden").
		AddDense(1, "linear", "output").
		Config()
}

func configure(t *testing.T, base string, epochs int) {
	t.Helper()
	if code := doJSON(t, http.MethodPost, base+"/api/dataset", DatasetRequest{Preset: "linear", Samples: 64, Seed: 3}, nil); code != http.StatusOK {
		t.Fatalf("Expected dataset upload to succeed, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, base+"/api/model", regressionModel(), nil); code != http.StatusOK {
		t.Fatalf("Expected model upload to succeed, got %d", code)
	}
	tc := protocol.DefaultTrainingConfig()
	tc.Epochs = epochs
	tc.BatchSize = 16
	if code := doJSON(t, http.MethodPut, base+"/api/training", tc, nil); code != http.StatusOK {
		t.Fatalf("Expected training config to succeed, got %d", code)
	}
	speed := protocol.Speed(2)
	if code := doJSON(t, http.MethodPost, base+"/api/command", CommandRequest{Command: "speed", Speed: &speed}, nil); code != http.StatusOK {
		t.Fatalf("Expected speed command to succeed, got %d", code)
	}
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)

	var body map[string]interface{}
	if code := doJSON(t, http.MethodGet, ts.URL+"/health", nil, &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["state"] != string(store.StateIdle) {
		t.Errorf("Unexpected health body: %v", body)
	}
	if cpu, _ := body["cpu"].(string); cpu == "" {
		t.Error("Expected a CPU description")
	}
}

func TestDatasetUpload(t *testing.T) {
	_, st, ts := newTestServer(t)

	var info store.DatasetInfo
	req := DatasetRequest{
		Name:   "colors",
		Xs:     [][]float64{{0, 1}, {1, 0}, {1, 1}, {0, 0}},
		Labels: []string{"red", "blue", "red", "green"},
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/dataset", req, &info); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if info.Name != "colors" || info.Samples != 4 || info.InputWidth != 2 || info.OutputWidth != 3 {
		t.Errorf("Unexpected dataset info: %+v", info)
	}
	if st.Snapshot().Dataset == nil {
		t.Fatal("Expected the store to hold the dataset")
	}

	var errBody ErrorResponse
	bad := DatasetRequest{Xs: [][]float64{{1, 2}, {3}}, Targets: []float64{1, 2}}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/dataset", bad, &errBody); code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for ragged rows, got %d", code)
	}
	if errBody.Error == "" {
		t.Error("Expected an error message")
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/dataset", DatasetRequest{Preset: "spiral"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown preset, got %d", code)
	}
}

func TestModelUploadAssignsIDs(t *testing.T) {
	_, st, ts := newTestServer(t)

	cfg := layers.ModelConfig{Layers: []layers.LayerSpec{
		{Type: layers.Dense, Units: 4, Activation: "relu"},
		{Type: layers.Dense, Units: 1},
	}}
	var got layers.ModelConfig
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/model", cfg, &got); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	for i, l := range got.Layers {
		if l.ID == "" {
			t.Errorf("Layer %d has no ID", i)
		}
	}
	if snap := st.Snapshot(); snap.ModelConfig == nil || len(snap.ModelConfig.Layers) != 2 {
		t.Fatalf("Expected the store to hold two layers, got %+v", snap.ModelConfig)
	}

	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{"command":"start","bogus":1}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestCommandErrors(t *testing.T) {
	_, st, ts := newTestServer(t)

	var body ErrorResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "start"}, &body); code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without a dataset, got %d", code)
	}
	if body.Kind != "configuration" {
		t.Errorf("Expected configuration kind, got %q", body.Kind)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "pause"}, &body); code != http.StatusConflict {
		t.Fatalf("Expected 409 for pause from idle, got %d", code)
	}
	if body.Kind != "invalid_transition" {
		t.Errorf("Expected invalid_transition kind, got %q", body.Kind)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "jump"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown command, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "speed"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for speed without a value, got %d", code)
	}
	if st.Snapshot().State != store.StateIdle {
		t.Errorf("Rejected commands changed state to %s", st.Snapshot().State)
	}
}

func TestShapeGate(t *testing.T) {
	_, st, ts := newTestServer(t)

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/dataset", DatasetRequest{Preset: "blobs", Samples: 30, Seed: 1}, nil); code != http.StatusOK {
		t.Fatalf("Expected dataset upload to succeed, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/model", regressionModel(), nil); code != http.StatusOK {
		t.Fatalf("Expected model upload to succeed, got %d", code)
	}

	var body ErrorResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "start"}, &body); code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", code)
	}
	if body.Result == nil || body.Result.IsValid || len(body.Result.Issues) == 0 {
		t.Fatalf("Expected a failing validation result, got %+v", body.Result)
	}

	var resp CommandResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "validate"}, &resp); code != http.StatusOK {
		t.Fatalf("Expected validate to succeed, got %d", code)
	}
	if resp.Result == nil || resp.Result.IsValid {
		t.Fatalf("Expected an invalid result, got %+v", resp.Result)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "apply_suggestions"}, nil); code != http.StatusOK {
		t.Fatalf("Expected suggestions to apply, got %d", code)
	}
	cfg := st.Snapshot().ModelConfig
	if last := cfg.Layers[len(cfg.Layers)-1]; last.Units != 3 {
		t.Errorf("Expected output layer of 3 units after suggestions, got %d", last.Units)
	}
}

func TestPlots(t *testing.T) {
	_, _, ts := newTestServer(t)

	var plot map[string]interface{}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/plots/training_curves", nil, &plot); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if plot["plot_type"] != "training_curves" {
		t.Errorf("Unexpected plot type %v", plot["plot_type"])
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/plots/pie_chart", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown plot type, got %d", code)
	}
}

func waitForState(t *testing.T, base string, want store.State) store.Snapshot {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		var snap store.Snapshot
		doJSON(t, http.MethodGet, base+"/api/state", nil, &snap)
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s", want)
	return store.Snapshot{}
}

func TestRunOverHTTP(t *testing.T) {
	_, _, ts := newTestServer(t)
	configure(t, ts.URL, 3)

	var resp CommandResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "start"}, &resp); code != http.StatusOK {
		t.Fatalf("Expected start to succeed, got %d", code)
	}
	if !resp.OK || resp.Status.RunID == "" {
		t.Errorf("Unexpected start response: %+v", resp)
	}

	snap := waitForState(t, ts.URL, store.StateCompleted)
	if len(snap.Metrics) != 3 || len(snap.Predictions) != 64 {
		t.Errorf("Expected 3 metrics and 64 predictions, got %d and %d", len(snap.Metrics), len(snap.Predictions))
	}

	var plot map[string]interface{}
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/plots/prediction_scatter", nil, &plot); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if series, _ := plot["series"].([]interface{}); len(series) == 0 {
		t.Error("Expected scatter series after a completed run")
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/command", CommandRequest{Command: "new_run"}, nil); code != http.StatusOK {
		t.Fatalf("Expected new_run to succeed, got %d", code)
	}
	waitForState(t, ts.URL, store.StateCompleted)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return f
}

func TestWebSocket(t *testing.T) {
	_, _, ts := newTestServer(t)
	configure(t, ts.URL, 2)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.Type != FrameSnapshot || first.Snapshot == nil || first.Snapshot.State != store.StateIdle {
		t.Fatalf("Expected an idle snapshot first, got %+v", first)
	}

	if err := conn.WriteJSON(SocketRequest{ID: "req-1", CommandRequest: CommandRequest{Command: "pause"}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	rep := readFrame(t, conn)
	if rep.Type != FrameReply || rep.Reply == nil || rep.Reply.ID != "req-1" || rep.Reply.Error == nil {
		t.Fatalf("Expected an error reply for req-1, got %+v", rep)
	}
	if rep.Reply.Error.Kind != "invalid_transition" {
		t.Errorf("Expected invalid_transition, got %q", rep.Reply.Error.Kind)
	}

	if err := conn.WriteJSON(SocketRequest{ID: "req-2", CommandRequest: CommandRequest{Command: "start"}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var sawReply, sawMetrics bool
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case FrameReply:
			if f.Reply.ID != "req-2" || f.Reply.Response == nil || !f.Reply.Response.OK {
				t.Fatalf("Unexpected reply %+v", f.Reply)
			}
			sawReply = true
		case FrameEvent:
			if f.Event.Kind == store.EventMetrics {
				sawMetrics = true
			}
			if f.Event.Kind == store.EventState && f.Event.Status.State == store.StateCompleted {
				if !sawReply || !sawMetrics {
					t.Errorf("Completed before reply (%v) or metrics (%v)", sawReply, sawMetrics)
				}
				return
			}
		}
	}
}
