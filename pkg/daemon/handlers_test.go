package daemon

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meterkit/flowd/pkg/calibration"
	"github.com/meterkit/flowd/pkg/flowinfo"
	"github.com/meterkit/flowd/pkg/meter"
	"github.com/meterkit/flowd/pkg/source"
	"github.com/meterkit/flowd/pkg/version"
)

// resetHandlerTest wires fresh daemon state behind the HTTP routes and
// returns the router plus the mock config it writes to.
func resetHandlerTest(t *testing.T) (http.Handler, *mockConf) {
	t.Helper()

	mc := resetCalibrationTest(t)
	src = source.NewSim(30, mc.Sensor().KFactor)
	scheduler = NewScheduler(runScheduledReport, reportPreCheck, nil, nil)
	t.Cleanup(scheduler.Stop)
	tickRecorder.ClearRecords()
	return setupRoutes(), mc
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, rdr)
	if err != nil {
		t.Fatalf("NewRequest %s %s failed: %v", method, path, err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("cannot decode response %q: %v", w.Body.String(), err)
	}
}

func TestHandlerStatus(t *testing.T) {
	router, _ := resetHandlerTest(t)

	// 144 pulses over one second at k=4.8 is 30 l/min, 0.5 L.
	mtr.CountN(144)
	mtr.Tick(time.Second)

	w := doRequest(t, router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", w.Code)
	}

	var st flowinfo.Status
	decodeBody(t, w, &st)
	if st.Pin != "test" {
		t.Fatalf("status pin = %q, want test", st.Pin)
	}
	if math.Abs(st.Reading.Flowrate-30) > 1e-9 {
		t.Fatalf("status flowrate = %v, want 30", st.Reading.Flowrate)
	}
	if math.Abs(st.Reading.Volume-0.5) > 1e-9 {
		t.Fatalf("status volume = %v, want 0.5", st.Reading.Volume)
	}
	if st.Reading.Decile != 5 {
		t.Fatalf("status decile = %d, want 5", st.Reading.Decile)
	}
	if st.Totals.Periods != 1 {
		t.Fatalf("status periods = %d, want 1", st.Totals.Periods)
	}
}

func TestHandlerSensor(t *testing.T) {
	router, mc := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodGet, "/sensor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /sensor = %d, want 200", w.Code)
	}
	var name string
	decodeBody(t, w, &name)
	if name != "fs400a" {
		t.Fatalf("sensor = %q, want fs400a", name)
	}

	w = doRequest(t, router, http.MethodPut, "/sensor", `"fs300a"`)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /sensor fs300a = %d, want 201: %s", w.Code, w.Body.String())
	}
	if mc.sensorName != "fs300a" {
		t.Fatalf("config sensor = %q, want fs300a", mc.sensorName)
	}
	if mc.saves == 0 {
		t.Fatalf("expected config save after sensor change")
	}
	if got := mtr.Properties().KFactor; math.Abs(got-5.5) > 1e-9 {
		t.Fatalf("meter k-factor = %v, want 5.5 after fs300a", got)
	}

	w = doRequest(t, router, http.MethodPut, "/sensor", `"bogus9000"`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("PUT /sensor bogus = %d, want 400", w.Code)
	}
}

func TestHandlerTickInterval(t *testing.T) {
	router, mc := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodGet, "/tick-interval", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /tick-interval = %d, want 200", w.Code)
	}
	var ms int
	decodeBody(t, w, &ms)
	if ms != 1000 {
		t.Fatalf("tick interval = %d ms, want 1000", ms)
	}

	w = doRequest(t, router, http.MethodPut, "/tick-interval", "50")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("PUT /tick-interval 50 = %d, want 400", w.Code)
	}

	w = doRequest(t, router, http.MethodPut, "/tick-interval", "250")
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /tick-interval 250 = %d, want 201: %s", w.Code, w.Body.String())
	}
	if mc.interval != 250*time.Millisecond {
		t.Fatalf("config interval = %v, want 250ms", mc.interval)
	}
}

func TestHandlerResets(t *testing.T) {
	router, _ := resetHandlerTest(t)

	mtr.CountN(144)
	mtr.Tick(time.Second)
	if mtr.TotalVolume() == 0 {
		t.Fatalf("expected volume on the meter before reset")
	}

	w := doRequest(t, router, http.MethodPost, "/reset", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /reset = %d, want 201", w.Code)
	}
	if mtr.CurrentFlowrate() != 0 {
		t.Fatalf("current flowrate survived reset: %v", mtr.CurrentFlowrate())
	}
	if mtr.TotalVolume() == 0 {
		t.Fatalf("totals must survive /reset")
	}

	w = doRequest(t, router, http.MethodPost, "/reset-totals", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /reset-totals = %d, want 201", w.Code)
	}
	if mtr.TotalVolume() != 0 {
		t.Fatalf("totals survived /reset-totals: %v", mtr.TotalVolume())
	}
}

func TestHandlerForceTick(t *testing.T) {
	router, _ := resetHandlerTest(t)

	mtr.CountN(10)
	w := doRequest(t, router, http.MethodPost, "/tick", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /tick = %d, want 201", w.Code)
	}

	var st flowinfo.Status
	decodeBody(t, w, &st)
	if st.Totals.Periods != 1 {
		t.Fatalf("periods after forced tick = %d, want 1", st.Totals.Periods)
	}
}

// TestHandlerProfileLock verifies a running draw test blocks profile
// edits with 409 until it is cancelled.
func TestHandlerProfileLock(t *testing.T) {
	router, _ := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodPost, "/calibration/start", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /calibration/start = %d, want 201: %s", w.Code, w.Body.String())
	}

	props, err := json.Marshal(meter.FS400A())
	if err != nil {
		t.Fatalf("marshal props: %v", err)
	}

	w = doRequest(t, router, http.MethodPut, "/profile", string(props))
	if w.Code != http.StatusConflict {
		t.Fatalf("PUT /profile during draw test = %d, want 409", w.Code)
	}
	w = doRequest(t, router, http.MethodPut, "/sensor", `"fs300a"`)
	if w.Code != http.StatusConflict {
		t.Fatalf("PUT /sensor during draw test = %d, want 409", w.Code)
	}

	// Double start and premature submit are conflicts too.
	w = doRequest(t, router, http.MethodPost, "/calibration/start", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second /calibration/start = %d, want 409", w.Code)
	}
	w = doRequest(t, router, http.MethodPost, "/calibration/submit", "5.0")
	if w.Code != http.StatusConflict {
		t.Fatalf("/calibration/submit while capturing = %d, want 409", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/calibration/cancel", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /calibration/cancel = %d, want 201", w.Code)
	}

	w = doRequest(t, router, http.MethodPut, "/profile", string(props))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /profile after cancel = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestHandlerCalibrationOverHTTP(t *testing.T) {
	router, mc := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodPost, "/calibration/start", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start = %d, want 201", w.Code)
	}

	// Ten captured periods of 0.5 L in decile 4.
	capture(10, 0.5, 4)

	w = doRequest(t, router, http.MethodPost, "/calibration/stop", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("stop = %d, want 201: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/calibration", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /calibration = %d, want 200", w.Code)
	}
	var st calibration.Status
	decodeBody(t, w, &st)
	if st.Phase != calibration.PhaseAwaitingReference {
		t.Fatalf("phase = %s, want %s", st.Phase, calibration.PhaseAwaitingReference)
	}
	if !st.CanSubmit {
		t.Fatalf("expected CanSubmit after stop")
	}

	w = doRequest(t, router, http.MethodPost, "/calibration/submit", "5.5")
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got := mtr.Properties().MeterFactor[4]; math.Abs(got-1.1) > 1e-9 {
		t.Fatalf("meter factor[4] = %v, want 1.1", got)
	}
	if mc.sensorName != "custom" {
		t.Fatalf("config sensor = %q, want custom after submit", mc.sensorName)
	}

	// Out-of-range reference volume is rejected with 400.
	w = doRequest(t, router, http.MethodPost, "/calibration/start", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("restart = %d, want 201", w.Code)
	}
	capture(10, 0.5, 4)
	w = doRequest(t, router, http.MethodPost, "/calibration/stop", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("stop = %d, want 201", w.Code)
	}
	w = doRequest(t, router, http.MethodPost, "/calibration/submit", "500")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("absurd reference = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestHandlerSchedule(t *testing.T) {
	router, mc := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodGet, "/schedule", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /schedule = %d, want 200", w.Code)
	}
	var info flowinfo.ScheduleInfo
	decodeBody(t, w, &info)
	if info.Running || info.Spec != "" {
		t.Fatalf("expected idle schedule, got %+v", info)
	}

	w = doRequest(t, router, http.MethodPut, "/schedule", `"not a cron line"`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad cron spec = %d, want 400", w.Code)
	}

	w = doRequest(t, router, http.MethodPut, "/schedule", `"0 3 1 * *"`)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /schedule = %d, want 201: %s", w.Code, w.Body.String())
	}
	if mc.schedule != "0 3 1 * *" {
		t.Fatalf("config schedule = %q, want 0 3 1 * *", mc.schedule)
	}

	w = doRequest(t, router, http.MethodGet, "/schedule", "")
	decodeBody(t, w, &info)
	if !info.Running || info.NextRun.IsZero() {
		t.Fatalf("expected running schedule with a next run, got %+v", info)
	}

	w = doRequest(t, router, http.MethodPut, "/schedule/resets-totals", "true")
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /schedule/resets-totals = %d, want 201", w.Code)
	}
	if !mc.resets {
		t.Fatalf("config resets-totals not set")
	}

	w = doRequest(t, router, http.MethodPut, "/schedule", `""`)
	if w.Code != http.StatusCreated {
		t.Fatalf("disable schedule = %d, want 201: %s", w.Code, w.Body.String())
	}
	if mc.schedule != "" {
		t.Fatalf("config schedule = %q, want empty after disable", mc.schedule)
	}
}

func TestHandlerTelemetry(t *testing.T) {
	router, _ := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodGet, "/telemetry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /telemetry = %d, want 200", w.Code)
	}

	var tel flowinfo.Telemetry
	decodeBody(t, w, &tel)
	if tel.Version != version.Version {
		t.Fatalf("telemetry version = %q, want %q", tel.Version, version.Version)
	}
	if tel.Source != "sim" {
		t.Fatalf("telemetry source = %q, want sim", tel.Source)
	}
	if tel.Status.Pin != "test" {
		t.Fatalf("telemetry pin = %q, want test", tel.Status.Pin)
	}
	if tel.Calibration == nil || tel.Calibration.Phase != calibration.PhaseIdle {
		t.Fatalf("telemetry calibration = %+v, want idle", tel.Calibration)
	}
}

func TestHandlerVersionAndMetrics(t *testing.T) {
	router, _ := resetHandlerTest(t)

	w := doRequest(t, router, http.MethodGet, "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /version = %d, want 200", w.Code)
	}
	var v string
	decodeBody(t, w, &v)
	if v != version.Version {
		t.Fatalf("version = %q, want %q", v, version.Version)
	}

	w = doRequest(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "flowd_flow_rate_lpm") {
		t.Fatalf("metrics output missing flowd gauges")
	}
}
