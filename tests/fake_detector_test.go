package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// armingPolls is how many status polls the fake spends in arming, and then
// in measuring, before a frame becomes ready. Small so full runs finish in
// a few loop ticks.
const armingPolls = 1

// fakeDetector scripts the device side of the wire protocol: the status
// state machine, parameter groups, measurement commands, and frame
// delivery in the binary frame format. One instance backs one test.
type fakeDetector struct {
	mu          sync.Mutex
	state       string
	message     string
	frameCount  uint64
	nextNumber  uint64
	pending     *types.Frame
	produced    int
	perRun      int
	statusPolls int
	holdReady   bool
	groups      map[string]map[string]interface{}

	server *httptest.Server
}

// newFakeDetector starts a fake producing perRun frames per measurement.
func newFakeDetector(perRun int) *fakeDetector {
	d := &fakeDetector{
		state:  detector.DeviceStateIdle,
		perRun: perRun,
		groups: map[string]map[string]interface{}{
			"detector":    {"biasVoltage": 100.0, "model": "TPX3-SIM"},
			"acquisition": {"exposureSec": 0.1, "nFrames": float64(perRun)},
			"output":      {"format": "pcf", "enabled": true},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", d.handleStatus)
	mux.HandleFunc("/api/v1/info", d.handleInfo)
	mux.HandleFunc("/api/v1/health", d.handleHealth)
	mux.HandleFunc("/api/v1/config/", d.handleConfig)
	mux.HandleFunc("/api/v1/measurement/", d.handleMeasurement)
	mux.HandleFunc("/api/v1/frame", d.handleFrame)

	d.server = httptest.NewServer(mux)
	return d
}

func (d *fakeDetector) URL() string { return d.server.URL }

func (d *fakeDetector) Close() { d.server.Close() }

// fail parks the device in its error state until a reset. Any latched
// frame is dropped so a late fetch cannot resurrect the measurement.
func (d *fakeDetector) fail(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = detector.DeviceStateError
	d.message = message
	d.pending = nil
}

// holdFrames keeps each armed frame latched: the device stays ready and
// repeated fetches serve a repeated frame number.
func (d *fakeDetector) holdFrames() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdReady = true
}

// releaseFrames returns the device to one-fetch-per-frame behavior.
func (d *fakeDetector) releaseFrames() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdReady = false
}

// groupValue reads one stored parameter field, as a committed write would
// have left it.
func (d *fakeDetector) groupValue(group, field string) interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups[group][field]
}

func (d *fakeDetector) servedFrames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameCount
}

func (d *fakeDetector) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()

	// Advance the measurement script one poll at a time.
	switch d.state {
	case detector.DeviceStateArming:
		d.statusPolls++
		if d.statusPolls >= armingPolls {
			d.state = detector.DeviceStateMeasuring
			d.statusPolls = 0
		}
	case detector.DeviceStateMeasuring:
		d.statusPolls++
		if d.statusPolls >= armingPolls {
			d.pending = d.makeFrame()
			d.state = detector.DeviceStateReady
			d.statusPolls = 0
		}
	}

	doc := detector.StatusDocument{
		State:      d.state,
		FrameCount: d.frameCount,
		ElapsedSec: float64(d.produced) * 0.1,
		Message:    d.message,
	}
	d.mu.Unlock()

	writeJSON(w, doc)
}

func (d *fakeDetector) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, detector.InfoDocument{
		Model:      "TPX3-SIM",
		Serial:     "sim-0001",
		Firmware:   "2.3.1",
		APIVersion: "1.0",
	})
}

func (d *fakeDetector) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, detector.HealthDocument{
		TemperatureC: 41.5,
		BiasVoltage:  99.8,
		Humidity:     12.0,
	})
}

func (d *fakeDetector) handleConfig(w http.ResponseWriter, r *http.Request) {
	group := strings.TrimPrefix(r.URL.Path, "/api/v1/config/")

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, ok := d.groups[group]
	if !ok {
		http.Error(w, "unknown group", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, doc)
	case http.MethodPut:
		var incoming map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.groups[group] = incoming
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *fakeDetector) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	command := strings.TrimPrefix(r.URL.Path, "/api/v1/measurement/")

	d.mu.Lock()
	defer d.mu.Unlock()

	switch command {
	case "start":
		if d.state == detector.DeviceStateError {
			http.Error(w, "device faulted: "+d.message, http.StatusConflict)
			return
		}
		d.state = detector.DeviceStateArming
		d.produced = 0
		d.statusPolls = 0
		d.pending = nil
	case "stop":
		if d.state != detector.DeviceStateError {
			d.state = detector.DeviceStateIdle
			d.pending = nil
		}
	case "reset":
		d.state = detector.DeviceStateIdle
		d.message = ""
		d.pending = nil
	default:
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (d *fakeDetector) handleFrame(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()

	if d.pending == nil {
		d.mu.Unlock()
		http.Error(w, "no frame ready", http.StatusNotFound)
		return
	}
	data := detector.EncodeFrame(d.pending)

	if d.holdReady {
		// Keep the same frame latched and the state at ready, so repeated
		// fetches return a repeated frame number.
		d.frameCount = d.pending.FrameNumber + 1
	} else {
		d.frameCount++
		d.produced++
		d.pending = nil
		d.statusPolls = 0
		if d.produced >= d.perRun {
			d.state = detector.DeviceStateIdle
		} else {
			d.state = detector.DeviceStateMeasuring
		}
	}
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// makeFrame builds the next 32x32 uint16 frame with a recognizable payload.
// Callers hold the lock.
func (d *fakeDetector) makeFrame() *types.Frame {
	desc := types.FrameDescriptor{
		Rank:     2,
		Dims:     [3]int{32, 32, 0},
		DataType: types.DataTypeUInt16,
		Layout:   types.LayoutMono,
	}
	data := make([]byte, desc.ByteSize())
	for i := range data {
		data[i] = byte(d.nextNumber)
	}
	frame := &types.Frame{
		Descriptor:  desc,
		Data:        data,
		FrameNumber: d.nextNumber,
		Timestamp:   time.Now(),
	}
	d.nextNumber++
	return frame
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Sprintf("fake detector cannot encode %T: %v", v, err))
	}
}
