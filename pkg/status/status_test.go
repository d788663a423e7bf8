package status

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/types"
)

func testFrame(number uint64, size int) *types.Frame {
	return &types.Frame{
		Descriptor: types.FrameDescriptor{
			Rank:     2,
			Dims:     [3]int{16, 16, 0},
			DataType: types.DataTypeUInt16,
			Layout:   types.LayoutMono,
		},
		Data:        make([]byte, size),
		FrameNumber: number,
		Timestamp:   time.Now(),
	}
}

func startRun(t *testing.T, l *RunLog, id string) {
	t.Helper()
	if err := l.OnParameterUpdate("driver.run_id", types.StringValue(id)); err != nil {
		t.Fatalf("OnParameterUpdate failed: %v", err)
	}
	if err := l.OnParameterUpdate("driver.state", types.StringValue("arming")); err != nil {
		t.Fatalf("OnParameterUpdate failed: %v", err)
	}
}

func closeRun(t *testing.T, l *RunLog) {
	t.Helper()
	if err := l.OnParameterUpdate("driver.run_id", types.StringValue("")); err != nil {
		t.Fatalf("OnParameterUpdate failed: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	l := NewRunLog(0)

	if _, ok := l.Current(); ok {
		t.Error("Expected no current run on a fresh log")
	}

	startRun(t, l, "run-001")

	current, ok := l.Current()
	if !ok {
		t.Fatal("Expected a current run after start")
	}
	if current.ID != "run-001" {
		t.Errorf("Expected run ID run-001, got %s", current.ID)
	}
	if current.State != RunActive {
		t.Errorf("Expected state %s, got %s", RunActive, current.State)
	}

	for i := 0; i < 3; i++ {
		if err := l.OnFrame(testFrame(uint64(i), 512)); err != nil {
			t.Fatalf("OnFrame failed: %v", err)
		}
	}

	current, _ = l.Current()
	if current.Frames != 3 {
		t.Errorf("Expected 3 frames, got %d", current.Frames)
	}
	if current.Bytes != 3*512 {
		t.Errorf("Expected %d bytes, got %d", 3*512, current.Bytes)
	}
	if current.Geometry != "16x16 uint16 mono" {
		t.Errorf("Expected geometry 16x16 uint16 mono, got %s", current.Geometry)
	}
	if current.LastFrameAt == nil {
		t.Error("Expected a last frame timestamp")
	}

	closeRun(t, l)

	if _, ok := l.Current(); ok {
		t.Error("Expected no current run after the label cleared")
	}
	recent := l.Recent(0)
	if len(recent) != 1 {
		t.Fatalf("Expected 1 finished run, got %d", len(recent))
	}
	if recent[0].State != RunCompleted {
		t.Errorf("Expected state %s, got %s", RunCompleted, recent[0].State)
	}
	if recent[0].EndedAt == nil {
		t.Error("Expected an end timestamp")
	}
	if recent[0].Duration() < 0 {
		t.Error("Expected a non-negative duration")
	}

	totals := l.TotalsSnapshot()
	if totals.Started != 1 || totals.Completed != 1 {
		t.Errorf("Expected totals started=1 completed=1, got %+v", totals)
	}
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		param string
		value string
		want  RunState
	}{
		{"cleared label completes", "driver.run_id", "", RunCompleted},
		{"latched fault fails", "driver.state", "error", RunFailed},
		{"shutdown aborts", "driver.state", "stopped", RunAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRunLog(0)
			startRun(t, l, "run-x")

			if err := l.OnParameterUpdate(tt.param, types.StringValue(tt.value)); err != nil {
				t.Fatalf("OnParameterUpdate failed: %v", err)
			}

			recent := l.Recent(1)
			if len(recent) != 1 {
				t.Fatalf("Expected 1 finished run, got %d", len(recent))
			}
			if recent[0].State != tt.want {
				t.Errorf("Expected state %s, got %s", tt.want, recent[0].State)
			}
		})
	}
}

func TestIdleBetweenFramesKeepsRunOpen(t *testing.T) {
	l := NewRunLog(0)
	startRun(t, l, "run-001")

	// The acquisition loop republishes its local state around every frame
	// and revisits idle between frames. None of those transitions end the
	// run; only the cleared label does.
	cycle := []string{"acquiring", "frame_ready", "idle", "acquiring", "frame_ready", "idle"}
	for i, state := range cycle {
		if err := l.OnParameterUpdate("driver.state", types.StringValue(state)); err != nil {
			t.Fatalf("OnParameterUpdate failed: %v", err)
		}
		if state == "frame_ready" {
			if err := l.OnFrame(testFrame(uint64(i), 64)); err != nil {
				t.Fatalf("OnFrame failed: %v", err)
			}
		}
	}

	current, ok := l.Current()
	if !ok {
		t.Fatal("Expected the run to stay open across state cycles")
	}
	if current.Frames != 2 {
		t.Errorf("Expected 2 frames in the open run, got %d", current.Frames)
	}

	closeRun(t, l)
	recent := l.Recent(1)
	if len(recent) != 1 || recent[0].Frames != 2 {
		t.Fatalf("Expected the finished run to carry 2 frames, got %+v", recent)
	}
}

func TestStartSupersedesOpenRun(t *testing.T) {
	l := NewRunLog(0)

	startRun(t, l, "run-old")
	if err := l.OnFrame(testFrame(0, 128)); err != nil {
		t.Fatalf("OnFrame failed: %v", err)
	}

	startRun(t, l, "run-new")

	current, ok := l.Current()
	if !ok {
		t.Fatal("Expected a current run after the second start")
	}
	if current.ID != "run-new" {
		t.Errorf("Expected current run run-new, got %s", current.ID)
	}
	if current.Frames != 0 {
		t.Errorf("Expected a fresh frame count, got %d", current.Frames)
	}

	recent := l.Recent(0)
	if len(recent) != 1 {
		t.Fatalf("Expected 1 finished run, got %d", len(recent))
	}
	if recent[0].ID != "run-old" || recent[0].State != RunAborted {
		t.Errorf("Expected run-old aborted, got %s %s", recent[0].ID, recent[0].State)
	}
}

func TestHistoryBound(t *testing.T) {
	l := NewRunLog(3)

	for i := 0; i < 5; i++ {
		startRun(t, l, fmt.Sprintf("run-%03d", i))
		closeRun(t, l)
	}

	recent := l.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("Expected history capped at 3, got %d", len(recent))
	}
	if recent[0].ID != "run-004" {
		t.Errorf("Expected most recent run first, got %s", recent[0].ID)
	}
	if recent[2].ID != "run-002" {
		t.Errorf("Expected oldest retained run run-002, got %s", recent[2].ID)
	}

	limited := l.Recent(2)
	if len(limited) != 2 {
		t.Fatalf("Expected 2 runs with limit 2, got %d", len(limited))
	}
	if limited[0].ID != "run-004" {
		t.Errorf("Expected run-004 first, got %s", limited[0].ID)
	}

	totals := l.TotalsSnapshot()
	if totals.Started != 5 || totals.Completed != 5 {
		t.Errorf("Expected totals started=5 completed=5, got %+v", totals)
	}
}

func TestFramesOutsideRunIgnored(t *testing.T) {
	l := NewRunLog(0)

	if err := l.OnFrame(testFrame(0, 256)); err != nil {
		t.Fatalf("OnFrame failed: %v", err)
	}
	if _, ok := l.Current(); ok {
		t.Error("Expected no run to be opened by a stray frame")
	}

	startRun(t, l, "run-001")
	current, _ := l.Current()
	if current.Frames != 0 {
		t.Errorf("Expected stray frames not to carry over, got %d", current.Frames)
	}
}

func TestCloseAbortsOpenRun(t *testing.T) {
	l := NewRunLog(0)
	startRun(t, l, "run-001")

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recent := l.Recent(0)
	if len(recent) != 1 {
		t.Fatalf("Expected 1 finished run, got %d", len(recent))
	}
	if recent[0].State != RunAborted {
		t.Errorf("Expected state %s, got %s", RunAborted, recent[0].State)
	}

	// The log stays readable after Close.
	if got := l.TotalsSnapshot().Aborted; got != 1 {
		t.Errorf("Expected 1 aborted run in totals, got %d", got)
	}
}

func TestSignalsWithoutRunAreNoops(t *testing.T) {
	l := NewRunLog(0)

	signals := []struct {
		name  string
		value string
	}{
		{"driver.run_id", ""},
		{"driver.state", "idle"},
		{"driver.state", "error"},
		{"driver.state", "stopped"},
		{"detector.bias_voltage", "100"},
	}
	for _, s := range signals {
		if err := l.OnParameterUpdate(s.name, types.StringValue(s.value)); err != nil {
			t.Fatalf("OnParameterUpdate(%s) failed: %v", s.name, err)
		}
	}

	if _, ok := l.Current(); ok {
		t.Error("Expected no run to open")
	}
	if got := len(l.Recent(0)); got != 0 {
		t.Errorf("Expected empty history, got %d runs", got)
	}
	if totals := l.TotalsSnapshot(); totals != (Totals{}) {
		t.Errorf("Expected zero totals, got %+v", totals)
	}
}

func TestRunStateJSON(t *testing.T) {
	states := map[RunState]string{
		RunActive:    `"active"`,
		RunCompleted: `"completed"`,
		RunAborted:   `"aborted"`,
		RunFailed:    `"failed"`,
	}
	for state, want := range states {
		data, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(data) != want {
			t.Errorf("Expected %s, got %s", want, data)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := NewRunLog(0)
	startRun(t, l, "run-001")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = l.OnFrame(testFrame(uint64(base*100+i), 64))
				l.Current()
				l.Recent(5)
				l.TotalsSnapshot()
			}
		}(g)
	}
	wg.Wait()

	current, ok := l.Current()
	if !ok {
		t.Fatal("Expected the run to still be open")
	}
	if current.Frames != 400 {
		t.Errorf("Expected 400 frames, got %d", current.Frames)
	}
}
