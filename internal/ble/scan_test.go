package ble

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestScanner(t *testing.T) (*ScanController, *mockRadio, *fakeClock, *recorder) {
	t.Helper()
	radio := newMockRadio()
	clock := newFakeClock()
	rec := &recorder{}
	opts := DefaultScanOptions()
	opts.Now = clock.Now
	opts.AfterFunc = clock.AfterFunc
	return NewScanController(radio, rec, opts), radio, clock, rec
}

func mustStartScan(t *testing.T, c *ScanController) {
	t.Helper()
	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
}

func TestStartScanSchedulesTimeout(t *testing.T) {
	c, radio, clock, _ := newTestScanner(t)

	mustStartScan(t, c)

	if c.State() != ScanScanning {
		t.Errorf("State() = %v, want %v", c.State(), ScanScanning)
	}
	if !c.StartedAt().Equal(clock.Now()) {
		t.Errorf("StartedAt() = %v, want %v", c.StartedAt(), clock.Now())
	}
	if got := clock.lastTimer(t).d; got != 10*time.Second {
		t.Errorf("auto-stop scheduled after %v, want 10s", got)
	}
	if radio.acquireCalls != 1 {
		t.Errorf("AcquireScanner called %d times, want 1", radio.acquireCalls)
	}
	if radio.lastMode != ScanModeLowLatency {
		t.Errorf("scan mode = %v, want %v", radio.lastMode, ScanModeLowLatency)
	}
	if !radio.lastFilter.Empty() {
		t.Errorf("scan filter = %+v, want empty", radio.lastFilter)
	}
}

func TestObservationsAreDeduplicatedByID(t *testing.T) {
	c, radio, clock, rec := newTestScanner(t)
	mustStartScan(t, c)

	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")
	clock.Advance(time.Second)
	radio.SimulateObservation(t, "AA:AA:AA:AA:AA:AA", "")
	clock.Advance(time.Second)
	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor-v2")
	radio.SimulateObservation(t, "AA:AA:AA:AA:AA:AA", "")

	results := c.Results()
	if len(results) != 2 {
		t.Fatalf("len(Results()) = %d, want 2", len(results))
	}
	first := results[0]
	if first.ID != "11:22:33:44:55:66" || first.Name != "Sensor-v2" {
		t.Errorf("Results()[0] = %+v, want id 11:22:33:44:55:66 name Sensor-v2", first)
	}
	if !first.LastSeenAt.After(first.FirstSeenAt) {
		t.Errorf("LastSeenAt %v should be after FirstSeenAt %v", first.LastSeenAt, first.FirstSeenAt)
	}
	if results[1].ID != "AA:AA:AA:AA:AA:AA" {
		t.Errorf("Results()[1].ID = %q, want AA:AA:AA:AA:AA:AA", results[1].ID)
	}

	if len(rec.added) != 2 {
		t.Fatalf("OnDeviceAdded called %d times, want 2", len(rec.added))
	}
	if rec.added[0].Name != "Sensor" {
		t.Errorf("first OnDeviceAdded name = %q, want Sensor", rec.added[0].Name)
	}
}

func TestObservationWithoutNameKeepsKnownName(t *testing.T) {
	c, radio, _, _ := newTestScanner(t)
	mustStartScan(t, c)

	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")
	radio.SimulateObservation(t, "11:22:33:44:55:66", "")

	dev, ok := c.Lookup("11:22:33:44:55:66")
	if !ok {
		t.Fatal("Lookup() did not find device")
	}
	if dev.Name != "Sensor" {
		t.Errorf("Name = %q, want Sensor", dev.Name)
	}
}

func TestResultsStayUniqueForAnySequence(t *testing.T) {
	c, radio, _, _ := newTestScanner(t)
	mustStartScan(t, c)

	ids := []string{"a", "b", "a", "c", "b", "b", "d", "a", "c"}
	for _, id := range ids {
		radio.SimulateObservation(t, id, "")
	}

	want := []string{"a", "b", "c", "d"}
	got := c.Results()
	if len(got) != len(want) {
		t.Fatalf("len(Results()) = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Results()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestStartScanTwiceIsRejected(t *testing.T) {
	c, radio, _, _ := newTestScanner(t)
	mustStartScan(t, c)
	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")

	err := c.StartScan()
	if !errors.Is(err, ErrAlreadyScanning) {
		t.Fatalf("second StartScan() error = %v, want ErrAlreadyScanning", err)
	}
	if len(c.Results()) != 1 {
		t.Errorf("len(Results()) = %d after rejected StartScan, want 1", len(c.Results()))
	}
	if radio.acquireCalls != 1 {
		t.Errorf("AcquireScanner called %d times, want 1", radio.acquireCalls)
	}
}

func TestScanAutoStopsAfterTimeout(t *testing.T) {
	c, radio, clock, rec := newTestScanner(t)
	mustStartScan(t, c)

	clock.Advance(9 * time.Second)
	if c.State() != ScanScanning {
		t.Fatalf("State() at T+9s = %v, want scanning", c.State())
	}

	clock.Advance(time.Second)
	if c.State() != ScanStopped {
		t.Fatalf("State() at T+10s = %v, want stopped", c.State())
	}
	if radio.cancels() != 1 {
		t.Errorf("CancelScan called %d times, want 1", radio.cancels())
	}
	if got := rec.stopReasons(); len(got) != 1 || got[0] != StopTimeout {
		t.Errorf("stop reasons = %v, want [timeout]", got)
	}
}

func TestManualStopPreventsAutoStop(t *testing.T) {
	c, radio, clock, rec := newTestScanner(t)
	mustStartScan(t, c)
	timer := clock.lastTimer(t)

	clock.Advance(3 * time.Second)
	if err := c.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	clock.Advance(7 * time.Second)

	// A timer that fired just before Stop must be a no-op as well.
	timer.Fire()

	if got := rec.stopReasons(); len(got) != 1 || got[0] != StopManual {
		t.Errorf("stop reasons = %v, want [manual]", got)
	}
	if radio.cancels() != 1 {
		t.Errorf("CancelScan called %d times, want 1", radio.cancels())
	}
}

func TestStaleTimerDoesNotStopNextSession(t *testing.T) {
	c, _, clock, _ := newTestScanner(t)
	mustStartScan(t, c)
	stale := clock.lastTimer(t)

	if err := c.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	mustStartScan(t, c)

	stale.Fire()
	if c.State() != ScanScanning {
		t.Errorf("State() = %v after stale timer, want scanning", c.State())
	}
}

func TestStopScanWhenNotScanning(t *testing.T) {
	c, _, clock, _ := newTestScanner(t)

	if err := c.StopScan(); !errors.Is(err, ErrNotScanning) {
		t.Errorf("StopScan() before start error = %v, want ErrNotScanning", err)
	}

	mustStartScan(t, c)
	clock.Advance(10 * time.Second)

	if err := c.StopScan(); !errors.Is(err, ErrNotScanning) {
		t.Errorf("StopScan() after timeout error = %v, want ErrNotScanning", err)
	}
}

func TestStopAndTimeoutRaceStopsOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, radio, clock, rec := newTestScanner(t)
		mustStartScan(t, c)
		timer := clock.lastTimer(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.StopScan()
		}()
		go func() {
			defer wg.Done()
			timer.Fire()
		}()
		wg.Wait()

		if got := rec.stopReasons(); len(got) != 1 {
			t.Fatalf("iteration %d: stop notifications = %v, want exactly one", i, got)
		}
		if radio.cancels() != 1 {
			t.Fatalf("iteration %d: CancelScan called %d times, want 1", i, radio.cancels())
		}
	}
}

func TestStartScanRadioErrorsLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unavailable", ErrRadioUnavailable},
		{"disabled", ErrRadioDisabled},
		{"permission", ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, radio, clock, _ := newTestScanner(t)
			mustStartScan(t, c)
			radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")
			clock.Advance(10 * time.Second)

			radio.acquireErr = tt.err
			err := c.StartScan()
			if !errors.Is(err, tt.err) {
				t.Fatalf("StartScan() error = %v, want %v", err, tt.err)
			}
			if c.State() != ScanStopped {
				t.Errorf("State() = %v, want stopped", c.State())
			}
			if len(c.Results()) != 1 {
				t.Errorf("len(Results()) = %d, want previous session's 1", len(c.Results()))
			}
		})
	}
}

func TestStartScanRequestFailureLeavesIdle(t *testing.T) {
	c, radio, _, _ := newTestScanner(t)
	radio.scanErr = errors.New("busy")

	if err := c.StartScan(); err == nil {
		t.Fatal("StartScan() should fail when the scan request fails")
	}
	if c.State() != ScanIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
}

func TestNewSessionDiscardsResultsAndStaleObservations(t *testing.T) {
	c, radio, _, _ := newTestScanner(t)
	mustStartScan(t, c)
	radio.SimulateObservation(t, "old", "Old")
	if err := c.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}

	mustStartScan(t, c)
	if len(c.Results()) != 0 {
		t.Fatalf("len(Results()) = %d after restart, want 0", len(c.Results()))
	}

	// Late delivery on the first session's sink.
	radio.scanSink(t, 0).DeviceObserved("late", "Late", -70)
	radio.SimulateObservation(t, "new", "New")

	got := c.Results()
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Results() = %+v, want only the new device", got)
	}
}

func TestObservationAfterStopIsIgnored(t *testing.T) {
	c, radio, _, rec := newTestScanner(t)
	mustStartScan(t, c)
	if err := c.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}

	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")

	if len(c.Results()) != 0 || len(rec.added) != 0 {
		t.Errorf("observation after stop was recorded: results=%d added=%d", len(c.Results()), len(rec.added))
	}
}

func TestScanFailedStopsWithError(t *testing.T) {
	c, radio, clock, rec := newTestScanner(t)
	mustStartScan(t, c)

	radio.scanSink(t, 0).ScanFailed(ScanFailureInternal)

	if c.State() != ScanStopped {
		t.Fatalf("State() = %v, want stopped", c.State())
	}
	if got := rec.stopReasons(); len(got) != 1 || got[0] != StopError {
		t.Fatalf("stop reasons = %v, want [error]", got)
	}
	var sfe *ScanFailedError
	if !errors.As(rec.stopErrs[0], &sfe) || sfe.Code != ScanFailureInternal {
		t.Errorf("stop error = %v, want ScanFailedError code %d", rec.stopErrs[0], ScanFailureInternal)
	}
	if radio.cancels() != 0 {
		t.Errorf("CancelScan called %d times after radio failure, want 0", radio.cancels())
	}

	clock.Advance(10 * time.Second)
	if len(rec.stopReasons()) != 1 {
		t.Errorf("auto-stop fired after failure: %v", rec.stopReasons())
	}
}

func TestListenerMayStopFromCallback(t *testing.T) {
	radio := newMockRadio()
	clock := newFakeClock()
	var c *ScanController
	stopper := &stopOnFirst{}
	opts := DefaultScanOptions()
	opts.AfterFunc = clock.AfterFunc
	c = NewScanController(radio, stopper, opts)
	stopper.c = c

	mustStartScan(t, c)
	radio.SimulateObservation(t, "11:22:33:44:55:66", "Sensor")

	if c.State() != ScanStopped {
		t.Errorf("State() = %v, want stopped by listener", c.State())
	}
	if stopper.err != nil {
		t.Errorf("StopScan() from listener error = %v", stopper.err)
	}
}

type stopOnFirst struct {
	nopListener
	c   *ScanController
	err error
}

func (s *stopOnFirst) OnDeviceAdded(DiscoveredDevice) {
	s.err = s.c.StopScan()
}

// restartOnStop starts a new scan from the first OnScanStopped it sees.
type restartOnStop struct {
	nopListener
	c       *ScanController
	reasons []StopReason
	err     error
}

func (l *restartOnStop) OnScanStopped(reason StopReason, _ error) {
	l.reasons = append(l.reasons, reason)
	if len(l.reasons) == 1 {
		l.err = l.c.StartScan()
	}
}

func TestListenerMayRestartFromScanStopped(t *testing.T) {
	tests := []struct {
		name string
		stop func(t *testing.T, c *ScanController, radio *mockRadio, clock *fakeClock)
		want StopReason
	}{
		{
			name: "timeout",
			stop: func(_ *testing.T, _ *ScanController, _ *mockRadio, clock *fakeClock) {
				clock.Advance(DefaultScanTimeout)
			},
			want: StopTimeout,
		},
		{
			name: "manual",
			stop: func(t *testing.T, c *ScanController, _ *mockRadio, _ *fakeClock) {
				if err := c.StopScan(); err != nil {
					t.Errorf("StopScan() error = %v", err)
				}
			},
			want: StopManual,
		},
		{
			name: "radio failure",
			stop: func(t *testing.T, _ *ScanController, radio *mockRadio, _ *fakeClock) {
				radio.scanSink(t, 0).ScanFailed(ScanFailureInternal)
			},
			want: StopError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := newMockRadio()
			clock := newFakeClock()
			l := &restartOnStop{}
			opts := DefaultScanOptions()
			opts.AfterFunc = clock.AfterFunc
			c := NewScanController(radio, l, opts)
			l.c = c
			mustStartScan(t, c)

			within(t, "stop with restarting listener", func() { tt.stop(t, c, radio, clock) })

			if l.err != nil {
				t.Fatalf("StartScan() from OnScanStopped error = %v", l.err)
			}
			if len(l.reasons) != 1 || l.reasons[0] != tt.want {
				t.Errorf("stop reasons = %v, want [%v]", l.reasons, tt.want)
			}
			if c.State() != ScanScanning {
				t.Errorf("State() = %v, want scanning after restart", c.State())
			}
			if got := radio.scanSessions(); got != 2 {
				t.Errorf("scan requests = %d, want 2", got)
			}
		})
	}
}

func TestZeroScanOptionsUseDefaults(t *testing.T) {
	var mode ScanMode
	if mode != ScanModeLowLatency {
		t.Errorf("zero ScanMode = %v, want %v", mode, ScanModeLowLatency)
	}

	radio := newMockRadio()
	clock := newFakeClock()
	c := NewScanController(radio, nil, ScanOptions{AfterFunc: clock.AfterFunc})
	mustStartScan(t, c)

	if radio.lastMode != ScanModeLowLatency {
		t.Errorf("scan mode = %v, want %v", radio.lastMode, ScanModeLowLatency)
	}
	if got := clock.lastTimer(t).d; got != DefaultScanTimeout {
		t.Errorf("auto-stop scheduled after %v, want %v", got, DefaultScanTimeout)
	}
	if !radio.lastFilter.Empty() {
		t.Errorf("scan filter = %+v, want empty", radio.lastFilter)
	}
}

func TestParseScanMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ScanMode
		wantErr bool
	}{
		{"low_power", ScanModeLowPower, false},
		{"balanced", ScanModeBalanced, false},
		{"LOW_LATENCY", ScanModeLowLatency, false},
		{"", ScanModeLowLatency, false},
		{"turbo", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScanMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseScanMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseScanMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
