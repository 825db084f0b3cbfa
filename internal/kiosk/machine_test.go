package kiosk

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"EMS-backend/internal/capture"
	"EMS-backend/internal/facecheck"
	"EMS-backend/internal/shifts"
)

var jst = time.FixedZone("JST", 9*60*60)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func clockAt(h, m int) *fakeClock {
	return &fakeClock{t: time.Date(2025, 4, 1, h, m, 0, 0, jst)}
}

type fakeAPI struct {
	mu        sync.Mutex
	status    Status
	statusErr error

	ack       Ack
	submitErr error
	checkIns  []CheckInRequest
	checkOuts []CheckOutRequest
	submits   atomic.Int32

	// gate が非nilなら送信をそこで止める
	gate    chan struct{}
	entered chan struct{}

	latest      *LatestOvertime
	overtimes   []OvertimeRequest
	overtimeAck Ack
	overtimeErr error
}

func (f *fakeAPI) Status(context.Context, string, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeAPI) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeAPI) CheckIn(_ context.Context, req CheckInRequest) (Ack, error) {
	f.submits.Add(1)
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIns = append(f.checkIns, req)
	return f.ack, f.submitErr
}

func (f *fakeAPI) CheckOut(_ context.Context, req CheckOutRequest) (Ack, error) {
	f.submits.Add(1)
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkOuts = append(f.checkOuts, req)
	return f.ack, f.submitErr
}

func (f *fakeAPI) RequestOvertime(_ context.Context, req OvertimeRequest) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overtimes = append(f.overtimes, req)
	return f.overtimeAck, f.overtimeErr
}

func (f *fakeAPI) LatestOvertime(context.Context, string) (*LatestOvertime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

type stubCamera struct{}

func (stubCamera) Frame(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

type stubDetector struct{ boxes []facecheck.Box }

func (d stubDetector) DetectFaces(context.Context, image.Image) ([]facecheck.Box, error) {
	return d.boxes, nil
}

var region = facecheck.Region{CenterX: 32, CenterY: 24, RadiusX: 10, RadiusY: 15}

func goodFace() facecheck.Box {
	area := region.Area() * 0.5
	w := 10.0
	h := area / w
	return facecheck.Box{X: region.CenterX - w/2, Y: region.CenterY - h/2, Width: w, Height: h}
}

type harness struct {
	m        *Machine
	api      *fakeAPI
	clock    *fakeClock
	sessions []*capture.Session
	shifts   []string
	loadErr  error
	// interval > 0 ならセッションをバックグラウンドでポーリングさせる
	interval time.Duration
}

func newHarness(t *testing.T, mode Mode, clock *fakeClock) *harness {
	t.Helper()
	h := &harness{api: &fakeAPI{ack: Ack{Success: true}}, clock: clock}
	factory := func(shift string) *capture.Session {
		h.shifts = append(h.shifts, shift)
		loadErr := h.loadErr
		s := capture.NewSession(capture.Options{
			Shift:  shift,
			Camera: stubCamera{},
			Loader: capture.LoaderFunc(func(context.Context) (capture.Detector, error) {
				if loadErr != nil {
					return nil, loadErr
				}
				return stubDetector{boxes: []facecheck.Box{goodFace()}}, nil
			}),
			Region:   region,
			Clock:    clock,
			Interval: h.interval,
		})
		h.sessions = append(h.sessions, s)
		return s
	}
	h.m = NewMachine(Config{Mode: mode, Shifts: shifts.DefaultShifts(), Location: jst}, h.api, StaticUser("E001"), factory).WithClock(clock)
	t.Cleanup(h.m.Leave)
	return h
}

// captureNow: 現在のセッションで顔を検出して撮影まで進める
func (h *harness) captureNow(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	s := h.sessions[len(h.sessions)-1]
	s.Poll(ctx)
	if err := h.m.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
}

func (h *harness) enterAndSelect(t *testing.T, shift string) {
	t.Helper()
	ctx := context.Background()
	if err := h.m.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := h.m.SelectShift(ctx, shift); err != nil {
		t.Fatalf("SelectShift: %v", err)
	}
	h.captureNow(t)
}

func TestAlreadyCheckedInShortCircuits(t *testing.T) {
	cases := []struct {
		name   string
		clock  *fakeClock
		status Status
		next   Action
	}{
		{"checked in", clockAt(9, 0), Status{CheckedIn: true}, ActionCheckOut},
		{"checked in and out", clockAt(19, 0), Status{CheckedIn: true, CheckedOut: true}, ActionDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, ModeCheckIn, tc.clock)
			h.api.status = tc.status

			if err := h.m.Enter(context.Background()); err != nil {
				t.Fatal(err)
			}
			v := h.m.Snapshot()
			if v.State != StateAlreadyDone || v.Message == "" {
				t.Fatalf("got %+v", v)
			}
			if len(v.NextActions) != 1 || v.NextActions[0] != tc.next {
				t.Fatalf("next = %v, want [%s]", v.NextActions, tc.next)
			}
			if err := h.m.SelectShift(context.Background(), shifts.Morning); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("SelectShift err = %v", err)
			}
		})
	}
}

func TestClockTicksUntilLeave(t *testing.T) {
	clock := clockAt(8, 29)
	h := newHarness(t, ModeCheckIn, clock)
	if err := h.m.Enter(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.State() != StateIdle {
		t.Fatalf("08:29: state = %s", h.m.State())
	}

	h.m.StartClock(context.Background(), 5*time.Millisecond)
	clock.set(time.Date(2025, 4, 1, 8, 30, 0, 0, jst))

	deadline := time.Now().Add(2 * time.Second)
	for h.m.State() != StateShiftSelectionOffered {
		if time.Now().After(deadline) {
			t.Fatal("clock tick never offered the opened shift")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.m.Leave()
	// 実行中だった tick が抜けるのを待つ
	time.Sleep(20 * time.Millisecond)
	before := h.m.Snapshot().Availability

	clock.set(time.Date(2025, 4, 1, 18, 1, 0, 0, jst))
	time.Sleep(50 * time.Millisecond)
	after := h.m.Snapshot().Availability
	if len(after) != len(before) || after[0].Reason != before[0].Reason || after[0].Reason != shifts.ReasonOpen {
		t.Fatalf("availability changed after Leave: before=%+v after=%+v", before, after)
	}
}

func TestDetectionKeepsRunningAfterActionContextEnds(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.interval = 5 * time.Millisecond
	if err := h.m.Enter(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.m.SelectShift(ctx, shifts.Morning); err != nil {
		t.Fatal(err)
	}
	cancel()

	s := h.sessions[len(h.sessions)-1]
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != capture.StateReadyToCapture {
		if time.Now().After(deadline) {
			t.Fatalf("machine=%s session=%s", h.m.State(), s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.m.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.State() != StateSucceeded {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestNoShiftOpenStaysIdleUntilTick(t *testing.T) {
	clock := clockAt(8, 0)
	h := newHarness(t, ModeCheckIn, clock)

	_ = h.m.Enter(context.Background())
	v := h.m.Snapshot()
	if v.State != StateIdle || v.Message == "" {
		t.Fatalf("08:00: %+v", v)
	}
	if v.Availability[0].Reason != shifts.ReasonTooEarly || v.Availability[0].ETAMinutes() != 30 {
		t.Fatalf("availability = %+v", v.Availability[0])
	}

	clock.set(time.Date(2025, 4, 1, 8, 30, 0, 0, jst))
	h.m.Tick(clock.Now())
	if h.m.State() != StateShiftSelectionOffered {
		t.Fatalf("08:30: state = %s", h.m.State())
	}

	clock.set(time.Date(2025, 4, 1, 18, 1, 0, 0, jst))
	h.m.Tick(clock.Now())
	if h.m.State() != StateIdle {
		t.Fatalf("18:01: state = %s", h.m.State())
	}
}

func TestSelectUnavailableShiftRejected(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(9, 0))
	_ = h.m.Enter(context.Background())

	// 午前は開いているが午後はまだ
	err := h.m.SelectShift(context.Background(), shifts.Afternoon)
	if !errors.Is(err, ErrShiftUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if h.m.State() != StateShiftSelectionOffered || len(h.sessions) != 0 {
		t.Fatal("rejected selection must not start capturing")
	}
}

func TestCheckInHappyPath(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.enterAndSelect(t, shifts.Morning)

	if err := h.m.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v := h.m.Snapshot()
	if v.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", v.State, v.Message)
	}
	if len(v.NextActions) != 1 || v.NextActions[0] != ActionCheckOut {
		t.Fatalf("next = %v", v.NextActions)
	}
	if len(h.api.checkIns) != 1 {
		t.Fatalf("check-ins = %d", len(h.api.checkIns))
	}
	got := h.api.checkIns[0]
	if got.EmployeeID != "E001" || got.Shift != shifts.Morning || got.Date != "2025-04-01" || got.Time != "08:45:00" || len(got.Photo) == 0 {
		t.Fatalf("request = %+v", got)
	}
}

func TestDoubleSubmitSendsOnce(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.gate = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)
	h.enterAndSelect(t, shifts.Morning)

	done := make(chan error, 1)
	go func() { done <- h.m.Submit(context.Background()) }()
	<-h.api.entered

	if err := h.m.Submit(context.Background()); !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("second Submit err = %v", err)
	}
	if h.m.State() != StateSubmitting {
		t.Fatalf("state = %s", h.m.State())
	}
	close(h.api.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := h.api.submits.Load(); n != 1 {
		t.Fatalf("submissions = %d, want 1", n)
	}
}

func TestShiftClosedDuringCaptureAborts(t *testing.T) {
	clock := clockAt(18, 0)
	h := newHarness(t, ModeCheckIn, clock)
	h.enterAndSelect(t, shifts.Morning)

	clock.set(time.Date(2025, 4, 1, 18, 2, 0, 0, jst))
	if err := h.m.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	v := h.m.Snapshot()
	if v.State != StateFailed || v.Failure != FailurePolicy {
		t.Fatalf("got %+v", v)
	}
	if h.api.submits.Load() != 0 {
		t.Fatal("closed shift must not reach the server")
	}
	if v.CanRetry || v.CanRecapture {
		t.Fatalf("retry=%v recapture=%v", v.CanRetry, v.CanRecapture)
	}
	if err := h.m.Recapture(context.Background()); err != ErrInvalidState {
		t.Fatalf("recapture = %v", err)
	}
}

func TestServerRejectionSurfacesMessage(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.submitErr = &RejectedError{StatusCode: 409, Code: "CONFLICT", Message: "already checked in for 2025-04-01"}
	h.enterAndSelect(t, shifts.Morning)

	_ = h.m.Submit(context.Background())
	v := h.m.Snapshot()
	if v.State != StateFailed || v.Failure != FailureServer || v.Message != "already checked in for 2025-04-01" {
		t.Fatalf("got %+v", v)
	}
	if v.CanRetry {
		t.Fatal("server rejection must not offer resubmitting the same photo")
	}

	// 新しいセッションで撮り直し。シフトは保持
	h.api.submitErr = nil
	if err := h.m.Recapture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.State() != StateCapturing || len(h.sessions) != 2 || h.shifts[1] != shifts.Morning {
		t.Fatalf("state=%s sessions=%d shifts=%v", h.m.State(), len(h.sessions), h.shifts)
	}
	h.captureNow(t)
	_ = h.m.Submit(context.Background())
	if h.m.State() != StateSucceeded {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestSuccessFalseAckIsRejection(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.ack = Ack{Success: false, Message: "photo rejected"}
	h.enterAndSelect(t, shifts.Morning)

	_ = h.m.Submit(context.Background())
	v := h.m.Snapshot()
	if v.Failure != FailureServer || v.Message != "photo rejected" {
		t.Fatalf("got %+v", v)
	}
}

func TestTransportFailureKeepsPhotoForRetry(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.submitErr = errors.New("dial tcp: connection refused")
	h.enterAndSelect(t, shifts.Morning)

	_ = h.m.Submit(context.Background())
	v := h.m.Snapshot()
	if v.State != StateFailed || v.Failure != FailureTransp || !v.CanRetry {
		t.Fatalf("got %+v", v)
	}

	h.api.submitErr = nil
	if err := h.m.Retry(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.m.State() != StateSucceeded {
		t.Fatalf("state = %s", h.m.State())
	}
	if len(h.sessions) != 1 {
		t.Fatal("retry must not start a new capture session")
	}
	if len(h.api.checkIns) != 2 || string(h.api.checkIns[0].Photo) != string(h.api.checkIns[1].Photo) {
		t.Fatal("retry must resend the same photo")
	}
}

func TestDetectorLoadFailureIsFatal(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.loadErr = errors.New("model download failed")
	_ = h.m.Enter(context.Background())
	if err := h.m.SelectShift(context.Background(), shifts.Morning); err != nil {
		t.Fatal(err)
	}
	v := h.m.Snapshot()
	if v.State != StateFailed || v.Failure != FailureInit {
		t.Fatalf("got %+v", v)
	}
	if err := h.m.Capture(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Capture err = %v", err)
	}
}

func TestStatusCheckFailure(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.statusErr = errors.New("timeout")
	_ = h.m.Enter(context.Background())
	v := h.m.Snapshot()
	if v.State != StateFailed || v.Failure != FailureTransp || v.CanRetry || v.CanRecapture {
		t.Fatalf("got %+v", v)
	}

	h.api.statusErr = nil
	_ = h.m.Enter(context.Background())
	if h.m.State() != StateShiftSelectionOffered {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestCheckOutFlow(t *testing.T) {
	h := newHarness(t, ModeCheckOut, clockAt(18, 30))
	h.api.status = Status{CheckedIn: true, Shift: shifts.Morning}
	ctx := context.Background()

	_ = h.m.Enter(ctx)
	if h.m.State() != StateIdle {
		t.Fatalf("state = %s", h.m.State())
	}
	if err := h.m.BeginCheckOut(ctx); err != nil {
		t.Fatal(err)
	}
	if h.shifts[0] != "" {
		t.Fatalf("check-out session bound to shift %q", h.shifts[0])
	}
	h.captureNow(t)
	_ = h.m.Submit(ctx)

	v := h.m.Snapshot()
	if v.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", v.State, v.Message)
	}
	if len(v.NextActions) != 2 || v.NextActions[0] != ActionDone || v.NextActions[1] != ActionRequestOvertime {
		t.Fatalf("next = %v", v.NextActions)
	}
	if len(h.api.checkOuts) != 1 || h.api.checkOuts[0].Time != "18:30:00" {
		t.Fatalf("check-outs = %+v", h.api.checkOuts)
	}
}

func TestCheckOutPreChecks(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		want   State
	}{
		{"not checked in", Status{}, StateNotCheckedIn},
		{"already checked out", Status{CheckedIn: true, CheckedOut: true}, StateAlreadyDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, ModeCheckOut, clockAt(18, 30))
			h.api.status = tc.status
			_ = h.m.Enter(context.Background())
			v := h.m.Snapshot()
			if v.State != tc.want {
				t.Fatalf("state = %s, want %s", v.State, tc.want)
			}
			for _, a := range v.NextActions {
				if a == ActionRequestOvertime {
					t.Fatal("overtime must not be offered after an earlier check-out")
				}
			}
			if err := h.m.BeginCheckOut(context.Background()); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("BeginCheckOut err = %v", err)
			}
		})
	}
}

func TestLeaveDuringCaptureStopsSession(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	_ = h.m.Enter(context.Background())
	_ = h.m.SelectShift(context.Background(), shifts.Morning)

	h.m.Leave()
	if got := h.sessions[0].State(); got != capture.StateClosed {
		t.Fatalf("session state = %s", got)
	}
	if err := h.m.Submit(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Submit after Leave err = %v", err)
	}
}

func TestLeaveDuringSubmitLetsRequestFinish(t *testing.T) {
	h := newHarness(t, ModeCheckIn, clockAt(8, 45))
	h.api.gate = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)
	h.enterAndSelect(t, shifts.Morning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Submit(ctx) }()
	<-h.api.entered

	h.m.Leave()
	cancel()
	close(h.api.gate)
	<-done

	if len(h.api.checkIns) != 1 {
		t.Fatal("in-flight request should complete")
	}
	if h.m.State() != StateLeft {
		t.Fatalf("state = %s", h.m.State())
	}
}
