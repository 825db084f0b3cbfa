package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"EMS-backend/internal/facecheck"
)

type State string

const (
	StateInitializing   State = "Initializing"
	StateDetecting      State = "Detecting"
	StateReadyToCapture State = "ReadyToCapture"
	StateCaptured       State = "Captured"
	StateSubmitted      State = "Submitted"
	StateClosed         State = "Closed"
	StateFatal          State = "Fatal"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxWidth    = 640
	DefaultJPEGQuality = 85
)

var (
	ErrDetectorUnavailable = errors.New("face detector is not available")
	ErrNotReady            = errors.New("face is not in position")
	ErrNotCaptured         = errors.New("no photo has been captured")
	ErrAlreadyStarted      = errors.New("capture session already started")
)

// ===== 外部依存 =====

// Detector: 顔検出モデル（ブラックボックス）。0..N 個の枠を返す
type Detector interface {
	DetectFaces(ctx context.Context, frame image.Image) ([]facecheck.Box, error)
}

// DetectorLoader はセッション開始時に1回だけ呼ばれる
type DetectorLoader interface {
	Load(ctx context.Context) (Detector, error)
}

type LoaderFunc func(ctx context.Context) (Detector, error)

func (f LoaderFunc) Load(ctx context.Context) (Detector, error) { return f(ctx) }

// Camera: 現在の映像フレーム。ポーリングと撮影から並行に呼ばれる
type Camera interface {
	Frame(ctx context.Context) (image.Image, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ===== Session =====

// Result は撮影した写真。Retake で破棄、Submit で呼び出し側へ渡す
type Result struct {
	Image       []byte
	ContentType string
	Shift       string
	CapturedAt  time.Time
}

type Options struct {
	Shift  string // 退勤時は空
	Camera Camera
	Loader DetectorLoader
	Region facecheck.Region
	// 0 以下ならバックグラウンドのポーリングはしない（Poll を手動で呼ぶ）
	Interval    time.Duration
	Clock       Clock
	MaxWidth    int
	JPEGQuality int
}

type Snapshot struct {
	State     State
	Detection facecheck.Result
	Guidance  string
	HasPhoto  bool
	Err       error
}

type Session struct {
	opt Options

	mu       sync.Mutex
	state    State
	detector Detector
	last     facecheck.Result
	result   *Result
	err      error

	base   context.Context
	cancel context.CancelFunc
	// Capture/Retake ごとに進める。古いフレームの検出結果を捨てるため
	gen uint64
}

func NewSession(opt Options) *Session {
	if opt.Clock == nil {
		opt.Clock = realClock{}
	}
	if opt.MaxWidth <= 0 {
		opt.MaxWidth = DefaultMaxWidth
	}
	if opt.JPEGQuality <= 0 || opt.JPEGQuality > 100 {
		opt.JPEGQuality = DefaultJPEGQuality
	}
	return &Session{opt: opt, state: StateInitializing, last: facecheck.Result{Status: facecheck.StatusNoFace}}
}

// Start: 検出器を読み込んでポーリングを始める。
// 読み込みに失敗したら Fatal のまま。検出なしで撮影させることはしない。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	var (
		d   Detector
		err error
	)
	if s.opt.Loader == nil || s.opt.Camera == nil {
		err = errors.New("camera or detector loader not configured")
	} else {
		d, err = s.opt.Loader.Load(ctx)
		if err == nil && d == nil {
			err = errors.New("loader returned no detector")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		// 読み込み中に Close された
		return ErrDetectorUnavailable
	}
	if err != nil {
		s.state = StateFatal
		s.err = fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
		log.Printf("[ERROR] capture: %v", s.err)
		return s.err
	}
	s.detector = d
	s.state = StateDetecting
	// ポーリングは Close でだけ止める。Start に渡された ctx は読み込みにだけ効く
	s.base = context.WithoutCancel(ctx)
	s.startPollingLocked()
	return nil
}

func (s *Session) startPollingLocked() {
	if s.opt.Interval <= 0 || s.base == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	go s.loop(ctx, s.opt.Interval)
}

func (s *Session) stopPollingLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Poll(ctx)
		}
	}
}

func polling(st State) bool { return st == StateDetecting || st == StateReadyToCapture }

// Poll: 1回分の検出。Detecting/ReadyToCapture 以外では何もしない
func (s *Session) Poll(ctx context.Context) facecheck.Result {
	s.mu.Lock()
	if !polling(s.state) {
		last := s.last
		s.mu.Unlock()
		return last
	}
	det, gen := s.detector, s.gen
	s.mu.Unlock()

	var boxes []facecheck.Box
	frame, err := s.opt.Camera.Frame(ctx)
	if err == nil {
		boxes, err = det.DetectFaces(ctx, frame)
	}
	if err != nil {
		// 一時的な失敗は「顔なし」として扱い、次のtickで再評価する
		if ctx.Err() == nil {
			log.Printf("[WARN] capture: detection failed: %v", err)
		}
		boxes = nil
	}
	res := facecheck.Validate(facecheck.Frame{Boxes: boxes, Timestamp: s.opt.Clock.Now()}, s.opt.Region)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !polling(s.state) {
		return res
	}
	s.last = res
	if res.Status == facecheck.StatusDetected && res.InPosition {
		s.state = StateReadyToCapture
	} else {
		s.state = StateDetecting
	}
	return res
}

// Capture: ReadyToCapture のときだけ受け付ける。それ以外は状態を変えずに ErrNotReady
func (s *Session) Capture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReadyToCapture:
	case StateFatal:
		return s.err
	default:
		return ErrNotReady
	}

	frame, err := s.opt.Camera.Frame(ctx)
	if err != nil {
		return fmt.Errorf("read camera frame: %w", err)
	}
	img, err := encodeJPEG(frame, s.opt.MaxWidth, s.opt.JPEGQuality)
	if err != nil {
		return fmt.Errorf("encode photo: %w", err)
	}

	s.stopPollingLocked()
	s.gen++
	s.result = &Result{
		Image:       img,
		ContentType: "image/jpeg",
		Shift:       s.opt.Shift,
		CapturedAt:  s.opt.Clock.Now(),
	}
	s.state = StateCaptured
	return nil
}

// Retake: 撮影済みの写真を捨てて検出に戻る
func (s *Session) Retake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCaptured {
		return ErrNotCaptured
	}
	s.result = nil
	s.gen++
	s.last = facecheck.Result{Status: facecheck.StatusNoFace}
	s.state = StateDetecting
	s.startPollingLocked()
	return nil
}

// Submit: 写真の所有権を呼び出し側へ移す。以降このセッションは使えない
func (s *Session) Submit() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCaptured || s.result == nil {
		return nil, ErrNotCaptured
	}
	r := s.result
	s.result = nil
	s.state = StateSubmitted
	return r, nil
}

// Close: ポーリングを止める。画面離脱時に必ず呼ぶ
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopPollingLocked()
	s.gen++
	s.result = nil
	if s.state != StateSubmitted && s.state != StateFatal {
		s.state = StateClosed
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Detection: s.last, HasPhoto: s.result != nil, Err: s.err}
	if polling(s.state) {
		snap.Guidance = s.last.Guidance()
	}
	return snap
}

func encodeJPEG(frame image.Image, maxWidth, quality int) ([]byte, error) {
	if frame == nil {
		return nil, errors.New("empty frame")
	}
	img := frame
	if w := frame.Bounds().Dx(); maxWidth > 0 && w > maxWidth {
		img = imaging.Resize(frame, maxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
