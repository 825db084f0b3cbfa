// Package kiosk は出勤・退勤画面の状態遷移を持つ。
//
//	Idle → ShiftSelectionOffered → Capturing → Submitting → Succeeded | Failed
//
// シフト窓・顔位置の判定は shifts / facecheck の純関数に任せ、ここでは順序と
// サーバへの送信だけを扱う。ドメイン上の失敗（締切、打刻済み、通信障害など）は
// すべて State と Message に落とし、エラーとして外へは出さない。
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"EMS-backend/internal/capture"
	"EMS-backend/internal/shifts"
)

type Mode string

const (
	ModeCheckIn  Mode = "check-in"
	ModeCheckOut Mode = "check-out"
)

type State string

const (
	StateIdle                  State = "Idle"
	StateAlreadyDone           State = "AlreadyDone"
	StateNotCheckedIn          State = "NotCheckedIn"
	StateShiftSelectionOffered State = "ShiftSelectionOffered"
	StateCapturing             State = "Capturing"
	StateSubmitting            State = "Submitting"
	StateSucceeded             State = "Succeeded"
	StateFailed                State = "Failed"
	StateLeft                  State = "Left"
)

type FailureKind string

const (
	FailureNone   FailureKind = ""
	FailureInit   FailureKind = "Init"
	FailurePolicy FailureKind = "PolicyRejection"
	FailureServer FailureKind = "ServerRejection"
	FailureTransp FailureKind = "Transport"
)

type Action string

const (
	ActionCheckOut        Action = "CheckOut"
	ActionDone            Action = "Done"
	ActionRequestOvertime Action = "RequestOvertime"
)

// 画面操作が今の状態では受け付けられないときのエラー
var (
	ErrInvalidState     = errors.New("action not allowed in current state")
	ErrShiftUnavailable = errors.New("shift is not available")
	ErrSubmitInFlight   = errors.New("submission already in progress")
)

// SessionFactory: シフト名（退勤は空）に紐づく新しい撮影セッション
type SessionFactory func(shift string) *capture.Session

type Config struct {
	Mode     Mode
	Shifts   []shifts.Shift
	Location *time.Location
}

type View struct {
	Mode         Mode
	State        State
	Shift        string
	Availability []shifts.Availability
	Message      string
	Failure      FailureKind
	NextActions  []Action
	Capture      *capture.Snapshot
	CanRetry     bool
	CanRecapture bool
}

type Machine struct {
	cfg        Config
	api        API
	user       CurrentUser
	clock      Clock
	newSession SessionFactory

	mu           sync.Mutex
	state        State
	ready        bool // 状態確認済みで、操作を提示してよい
	availability []shifts.Availability
	shift        string
	session      *capture.Session
	pending      *capture.Result // 通信障害時の再送用
	failedAt     State
	message      string
	failure      FailureKind
	next         []Action
	stopClock    context.CancelFunc
}

func NewMachine(cfg Config, api API, user CurrentUser, newSession SessionFactory) *Machine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Shifts) == 0 {
		cfg.Shifts = shifts.DefaultShifts()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCheckIn
	}
	return &Machine{
		cfg:        cfg,
		api:        api,
		user:       user,
		clock:      realClock{},
		newSession: newSession,
		state:      StateIdle,
	}
}

// WithClock: テスト用
func (m *Machine) WithClock(c Clock) *Machine {
	m.clock = c
	return m
}

func (m *Machine) now() time.Time { return m.clock.Now().In(m.cfg.Location) }

// Enter: Idle に入り、サーバで打刻状況を確認する。
// 済んでいれば再表示せず AlreadyDone へ（リロードでの二重打刻防止）。
func (m *Machine) Enter(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateCapturing, StateSubmitting:
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.resetLocked()
	m.setStateLocked(StateIdle)
	m.availability = shifts.EvaluateAll(m.cfg.Shifts, m.now())
	emp := m.user.EmployeeID()
	date := m.now().Format(DateLayout)
	m.mu.Unlock()

	if emp == "" {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.failLocked(FailureInit, "no employee is signed in")
		return nil
	}

	st, err := m.api.Status(ctx, emp, date)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return nil
	}
	if err != nil {
		m.failLocked(kindOf(err), "could not load attendance status: "+messageOf(err))
		return nil
	}

	switch m.cfg.Mode {
	case ModeCheckIn:
		if st.CheckedIn && st.CheckedOut {
			m.message = "You have already checked in and out today."
			m.next = []Action{ActionDone}
			m.setStateLocked(StateAlreadyDone)
			return nil
		}
		if st.CheckedIn {
			m.message = "You have already checked in today."
			m.next = []Action{ActionCheckOut}
			m.setStateLocked(StateAlreadyDone)
			return nil
		}
		m.ready = true
		m.offerShiftsLocked()
	case ModeCheckOut:
		if !st.CheckedIn {
			m.message = "You have not checked in today."
			m.setStateLocked(StateNotCheckedIn)
			return nil
		}
		if st.CheckedOut {
			m.message = "You have already checked out today."
			m.next = []Action{ActionDone}
			m.setStateLocked(StateAlreadyDone)
			return nil
		}
		m.ready = true
		m.shift = st.Shift
	}
	return nil
}

// Tick: 時計の更新。シフト窓を再計算し、開閉に応じて選択画面を出し入れする
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = shifts.EvaluateAll(m.cfg.Shifts, now.In(m.cfg.Location))
	if m.cfg.Mode != ModeCheckIn || !m.ready {
		return
	}
	switch m.state {
	case StateIdle, StateShiftSelectionOffered:
		m.offerShiftsLocked()
	}
}

// StartClock: interval ごとに Tick する。Leave か ctx のキャンセルで止まる
func (m *Machine) StartClock(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopClock != nil {
		m.stopClock()
	}
	m.stopClock = cancel
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if ctx.Err() != nil {
					return
				}
				m.Tick(m.clock.Now())
			}
		}
	}()
}

func (m *Machine) offerShiftsLocked() {
	if shifts.AnyAvailable(m.availability) {
		if m.state != StateShiftSelectionOffered {
			m.message = ""
			m.setStateLocked(StateShiftSelectionOffered)
		}
		return
	}
	m.message = "No shift is open for check-in right now."
	if m.state != StateIdle {
		m.setStateLocked(StateIdle)
	}
}

// SelectShift: 選択画面を開いている間に窓が閉じることがあるので、ここでも再判定する
func (m *Machine) SelectShift(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.cfg.Mode != ModeCheckIn || m.state != StateShiftSelectionOffered {
		m.mu.Unlock()
		return ErrInvalidState
	}
	sh, err := shifts.Find(m.cfg.Shifts, name)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrShiftUnavailable, err)
	}
	if av := shifts.Evaluate(sh, m.now()); !av.IsAvailable {
		m.message = fmt.Sprintf("The %s shift is not available.", sh.Name)
		m.availability = shifts.EvaluateAll(m.cfg.Shifts, m.now())
		m.offerShiftsLocked()
		m.mu.Unlock()
		return ErrShiftUnavailable
	}
	m.shift = sh.Name
	s := m.openSessionLocked()
	m.mu.Unlock()

	m.startSession(ctx, s)
	return nil
}

// BeginCheckOut: 退勤はシフト選択なしで撮影へ
func (m *Machine) BeginCheckOut(ctx context.Context) error {
	m.mu.Lock()
	if m.cfg.Mode != ModeCheckOut || m.state != StateIdle || !m.ready {
		m.mu.Unlock()
		return ErrInvalidState
	}
	s := m.openSessionLocked()
	m.mu.Unlock()

	m.startSession(ctx, s)
	return nil
}

func (m *Machine) openSessionLocked() *capture.Session {
	shift := ""
	if m.cfg.Mode == ModeCheckIn {
		shift = m.shift
	}
	s := m.newSession(shift)
	m.session = s
	m.message = ""
	m.failure = FailureNone
	m.setStateLocked(StateCapturing)
	return s
}

func (m *Machine) startSession(ctx context.Context, s *capture.Session) {
	err := s.Start(ctx)
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s || m.state != StateCapturing {
		return
	}
	s.Close()
	m.session = nil
	m.failedAt = StateCapturing
	m.failLocked(FailureInit, "Face detection could not be started. Reload and try again.")
}

func (m *Machine) Capture(ctx context.Context) error {
	s, err := m.activeSession()
	if err != nil {
		return err
	}
	return s.Capture(ctx)
}

func (m *Machine) Retake() error {
	s, err := m.activeSession()
	if err != nil {
		return err
	}
	return s.Retake()
}

func (m *Machine) activeSession() (*capture.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCapturing || m.session == nil {
		return nil, ErrInvalidState
	}
	return m.session, nil
}

// Submit: 撮影済みの写真を送る。送信中は Submitting 状態そのものが二重送信を防ぐ
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateSubmitting:
		m.mu.Unlock()
		return ErrSubmitInFlight
	case StateCapturing:
	default:
		m.mu.Unlock()
		return ErrInvalidState
	}
	res, err := m.session.Submit()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.session.Close()
	m.session = nil
	m.pending = res
	return m.sendLocked(ctx)
}

// Retry: 通信障害で失敗した送信を、同じ写真でもう一度送る
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateFailed || m.pending == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	return m.sendLocked(ctx)
}

// Recapture: 新しい撮影セッションでやり直す。選んだシフトは保持
func (m *Machine) Recapture(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateFailed || (m.failedAt != StateSubmitting && m.failedAt != StateCapturing) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.pending = nil
	s := m.openSessionLocked()
	m.mu.Unlock()

	m.startSession(ctx, s)
	return nil
}

// sendLocked は m.mu を保持した状態で呼び、戻る前に解放する
func (m *Machine) sendLocked(ctx context.Context) error {
	m.setStateLocked(StateSubmitting)
	m.failedAt = StateSubmitting
	m.message = ""
	m.failure = FailureNone

	now := m.now()
	photo := m.pending
	emp := m.user.EmployeeID()
	mode := m.cfg.Mode
	shift := m.shift

	if mode == ModeCheckIn {
		sh, err := shifts.Find(m.cfg.Shifts, shift)
		if err != nil || !shifts.Evaluate(sh, now).IsAvailable {
			// 撮り直しても同じシフトでは通らないので、Enter からやり直す
			m.pending = nil
			m.failedAt = ""
			m.failLocked(FailurePolicy, fmt.Sprintf("The %s shift is no longer available.", shift))
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	// 画面を離れても送信は取り消さない
	ctx = context.WithoutCancel(ctx)
	var (
		ack Ack
		err error
	)
	if mode == ModeCheckIn {
		ack, err = m.api.CheckIn(ctx, CheckInRequest{
			EmployeeID: emp,
			Date:       now.Format(DateLayout),
			Time:       now.Format(TimeLayout),
			Photo:      photo.Image,
			Shift:      shift,
		})
	} else {
		ack, err = m.api.CheckOut(ctx, CheckOutRequest{
			EmployeeID: emp,
			Date:       now.Format(DateLayout),
			Time:       now.Format(TimeLayout),
			Photo:      photo.Image,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSubmitting {
		// Leave 済み。結果は画面に出さない
		m.pending = nil
		return nil
	}
	switch {
	case err == nil && ack.Success:
		m.pending = nil
		m.message = ack.Message
		if m.message == "" {
			if mode == ModeCheckIn {
				m.message = fmt.Sprintf("Checked in for the %s shift.", shift)
			} else {
				m.message = "Checked out."
			}
		}
		if mode == ModeCheckIn {
			m.next = []Action{ActionCheckOut}
		} else {
			m.next = []Action{ActionDone, ActionRequestOvertime}
		}
		m.setStateLocked(StateSucceeded)
	case err == nil:
		m.pending = nil
		m.failLocked(FailureServer, ack.Message)
	default:
		kind := kindOf(err)
		if kind != FailureTransp {
			m.pending = nil
		}
		m.failLocked(kind, messageOf(err))
	}
	return nil
}

// Leave: 画面離脱。撮影中ならポーリングを止める。送信中のリクエストはそのまま完了させる
func (m *Machine) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopClock != nil {
		m.stopClock()
		m.stopClock = nil
	}
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.setStateLocked(StateLeft)
}

func (m *Machine) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		Mode:         m.cfg.Mode,
		State:        m.state,
		Shift:        m.shift,
		Availability: append([]shifts.Availability(nil), m.availability...),
		Message:      m.message,
		Failure:      m.failure,
		NextActions:  append([]Action(nil), m.next...),
		CanRetry:     m.state == StateFailed && m.pending != nil,
		CanRecapture: m.state == StateFailed && (m.failedAt == StateSubmitting || m.failedAt == StateCapturing),
	}
	if m.session != nil {
		snap := m.session.Snapshot()
		v.Capture = &snap
	}
	return v
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) resetLocked() {
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.ready = false
	m.shift = ""
	m.pending = nil
	m.failedAt = ""
	m.message = ""
	m.failure = FailureNone
	m.next = nil
}

func (m *Machine) failLocked(kind FailureKind, msg string) {
	m.failure = kind
	m.message = msg
	m.next = nil
	m.setStateLocked(StateFailed)
	log.Printf("[WARN] kiosk(%s): %s: %s", m.cfg.Mode, kind, msg)
}

func (m *Machine) setStateLocked(s State) {
	if m.state != s {
		log.Printf("[INFO] kiosk(%s): %s -> %s", m.cfg.Mode, m.state, s)
	}
	m.state = s
}

func kindOf(err error) FailureKind {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return FailureServer
	}
	return FailureTransp
}

// messageOf: サーバのメッセージはそのまま出す
func messageOf(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Message != "" {
		return rej.Message
	}
	return err.Error()
}
