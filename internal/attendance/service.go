package attendance

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"EMS-backend/internal/platform/auth"
	"EMS-backend/internal/platform/photos"
	"EMS-backend/internal/shifts"
)

// 端末時刻とサーバ時刻のずれがこれを超えたら警告ログを出す
const clockSkewWarn = 2 * time.Minute

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type recordStore interface {
	InsertCheckIn(ctx context.Context, a Attendance) (uint64, error)
	MarkCheckOut(ctx context.Context, employee, on string, at time.Time, photo string) (bool, error)
	Get(ctx context.Context, employee, on string) (*Attendance, error)
	List(ctx context.Context, q ListQuery) ([]Attendance, int64, error)
	Stats(ctx context.Context, from, to string, limit int) ([]StatsRow, error)
}

type photoSaver interface {
	Save(ctx context.Context, kind, employeeID string, data []byte) (string, error)
}

// ===== Service本体 =====

type Service struct {
	store  recordStore
	photos photoSaver
	shifts []shifts.Shift
	loc    *time.Location
	clock  Clock
}

func NewService(db *sql.DB, ph *photos.Store, list []shifts.Shift, loc *time.Location) *Service {
	return newService(NewStore(db), ph, list, loc, realClock{})
}

func newService(st recordStore, ph photoSaver, list []shifts.Shift, loc *time.Location, clock Clock) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: st, photos: ph, shifts: list, loc: loc, clock: clock}
}

func (s *Service) now() time.Time { return s.clock.Now().In(s.loc) }

// GET /shifts
func (s *Service) Shifts() ShiftsResponse {
	now := s.now()
	return ShiftsResponse{ServerTime: now, Shifts: shifts.EvaluateAll(s.shifts, now)}
}

// GET /attendances/status
func (s *Service) Status(ctx context.Context, employeeID, date string) (StatusResponse, error) {
	emp := auth.NormalizeID(employeeID)
	if emp == "" {
		return StatusResponse{}, ErrInvalid("employee_id is required")
	}
	on, err := s.parseOn(date)
	if err != nil {
		return StatusResponse{}, err
	}
	rec, err := s.store.Get(ctx, emp, on)
	if err != nil {
		return StatusResponse{}, err
	}
	if rec == nil {
		return StatusResponse{EmployeeID: emp, Date: on}, nil
	}
	return rec.toStatus(), nil
}

// POST /attendances/check-in
func (s *Service) CheckIn(ctx context.Context, in CheckInRequest) (AckResponse, error) {
	now := s.now()
	emp, today, err := s.checkRequest(in.EmployeeID, in.Date, in.Time, now)
	if err != nil {
		return AckResponse{}, err
	}

	sh, err := shifts.Find(s.shifts, in.Shift)
	if err != nil {
		return AckResponse{}, ErrInvalid(fmt.Sprintf("unknown shift %q", in.Shift))
	}
	// シフト判定はサーバ時刻が正
	if av := shifts.Evaluate(sh, now); !av.IsAvailable {
		return AckResponse{}, &APIError{Code: CodeShiftClosed, Message: shiftClosedMessage(sh, av)}
	}

	photo, err := decodePhoto(in.Photo)
	if err != nil {
		return AckResponse{}, err
	}

	prev, err := s.store.Get(ctx, emp, today)
	if err != nil {
		return AckResponse{}, err
	}
	if prev != nil {
		return AckResponse{}, ErrConflict("already checked in today")
	}

	ref, err := s.savePhoto(ctx, photos.KindCheckIn, emp, photo)
	if err != nil {
		return AckResponse{}, err
	}

	status := StatusPresent
	if now.After(sh.Start.On(now)) {
		status = StatusLate
	}
	rec := Attendance{
		EmployeeID:   emp,
		AttendedOn:   today,
		Shift:        sh.Name,
		Status:       status,
		CheckInAt:    now.UTC(),
		CheckInPhoto: ref,
	}
	id, err := s.store.InsertCheckIn(ctx, rec)
	if errors.Is(err, errDuplicate) {
		// 同時打刻の負け側。保存済み写真は孤児になるが記録は一意
		log.Printf("[WARN] concurrent check-in lost: employee=%s date=%s photo=%s", emp, today, ref)
		return AckResponse{}, ErrConflict("already checked in today")
	}
	if err != nil {
		return AckResponse{}, err
	}
	rec.AttendanceID = id

	log.Printf("[INFO] check-in: employee=%s shift=%s status=%s", emp, sh.Name, status)
	dto := rec.toDTO()
	return AckResponse{Success: true, Message: checkInMessage(sh.Name, status), Record: &dto}, nil
}

// POST /attendances/check-out
func (s *Service) CheckOut(ctx context.Context, in CheckOutRequest) (AckResponse, error) {
	now := s.now()
	emp, today, err := s.checkRequest(in.EmployeeID, in.Date, in.Time, now)
	if err != nil {
		return AckResponse{}, err
	}
	photo, err := decodePhoto(in.Photo)
	if err != nil {
		return AckResponse{}, err
	}

	rec, err := s.store.Get(ctx, emp, today)
	if err != nil {
		return AckResponse{}, err
	}
	if rec == nil {
		return AckResponse{}, ErrConflict("not checked in today")
	}
	if rec.CheckOutAt != nil {
		return AckResponse{}, ErrConflict("already checked out today")
	}

	ref, err := s.savePhoto(ctx, photos.KindCheckOut, emp, photo)
	if err != nil {
		return AckResponse{}, err
	}
	at := now.UTC()
	ok, err := s.store.MarkCheckOut(ctx, emp, today, at, ref)
	if err != nil {
		return AckResponse{}, err
	}
	if !ok {
		return AckResponse{}, ErrConflict("already checked out today")
	}
	rec.CheckOutAt = &at
	rec.CheckOutPhoto = &ref

	log.Printf("[INFO] check-out: employee=%s shift=%s", emp, rec.Shift)
	dto := rec.toDTO()
	return AckResponse{Success: true, Message: "Check-out recorded", Record: &dto}, nil
}

// GET /attendances
func (s *Service) List(ctx context.Context, q ListQuery) ([]AttendanceResponse, int64, error) {
	if q.Sort == "" {
		q.Sort = DefaultSort
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	for _, p := range []*string{q.On, q.From, q.To} {
		if p == nil || *p == "" {
			continue
		}
		on, err := s.parseOn(*p)
		if err != nil {
			return nil, 0, err
		}
		*p = on
	}

	rows, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]AttendanceResponse, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		out = append(out, rows[i].toDTO())
	}
	return out, total, nil
}

// GET /attendances/stats
func (s *Service) Stats(ctx context.Context, req StatsRequest) ([]StatsRow, error) {
	from, err := time.ParseInLocation(DateLayout, req.From, s.loc)
	if err != nil {
		return nil, ErrInvalid("from must be YYYY-MM-DD")
	}
	to, err := time.ParseInLocation(DateLayout, req.To, s.loc)
	if err != nil {
		return nil, ErrInvalid("to must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return nil, ErrInvalid("to must be >= from")
	}
	return s.store.Stats(ctx, req.From, req.To, req.Limit)
}

// ===== helpers =====

// checkRequest: 従業員IDの正規化と、打刻日＝サーバの当日であることの確認
func (s *Service) checkRequest(employeeID, date, clientTime string, now time.Time) (string, string, error) {
	emp := auth.NormalizeID(employeeID)
	if emp == "" {
		return "", "", ErrInvalid("employee_id is required")
	}
	today := now.Format(DateLayout)
	if date != "" {
		on, err := s.parseOn(date)
		if err != nil {
			return "", "", err
		}
		if on != today {
			return "", "", ErrInvalid(fmt.Sprintf("date %s is not today (%s)", on, today))
		}
	}
	if clientTime != "" {
		t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, today+" "+clientTime, s.loc)
		if err != nil {
			return "", "", ErrInvalid("time must be HH:MM:SS")
		}
		if skew := t.Sub(now); skew > clockSkewWarn || skew < -clockSkewWarn {
			log.Printf("[WARN] kiosk clock skew: employee=%s skew=%s", emp, skew.Round(time.Second))
		}
	}
	return emp, today, nil
}

// parseOn: "YYYY-MM-DD" か "today"（サーバTZの当日）
func (s *Service) parseOn(v string) (string, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" || v == "today" {
		return s.now().Format(DateLayout), nil
	}
	if _, err := time.ParseInLocation(DateLayout, v, s.loc); err != nil {
		return "", ErrInvalid("date must be YYYY-MM-DD or 'today'")
	}
	return v, nil
}

func (s *Service) savePhoto(ctx context.Context, kind, emp string, data []byte) (string, error) {
	ref, err := s.photos.Save(ctx, kind, emp, data)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, photos.ErrEmpty), errors.Is(err, photos.ErrTooLarge), errors.Is(err, photos.ErrInvalidImage):
		return "", ErrInvalid(err.Error())
	default:
		log.Printf("[ERROR] photo save failed: employee=%s kind=%s err=%v", emp, kind, err)
		return "", ErrInternal("failed to store photo")
	}
}

// decodePhoto: 標準/URL-safe どちらの base64 も受ける。data URL の接頭辞は落とす
func decodePhoto(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, ","); i >= 0 && strings.HasPrefix(v, "data:") {
		v = v[i+1:]
	}
	if v == "" {
		return nil, ErrInvalid("photo is required")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(v); err == nil {
			return b, nil
		}
	}
	return nil, ErrInvalid("photo must be base64")
}

func shiftClosedMessage(sh shifts.Shift, av shifts.Availability) string {
	if av.Reason == shifts.ReasonTooEarly {
		return fmt.Sprintf("%s shift opens at %s (in %d min)", sh.Name, sh.AvailableFrom, av.ETAMinutes())
	}
	return fmt.Sprintf("%s shift closed at %s", sh.Name, sh.Cutoff)
}

func checkInMessage(shift, status string) string {
	if status == StatusLate {
		return fmt.Sprintf("Check-in recorded (%s shift, late)", shift)
	}
	return fmt.Sprintf("Check-in recorded (%s shift)", shift)
}
