package overtime

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"EMS-backend/internal/platform/auth"
	"EMS-backend/internal/platform/db"
	"EMS-backend/internal/platform/ids"
)

const maxNoteLen = 500

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type requestStore interface {
	LockEmployee(ctx context.Context, employee string) (bool, error)
	Latest(ctx context.Context, employee string) (*Request, error)
	Get(ctx context.Context, id string) (*Request, error)
	Insert(ctx context.Context, r Request) error
	Decide(ctx context.Context, id, status, by string, at time.Time) (bool, error)
	List(ctx context.Context, q ListQuery) ([]Request, error)
}

// txRunner: fn に Tx 上の store を渡す。テストでは差し替える
type txRunner func(ctx context.Context, fn func(ctx context.Context, st requestStore) error) error

type Service struct {
	store requestStore
	inTx  txRunner
	clock Clock
	ids   ids.Generator
}

func NewService(conn *sql.DB) *Service {
	run := func(ctx context.Context, fn func(ctx context.Context, st requestStore) error) error {
		return db.RunInTx(ctx, conn, nil, func(ctx context.Context, tx db.DBTX) error {
			return fn(ctx, NewStore(tx))
		})
	}
	return &Service{store: NewStore(conn), inTx: run, clock: realClock{}, ids: ids.NewULID()}
}

// POST /overtime-requests
func (s *Service) Create(ctx context.Context, in CreateRequest) (AckResponse, error) {
	emp := auth.NormalizeID(in.EmployeeID)
	if emp == "" {
		return AckResponse{}, ErrInvalid("employee_id is required")
	}
	if !ValidHours(in.Hours) {
		return AckResponse{}, ErrInvalid(fmt.Sprintf("hours must be greater than 0 and at most %g", MaxHours))
	}
	note := strings.TrimSpace(in.Note)
	if len([]rune(note)) > maxNoteLen {
		return AckResponse{}, ErrInvalid(fmt.Sprintf("note must be at most %d characters", maxNoteLen))
	}

	id, err := s.ids.New()
	if err != nil {
		return AckResponse{}, err
	}

	var created Request
	err = s.inTx(ctx, func(ctx context.Context, st requestStore) error {
		found, err := st.LockEmployee(ctx, emp)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound("employee not found")
		}
		last, err := st.Latest(ctx, emp)
		if err != nil {
			return err
		}
		// 判定はサーバ時刻。端末の requested_at は使わない
		now := s.clock.Now().UTC()
		if last != nil && !CanRequest(&last.RequestedAt, now) {
			next := NextAllowedAt(&last.RequestedAt)
			return &APIError{Code: CodeCooldown, Message: fmt.Sprintf(
				"overtime can be requested once every 24 hours; next request allowed after %s",
				next.Format(time.RFC3339))}
		}
		created = Request{
			RequestID:   id,
			EmployeeID:  emp,
			Hours:       in.Hours,
			Note:        note,
			Status:      StatusPending,
			RequestedAt: now,
		}
		return st.Insert(ctx, created)
	})
	if lockContention(err) {
		log.Printf("[WARN] overtime request contended: employee=%s: %v", emp, err)
		return AckResponse{}, ErrConflict("another overtime request is being processed; try again")
	}
	if err != nil {
		return AckResponse{}, err
	}

	if in.RequestedAt != nil {
		if skew := in.RequestedAt.Sub(created.RequestedAt); skew > 2*time.Minute || skew < -2*time.Minute {
			log.Printf("[WARN] kiosk clock skew on overtime request: employee=%s skew=%s", emp, skew.Round(time.Second))
		}
	}
	log.Printf("[INFO] overtime requested: id=%s employee=%s hours=%g", id, emp, in.Hours)
	dto := created.toDTO()
	return AckResponse{Success: true, Message: "Overtime request submitted", Request: &dto}, nil
}

// GET /overtime-requests/latest。履歴なしは nil
func (s *Service) Latest(ctx context.Context, employeeID string) (*RequestResponse, error) {
	emp := auth.NormalizeID(employeeID)
	if emp == "" {
		return nil, ErrInvalid("employee_id is required")
	}
	r, err := s.store.Latest(ctx, emp)
	if err != nil || r == nil {
		return nil, err
	}
	dto := r.toDTO()
	return &dto, nil
}

// GET /overtime-requests
func (s *Service) List(ctx context.Context, q ListQuery) ([]RequestResponse, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Status != nil && *q.Status != "" && !validStatus(*q.Status) {
		return nil, ErrInvalid("status must be Pending, Approved or Rejected")
	}
	rows, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]RequestResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDTO())
	}
	return out, nil
}

// PATCH /overtime-requests/:id/status（admin）。Pending からのみ遷移できる
func (s *Service) Decide(ctx context.Context, id, status, by string) (RequestResponse, error) {
	if status != StatusApproved && status != StatusRejected {
		return RequestResponse{}, ErrInvalid("status must be Approved or Rejected")
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return RequestResponse{}, err
	}
	if r == nil {
		return RequestResponse{}, ErrNotFound("overtime request not found")
	}
	if r.Status != StatusPending {
		return RequestResponse{}, ErrConflict(fmt.Sprintf("request is already %s", r.Status))
	}

	at := s.clock.Now().UTC()
	ok, err := s.store.Decide(ctx, id, status, by, at)
	if err != nil {
		return RequestResponse{}, err
	}
	if !ok {
		return RequestResponse{}, ErrConflict("request was decided concurrently")
	}
	r.Status, r.DecidedBy, r.DecidedAt = status, &by, &at
	log.Printf("[INFO] overtime %s: id=%s by=%s", strings.ToLower(status), id, by)
	return r.toDTO(), nil
}

func validStatus(v string) bool {
	switch v {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}
