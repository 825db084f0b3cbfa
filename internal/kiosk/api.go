package kiosk

import (
	"context"
	"fmt"
	"time"
)

// API: サーバ側の勤怠・残業エンドポイント。実装は apiclient
type API interface {
	Status(ctx context.Context, employeeID, date string) (Status, error)
	CheckIn(ctx context.Context, req CheckInRequest) (Ack, error)
	CheckOut(ctx context.Context, req CheckOutRequest) (Ack, error)
	RequestOvertime(ctx context.Context, req OvertimeRequest) (Ack, error)
	// 申請履歴がなければ nil, nil
	LatestOvertime(ctx context.Context, employeeID string) (*LatestOvertime, error)
}

type Status struct {
	CheckedIn  bool
	CheckedOut bool
	Shift      string
}

type CheckInRequest struct {
	EmployeeID string
	Date       string // YYYY-MM-DD
	Time       string // HH:MM:SS
	Photo      []byte
	Shift      string
}

type CheckOutRequest struct {
	EmployeeID string
	Date       string
	Time       string
	Photo      []byte
}

type OvertimeRequest struct {
	EmployeeID  string
	Hours       float64
	Note        string
	RequestedAt time.Time
}

type LatestOvertime struct {
	RequestedAt time.Time
	Hours       float64
}

type Ack struct {
	Success bool
	Message string
}

// RejectedError: サーバが判断して断った（4xx / success=false）。
// それ以外のエラーは通信障害として扱う。
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// CurrentUser: ログイン中の従業員。保存場所は問わない
type CurrentUser interface {
	EmployeeID() string
}

type StaticUser string

func (u StaticUser) EmployeeID() string { return string(u) }

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)
