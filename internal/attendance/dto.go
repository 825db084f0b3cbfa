package attendance

import (
	"time"

	"EMS-backend/internal/shifts"
)

const (
	SortCheckInDesc    = "check_in_desc"
	SortCheckInAsc     = "check_in_asc"
	SortAttendedOnDesc = "attended_on_desc"
	SortAttendedOnAsc  = "attended_on_asc"
	DefaultPageLimit   = 50
	MaxPageLimit       = 200
	DefaultSort        = SortCheckInDesc
	DateLayout         = "2006-01-02"
	TimeLayout         = "15:04:05"
)

const (
	StatusPresent = "present"
	StatusLate    = "late"
)

type CheckInRequest struct {
	EmployeeID string `json:"employee_id" binding:"required"`
	Date       string `json:"date"`                     // "YYYY-MM-DD"（省略時はサーバの当日）
	Time       string `json:"time"`                     // "HH:MM:SS" 端末時刻。記録はサーバ時刻
	Photo      string `json:"photo" binding:"required"` // base64 JPEG
	Shift      string `json:"shift" binding:"required"`
}

type CheckOutRequest struct {
	EmployeeID string `json:"employee_id" binding:"required"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Photo      string `json:"photo" binding:"required"`
}

type AttendanceResponse struct {
	AttendanceID  uint64     `json:"attendance_id"`
	EmployeeID    string     `json:"employee_id"`
	AttendedOn    string     `json:"attended_on"` // YYYY-MM-DD
	Shift         string     `json:"shift"`
	Status        string     `json:"status"`
	CheckInAt     time.Time  `json:"check_in_time"`
	CheckInPhoto  string     `json:"check_in_photo"`
	CheckOutAt    *time.Time `json:"check_out_time,omitempty"`
	CheckOutPhoto *string    `json:"check_out_photo,omitempty"`
}

// AckResponse: 打刻結果。失敗時は success=false と message（＋error）を返す
type AckResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Record  *AttendanceResponse `json:"record,omitempty"`
}

type StatusResponse struct {
	EmployeeID   string     `json:"employee_id"`
	Date         string     `json:"date"`
	CheckedIn    bool       `json:"checked_in"`
	CheckedOut   bool       `json:"checked_out"`
	Shift        *string    `json:"shift,omitempty"`
	CheckInTime  *time.Time `json:"check_in_time,omitempty"`
	CheckOutTime *time.Time `json:"check_out_time,omitempty"`
}

type ListQuery struct {
	EmployeeID *string
	On         *string
	From       *string
	To         *string
	Limit      int
	Offset     int
	Sort       string
}

type StatsRequest struct {
	From  string // YYYY-MM-DD
	To    string // YYYY-MM-DD
	Limit int
}

type StatsRow struct {
	EmployeeID string `json:"employee_id"`
	Days       int64  `json:"days"`
	Late       int64  `json:"late"`
}

type ShiftsResponse struct {
	ServerTime time.Time             `json:"server_time"`
	Shifts     []shifts.Availability `json:"shifts"`
}
