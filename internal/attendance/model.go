package attendance

import (
	"database/sql"
	"time"
)

// DB行に対応（スキャン用）
type attendanceRow struct {
	AttendanceID  uint64
	EmployeeID    string
	AttendedOn    string // DATE → "YYYY-MM-DD"
	Shift         string
	Status        string
	CheckInAt     time.Time
	CheckInPhoto  string
	CheckOutAt    sql.NullTime
	CheckOutPhoto sql.NullString
}

// Service ↔ Store で使うモデル
type Attendance struct {
	AttendanceID  uint64
	EmployeeID    string
	AttendedOn    string
	Shift         string
	Status        string
	CheckInAt     time.Time
	CheckInPhoto  string
	CheckOutAt    *time.Time
	CheckOutPhoto *string
}

func (r attendanceRow) toModel() Attendance {
	a := Attendance{
		AttendanceID: r.AttendanceID,
		EmployeeID:   r.EmployeeID,
		AttendedOn:   r.AttendedOn,
		Shift:        r.Shift,
		Status:       r.Status,
		CheckInAt:    r.CheckInAt.UTC(),
		CheckInPhoto: r.CheckInPhoto,
	}
	if r.CheckOutAt.Valid {
		t := r.CheckOutAt.Time.UTC()
		a.CheckOutAt = &t
	}
	if r.CheckOutPhoto.Valid {
		v := r.CheckOutPhoto.String
		a.CheckOutPhoto = &v
	}
	return a
}

func (a Attendance) toDTO() AttendanceResponse {
	return AttendanceResponse{
		AttendanceID:  a.AttendanceID,
		EmployeeID:    a.EmployeeID,
		AttendedOn:    a.AttendedOn,
		Shift:         a.Shift,
		Status:        a.Status,
		CheckInAt:     a.CheckInAt,
		CheckInPhoto:  a.CheckInPhoto,
		CheckOutAt:    a.CheckOutAt,
		CheckOutPhoto: a.CheckOutPhoto,
	}
}

func (a Attendance) toStatus() StatusResponse {
	shift := a.Shift
	in := a.CheckInAt
	return StatusResponse{
		EmployeeID:   a.EmployeeID,
		Date:         a.AttendedOn,
		CheckedIn:    true,
		CheckedOut:   a.CheckOutAt != nil,
		Shift:        &shift,
		CheckInTime:  &in,
		CheckOutTime: a.CheckOutAt,
	}
}
