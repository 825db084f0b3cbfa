package overtime

import (
	"database/sql"
	"time"
)

type requestRow struct {
	RequestID   string
	EmployeeID  string
	Hours       float64
	Note        sql.NullString
	Status      string
	RequestedAt time.Time
	DecidedBy   sql.NullString
	DecidedAt   sql.NullTime
}

type Request struct {
	RequestID   string
	EmployeeID  string
	Hours       float64
	Note        string
	Status      string
	RequestedAt time.Time
	DecidedBy   *string
	DecidedAt   *time.Time
}

func (r requestRow) toModel() Request {
	m := Request{
		RequestID:   r.RequestID,
		EmployeeID:  r.EmployeeID,
		Hours:       r.Hours,
		Note:        r.Note.String,
		Status:      r.Status,
		RequestedAt: r.RequestedAt.UTC(),
	}
	if r.DecidedBy.Valid {
		v := r.DecidedBy.String
		m.DecidedBy = &v
	}
	if r.DecidedAt.Valid {
		t := r.DecidedAt.Time.UTC()
		m.DecidedAt = &t
	}
	return m
}

func (m Request) toDTO() RequestResponse {
	return RequestResponse{
		RequestID:   m.RequestID,
		EmployeeID:  m.EmployeeID,
		Hours:       m.Hours,
		Note:        m.Note,
		Status:      m.Status,
		RequestedAt: m.RequestedAt,
		DecidedBy:   m.DecidedBy,
		DecidedAt:   m.DecidedAt,
	}
}
