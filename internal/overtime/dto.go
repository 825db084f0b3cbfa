package overtime

import "time"

const (
	StatusPending  = "Pending"
	StatusApproved = "Approved"
	StatusRejected = "Rejected"

	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type CreateRequest struct {
	EmployeeID  string     `json:"employee_id" binding:"required"`
	Hours       float64    `json:"hours" binding:"required"`
	Note        string     `json:"note"`
	RequestedAt *time.Time `json:"requested_at"` // 端末時刻（参考）。記録はサーバ時刻
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=Approved Rejected"`
}

type RequestResponse struct {
	RequestID   string     `json:"request_id"`
	EmployeeID  string     `json:"employee_id"`
	Hours       float64    `json:"hours"`
	Note        string     `json:"note,omitempty"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedBy   *string    `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

type AckResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Request *RequestResponse `json:"request,omitempty"`
}

type ListQuery struct {
	EmployeeID *string
	Status     *string
	Limit      int
	Offset     int
}
