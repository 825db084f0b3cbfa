package kiosk

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"EMS-backend/internal/overtime"
)

type OvertimeOutcome struct {
	Accepted bool
	Failure  FailureKind
	Message  string
}

// OvertimeRequester: 退勤後の残業申請。24時間の制限はここでは事前チェックだけで、
// 事前チェックを通ってもサーバが断ればそのメッセージを出す。
type OvertimeRequester struct {
	api   API
	user  CurrentUser
	clock Clock

	mu       sync.Mutex
	inFlight bool
}

func NewOvertimeRequester(api API, user CurrentUser) *OvertimeRequester {
	return &OvertimeRequester{api: api, user: user, clock: realClock{}}
}

func (o *OvertimeRequester) WithClock(c Clock) *OvertimeRequester {
	o.clock = c
	return o
}

func (o *OvertimeRequester) Submit(ctx context.Context, hours float64, note string) (OvertimeOutcome, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return OvertimeOutcome{}, ErrSubmitInFlight
	}
	o.inFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	emp := o.user.EmployeeID()
	if emp == "" {
		return rejected(FailureInit, "no employee is signed in"), nil
	}
	if !overtime.ValidHours(hours) {
		return rejected(FailurePolicy, fmt.Sprintf("Overtime hours must be greater than 0 and at most %g.", overtime.MaxHours)), nil
	}

	latest, err := o.api.LatestOvertime(ctx, emp)
	if err != nil {
		return rejected(kindOf(err), "could not load previous overtime request: "+messageOf(err)), nil
	}
	now := o.clock.Now()
	if latest != nil && !overtime.CanRequest(&latest.RequestedAt, now) {
		next := overtime.NextAllowedAt(&latest.RequestedAt)
		return rejected(FailurePolicy, fmt.Sprintf(
			"Overtime can be requested once every 24 hours. Next request allowed after %s.",
			next.In(now.Location()).Format("2006-01-02 15:04"))), nil
	}

	ack, err := o.api.RequestOvertime(ctx, OvertimeRequest{
		EmployeeID:  emp,
		Hours:       hours,
		Note:        strings.TrimSpace(note),
		RequestedAt: now,
	})
	switch {
	case err != nil:
		return rejected(kindOf(err), messageOf(err)), nil
	case !ack.Success:
		return rejected(FailureServer, ack.Message), nil
	}
	msg := ack.Message
	if msg == "" {
		msg = "Overtime request submitted."
	}
	log.Printf("[INFO] kiosk: overtime requested employee=%s hours=%g", emp, hours)
	return OvertimeOutcome{Accepted: true, Message: msg}, nil
}

func rejected(kind FailureKind, msg string) OvertimeOutcome {
	log.Printf("[WARN] kiosk: overtime request not accepted: %s: %s", kind, msg)
	return OvertimeOutcome{Failure: kind, Message: msg}
}
