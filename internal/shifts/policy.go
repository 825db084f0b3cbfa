package shifts

import (
	"encoding/json"
	"time"
)

type Reason string

const (
	ReasonTooEarly   Reason = "TooEarly"
	ReasonOpen       Reason = "Open"
	ReasonPastCutoff Reason = "PastCutoff"
)

// Availability は毎tick再計算する派生値。保存しない
type Availability struct {
	Shift       string         `json:"shift"`
	IsAvailable bool           `json:"is_available"`
	Reason      Reason         `json:"reason"`
	ETAToOpen   *time.Duration `json:"-"`
	UntilClose  *time.Duration `json:"-"`
}

type availabilityJSON struct {
	Shift             string `json:"shift"`
	IsAvailable       bool   `json:"is_available"`
	Reason            Reason `json:"reason"`
	ETAMinutes        *int   `json:"eta_minutes,omitempty"`
	MinutesUntilClose *int   `json:"minutes_until_close,omitempty"`
}

// MarshalJSON: 残り時間は表示と同じく分（切り上げ）で出す
func (a Availability) MarshalJSON() ([]byte, error) {
	out := availabilityJSON{Shift: a.Shift, IsAvailable: a.IsAvailable, Reason: a.Reason}
	if a.ETAToOpen != nil {
		v := a.ETAMinutes()
		out.ETAMinutes = &v
	}
	if a.UntilClose != nil {
		v := a.MinutesUntilClose()
		out.MinutesUntilClose = &v
	}
	return json.Marshal(out)
}

// Evaluate: now のロケーションの壁時計で判定する。翌日への繰り越しはしない
// （日付が変われば now 自体が TooEarly/Open に戻る）。
func Evaluate(s Shift, now time.Time) Availability {
	from := s.AvailableFrom.On(now)
	cutoff := s.Cutoff.On(now)

	a := Availability{Shift: s.Name}
	switch {
	case now.Before(from):
		eta := from.Sub(now)
		a.Reason = ReasonTooEarly
		a.ETAToOpen = &eta
	case !now.Before(cutoff):
		a.Reason = ReasonPastCutoff
	default:
		left := cutoff.Sub(now)
		a.IsAvailable = true
		a.Reason = ReasonOpen
		a.UntilClose = &left
	}
	return a
}

func EvaluateAll(list []Shift, now time.Time) []Availability {
	out := make([]Availability, 0, len(list))
	for _, s := range list {
		out = append(out, Evaluate(s, now))
	}
	return out
}

func AnyAvailable(list []Availability) bool {
	for _, a := range list {
		if a.IsAvailable {
			return true
		}
	}
	return false
}

// ETAMinutes: 表示用に分単位へ切り上げ。TooEarly 以外は 0
func (a Availability) ETAMinutes() int {
	if a.ETAToOpen == nil {
		return 0
	}
	return ceilMinutes(*a.ETAToOpen)
}

func (a Availability) MinutesUntilClose() int {
	if a.UntilClose == nil {
		return 0
	}
	return ceilMinutes(*a.UntilClose)
}

func ceilMinutes(d time.Duration) int {
	m := int(d / time.Minute)
	if d%time.Minute > 0 {
		m++
	}
	return m
}
