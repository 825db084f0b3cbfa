package shifts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 時刻（日付なし）。"HH:MM" で表現する
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On: now と同じ日・同じロケーションでの時刻
func (t TimeOfDay) On(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, now.Location())
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t *TimeOfDay) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) MarshalYAML() (any, error) { return t.String(), nil }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Shift は静的設定。インスタンスごとに保存はしない
type Shift struct {
	Name          string    `yaml:"name" json:"name"`
	AvailableFrom TimeOfDay `yaml:"available_from" json:"available_from"`
	Start         TimeOfDay `yaml:"start" json:"start"`
	Cutoff        TimeOfDay `yaml:"cutoff" json:"cutoff"`
}

const (
	Morning   = "Morning"
	Afternoon = "Afternoon"
)

func DefaultShifts() []Shift {
	return []Shift{
		{Name: Morning, AvailableFrom: MustTimeOfDay("08:30"), Start: MustTimeOfDay("09:00"), Cutoff: MustTimeOfDay("18:01")},
		{Name: Afternoon, AvailableFrom: MustTimeOfDay("12:30"), Start: MustTimeOfDay("13:00"), Cutoff: MustTimeOfDay("18:01")},
	}
}

var ErrUnknownShift = errors.New("unknown shift")

func Find(list []Shift, name string) (Shift, error) {
	for _, s := range list {
		if strings.EqualFold(s.Name, strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return Shift{}, fmt.Errorf("%w: %q", ErrUnknownShift, name)
}

// ValidateShifts: 同日内で available_from <= start < cutoff、名前の重複なし。
// 日付をまたぐ窓は扱わない
func ValidateShifts(list []Shift) error {
	if len(list) == 0 {
		return errors.New("at least one shift is required")
	}
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return errors.New("shift name is required")
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate shift %q", name)
		}
		seen[key] = struct{}{}
		if !s.AvailableFrom.valid() || !s.Start.valid() || !s.Cutoff.valid() {
			return fmt.Errorf("shift %q has an out-of-range time", name)
		}
		if s.AvailableFrom.minutes() > s.Start.minutes() {
			return fmt.Errorf("shift %q: available_from %s is after start %s", name, s.AvailableFrom, s.Start)
		}
		if s.Start.minutes() >= s.Cutoff.minutes() {
			return fmt.Errorf("shift %q: cutoff %s must be after start %s (windows spanning midnight are not supported)", name, s.Cutoff, s.Start)
		}
	}
	return nil
}
