// Package facecheck は1フレーム分の顔検出結果から「顔が1つ」「近すぎ/遠すぎでない」
// 「ガイド楕円の中心にある」を判定する。入力だけで決まる純関数のみ。
package facecheck

import (
	"math"
	"time"
)

type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Center() (float64, float64) { return b.X + b.Width/2, b.Y + b.Height/2 }
func (b Box) Area() float64              { return b.Width * b.Height }

type Frame struct {
	Boxes     []Box
	Timestamp time.Time
}

// Region: 縦長のガイド楕円（中心と2つの半径）
type Region struct {
	CenterX float64
	CenterY float64
	RadiusX float64
	RadiusY float64
}

func (r Region) Area() float64 { return math.Pi * r.RadiusX * r.RadiusY }

// RegionFor: 幅w・高さhの映像に対する標準ガイド（中央、横35%・縦45%の半径）
func RegionFor(w, h int) Region {
	return Region{
		CenterX: float64(w) / 2,
		CenterY: float64(h) / 2,
		RadiusX: float64(w) * 0.35,
		RadiusY: float64(h) * 0.45,
	}
}

type Status string

const (
	StatusNoFace        Status = "NoFace"
	StatusMultipleFaces Status = "MultipleFaces"
	StatusDetected      Status = "Detected"
)

type Adjustment string

const (
	AdjustNone      Adjustment = ""
	AdjustOffCenter Adjustment = "OffCenter"
	AdjustTooFar    Adjustment = "TooFar"
	AdjustTooClose  Adjustment = "TooClose"
)

// 面積比の許容範囲（ガイド楕円の面積に対する顔枠の面積）
const (
	MinAreaRatio = 0.2
	MaxAreaRatio = 0.8
)

type Result struct {
	Status     Status     `json:"status"`
	InPosition bool       `json:"in_position"`
	Adjustment Adjustment `json:"adjustment,omitempty"`
}

// Validate: 顔が1つなら Status=Detected（位置が合っていなくても）。
// InPosition は撮影ボタンの有効化にだけ使う。
func Validate(f Frame, r Region) Result {
	switch n := len(f.Boxes); {
	case n == 0:
		return Result{Status: StatusNoFace}
	case n > 1:
		return Result{Status: StatusMultipleFaces}
	}

	b := f.Boxes[0]
	res := Result{Status: StatusDetected}
	if r.RadiusX <= 0 || r.RadiusY <= 0 {
		res.Adjustment = AdjustOffCenter
		return res
	}

	cx, cy := b.Center()
	dx := (cx - r.CenterX) / r.RadiusX
	dy := (cy - r.CenterY) / r.RadiusY
	d := dx*dx + dy*dy

	area := b.Area()
	regionArea := r.Area()
	switch {
	case d > 1:
		res.Adjustment = AdjustOffCenter
	case area < MinAreaRatio*regionArea:
		res.Adjustment = AdjustTooFar
	case area > MaxAreaRatio*regionArea:
		res.Adjustment = AdjustTooClose
	default:
		res.InPosition = true
	}
	return res
}

// Guidance: 画面に出す案内文。ダイアログではなくインライン表示用
func (r Result) Guidance() string {
	switch r.Status {
	case StatusNoFace:
		return "No face detected. Look at the camera."
	case StatusMultipleFaces:
		return "Multiple faces detected. Only one person may be in frame."
	}
	switch r.Adjustment {
	case AdjustOffCenter:
		return "Center your face inside the guide."
	case AdjustTooFar:
		return "Move closer to the camera."
	case AdjustTooClose:
		return "Move back from the camera."
	}
	if r.InPosition {
		return "Face in position. You can take the photo."
	}
	return ""
}
