package overtime

import "time"

// 1人あたり、直前の申請時刻から24時間に1回まで（暦日ではない）
const Cooldown = 24 * time.Hour

// CanRequest: last が nil（申請履歴なし）なら常に true。
// クライアント側では事前チェック（参考値）としてだけ使い、最終判断はサーバ。
func CanRequest(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= Cooldown
}

func NextAllowedAt(last *time.Time) *time.Time {
	if last == nil {
		return nil
	}
	t := last.Add(Cooldown)
	return &t
}

// 1回の申請で申告できる上限時間
const MaxHours = 12.0

func ValidHours(h float64) bool { return h > 0 && h <= MaxHours }
