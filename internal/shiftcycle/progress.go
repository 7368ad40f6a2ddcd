package shiftcycle

import "time"

// Progress describes how far a duty window has advanced. ElapsedSeconds is
// not clamped and keeps growing past the window end; Percent is clamped to
// 100.
type Progress struct {
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	Percent        float64 `json:"percent"`
	Complete       bool    `json:"complete"`
}

// ComputeProgress evaluates the window at the given instant.
func ComputeProgress(now time.Time, w Window) Progress {
	if now.Before(w.Start) {
		return Progress{}
	}
	elapsed := int64(now.Sub(w.Start) / time.Second)
	total := int64(w.End.Sub(w.Start) / time.Second)
	if total <= 0 {
		return Progress{ElapsedSeconds: elapsed, Percent: 100, Complete: true}
	}
	percent := float64(elapsed) / float64(total) * 100
	if percent > 100 {
		percent = 100
	}
	return Progress{
		ElapsedSeconds: elapsed,
		Percent:        percent,
		Complete:       percent >= 100,
	}
}
