package models

import "time"

// Fixed rate-limit window for one subject
type RateWindow struct {
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// Reports whether the window has elapsed at now. A window is still live at exactly ResetAt.
func (w RateWindow) Expired(now time.Time) bool {
	return now.After(w.ResetAt)
}
