package models

import "time"

// ViewSession is one playback session, append-only. A session is never
// mutated after EndedAt is set; the retention reaper is the only deleter.
type ViewSession struct {
	ID                   string     `json:"id"`
	VideoID              string     `json:"videoId"`
	UserID               string     `json:"userId,omitempty"` // empty for anonymous viewers
	StartedAt            time.Time  `json:"startedAt"`
	EndedAt              *time.Time `json:"endedAt,omitempty"`
	CompletionPercentage float64    `json:"completionPercentage"`
}
