package session

import (
	"time"
)

// Session is the identity of a visitor across time. The visitor ID is
// durable across sessions; the session ID rotates on expiry or failed
// validation. Platform, user agent, referrer and landing page are captured
// once at creation and never mutated afterwards.
type Session struct {
	SessionID    string    `json:"session_id"`
	VisitorID    string    `json:"visitor_id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	PageViews    int       `json:"page_views"`
	Platform     string    `json:"platform"`
	UserAgent    string    `json:"user_agent"`
	Referrer     string    `json:"referrer,omitempty"`
	LandingPage  string    `json:"landing_page,omitempty"`
}

// Expired reports whether the session idled past timeout as of now.
func (s Session) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) >= timeout
}

// Duration returns how long the session has been alive.
func (s Session) Duration(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}
