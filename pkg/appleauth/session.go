package appleauth

import (
	"net/http"
	"time"
)

// Session is an authenticated Apple ID session. It lives in memory only.
type Session struct {
	AppleID string
	DSID    string
	// Token is the X-Apple-Session-Token, sent as the myacinfo cookie.
	Token     string
	SCNT      string
	SessionID string
	// AuthType is "password" or "2fa".
	AuthType string
	Anisette *AnisetteData

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Apply sets the session cookie and anisette headers on h.
func (s *Session) Apply(h http.Header) {
	if s == nil {
		return
	}
	s.Anisette.Apply(h)
	if s.Token != "" {
		h.Set("Cookie", "myacinfo="+s.Token)
	}
	if s.DSID != "" {
		h.Set("X-Apple-DS-ID", s.DSID)
	}
}
