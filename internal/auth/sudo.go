package auth

import (
	"time"

	"github.com/BradenHooton/warden/internal/models"
)

const DefaultSudoWindow = 15 * time.Minute

// SudoModeGuard tracks whether a session recently re-proved its identity.
// It only reads and mutates state; enforcement belongs to the caller.
type SudoModeGuard struct {
	window time.Duration
}

// NewSudoModeGuard creates a guard; a non-positive window uses DefaultSudoWindow
func NewSudoModeGuard(window time.Duration) *SudoModeGuard {
	if window <= 0 {
		window = DefaultSudoWindow
	}
	return &SudoModeGuard{window: window}
}

func (g *SudoModeGuard) Window() time.Duration {
	return g.window
}

// Confirm records a successful re-authentication at now
func (g *SudoModeGuard) Confirm(session *models.SudoModeSession, now time.Time) {
	confirmedAt := now
	requiredAt := now.Add(g.window)
	session.ConfirmedAt = &confirmedAt
	session.RequiredAt = &requiredAt
}

// IsElevated is true while now is strictly before ConfirmedAt + window
func (g *SudoModeGuard) IsElevated(session *models.SudoModeSession, now time.Time) bool {
	if session == nil || session.ConfirmedAt == nil {
		return false
	}
	return now.Before(session.ConfirmedAt.Add(g.window))
}

// RequireReconfirmation drops any elevation so the next privileged action asks again
func (g *SudoModeGuard) RequireReconfirmation(session *models.SudoModeSession, now time.Time) {
	requiredAt := now
	session.ConfirmedAt = nil
	session.RequiredAt = &requiredAt
}

// ExpiresIn returns how long the session stays elevated, or zero
func (g *SudoModeGuard) ExpiresIn(session *models.SudoModeSession, now time.Time) time.Duration {
	if !g.IsElevated(session, now) {
		return 0
	}
	return session.ConfirmedAt.Add(g.window).Sub(now)
}
