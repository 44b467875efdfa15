package models

import (
	"time"
)

// SudoModeSession holds the elevation state of one authenticated session
type SudoModeSession struct {
	SessionID   string
	PrincipalID string
	ConfirmedAt *time.Time // last time identity was re-proven
	RequiredAt  *time.Time // deadline after which re-confirmation is demanded
}
