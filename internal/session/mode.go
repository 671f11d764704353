package session

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/example/wastesense/internal/catalog"
)

const (
	cookieName  = "wastesense_session"
	modeKey     = "mode"
	lastScanKey = "last_scan"
)

// Middleware installs the signed cookie session store.
func Middleware(secret string) gin.HandlerFunc {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 0, HttpOnly: true})
	return sessions.Sessions(cookieName, store)
}

// Mode returns the session's catalog mode, or fallback when none is stored.
func Mode(c *gin.Context, fallback catalog.Mode) catalog.Mode {
	raw, ok := sessions.Default(c).Get(modeKey).(string)
	if !ok {
		return fallback
	}
	mode, err := catalog.ParseMode(raw)
	if err != nil {
		return fallback
	}
	return mode
}

// SetMode stores mode in the session.
func SetMode(c *gin.Context, mode catalog.Mode) error {
	s := sessions.Default(c)
	s.Set(modeKey, string(mode))
	return s.Save()
}

// ToggleMode flips the stored mode and returns the new one.
func ToggleMode(c *gin.Context, fallback catalog.Mode) (catalog.Mode, error) {
	next := Mode(c, fallback).Toggle()
	return next, SetMode(c, next)
}

// LastScan returns the request id of the user's most recent scan.
func LastScan(c *gin.Context) (string, bool) {
	id, ok := sessions.Default(c).Get(lastScanKey).(string)
	return id, ok && id != ""
}

// SetLastScan remembers requestID as the scan the user is looking at.
func SetLastScan(c *gin.Context, requestID string) error {
	s := sessions.Default(c)
	s.Set(lastScanKey, requestID)
	return s.Save()
}
