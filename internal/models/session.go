// Package models provides data model definitions for the Pokébrowser core.
package models

// User identifies the signed-in account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the identity handle returned by the auth flow. The core never
// performs the sign-in itself; it receives a Session (or nil) from the
// auth-state listener and treats its presence as the cloud-authority switch.
type Session struct {
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
}

// UserID returns the session's user id, or "" for a nil session.
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}
