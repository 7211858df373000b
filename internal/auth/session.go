package auth

// SessionData represents the authenticated session context for a request
type SessionData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	IsPro     bool   `json:"is_pro"`
}
