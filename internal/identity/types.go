package identity

import "time"

// Device types reported with every token exchange
const (
	DeviceDesktop = "desktop"
	DeviceTablet  = "tablet"
	DeviceMobile  = "mobile"
)

// DeviceInfo identifies the client to the backend's device session tracking
type DeviceInfo struct {
	Fingerprint string `json:"device_fingerprint" validate:"required"`
	DeviceType  string `json:"device_type" validate:"omitempty,oneof=desktop tablet mobile"`
	Browser     string `json:"browser,omitempty"`
	OS          string `json:"os,omitempty"`
}

// Credentials is the success payload of every token exchange
type Credentials struct {
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	Email        string `json:"email"`
	IsPro        bool   `json:"is_pro"`
}

// SessionInfo is the server's authoritative view of a session
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	IsPro     bool   `json:"is_pro"`
}

// DeviceSession is one of an account's active sessions
type DeviceSession struct {
	SessionID  string    `json:"session_id"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Current    bool      `json:"current"`
}

// PreCheckout tells the client how to route an email into checkout
type PreCheckout struct {
	AccountExists bool `json:"account_exists"`
	IsPro         bool `json:"is_pro"`
}

// CheckoutRequest starts a hosted payment
type CheckoutRequest struct {
	Email string `json:"email" validate:"required,email"`
	Plan  string `json:"plan" validate:"required,oneof=monthly yearly"`
}

// CheckoutSession is a created hosted payment
type CheckoutSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

// Checkout statuses
const (
	CheckoutPending  = "pending"
	CheckoutComplete = "complete"
	CheckoutFailed   = "failed"
)

// CheckoutStatus is one poll result. Token is the single-use checkout token, set
// once Status is complete.
type CheckoutStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// ExportRequest asks the backend to render a document
type ExportRequest struct {
	DocumentID string `json:"document_id" validate:"required"`
	Layout     string `json:"layout" validate:"required,oneof=standard economy"`
}

// ExportResult points at the rendered file
type ExportResult struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	RemainingToday int    `json:"remaining_today"`
}
