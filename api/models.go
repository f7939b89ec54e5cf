package api

import "time"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the JSON body for POST /auth/login. Identifier is an
// email address or username.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// TokenPairResponse is returned whenever a fresh admin token pair is
// minted: login, refresh, passkey login, and password change.
type TokenPairResponse struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token"`
	TokenType        string         `json:"token_type"`
	SessionID        string         `json:"session_id"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
	CSRFToken        string         `json:"csrf_token,omitempty"`
	User             *PrincipalView `json:"user,omitempty"`
}

// PrincipalView is the safe projection of an authenticated user.
type PrincipalView struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	Name        string          `json:"name,omitempty"`
	Role        string          `json:"role"`
	Permissions PermissionsView `json:"permissions"`
}

// PermissionsView mirrors the product's permission JSON.
type PermissionsView struct {
	Menus           map[string]bool `json:"menus,omitempty"`
	Actions         map[string]bool `json:"actions,omitempty"`
	VisibleStatuses []string        `json:"visible_statuses,omitempty"`
}

// RefreshRequest is the JSON body for POST /auth/refresh. The token may
// instead arrive in the gh_refresh cookie.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// LogoutRequest is the JSON body for POST /auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ChangePasswordRequest is the JSON body for POST /auth/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// CSRFTokenResponse is returned from GET /auth/csrf.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// ShareSessionRequest is the JSON body for POST /share/{shareID}/session.
// Which fields matter depends on the share's auth mode: password mode
// reads Password, OTP mode reads Email and Code, guest mode reads only
// GuestName.
type ShareSessionRequest struct {
	Password  string `json:"password,omitempty"`
	Email     string `json:"email,omitempty"`
	Code      string `json:"code,omitempty"`
	GuestName string `json:"guest_name,omitempty"`
}

// ShareSessionResponse is returned when a share session is opened or
// inspected.
type ShareSessionResponse struct {
	ShareToken    string    `json:"share_token,omitempty"`
	SessionID     string    `json:"session_id"`
	ShareID       string    `json:"share_id"`
	ProjectID     string    `json:"project_id"`
	Permissions   []string  `json:"permissions"`
	Guest         bool      `json:"guest,omitempty"`
	AdminOverride bool      `json:"admin_override,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ShareOTPRequest is the JSON body for POST /share/{shareID}/otp.
type ShareOTPRequest struct {
	Email string `json:"email"`
}

// RevokedSessionsResponse is returned from the project-wide share
// revocation endpoint.
type RevokedSessionsResponse struct {
	Revoked int `json:"revoked"`
}

// PasskeyView describes a registered credential for the management UI.
// Key material never appears here.
type PasskeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceType string     `json:"device_type,omitempty"`
	BackedUp   bool       `json:"backed_up"`
	Transports []string   `json:"transports,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ListPasskeysResponse is returned from GET /webauthn/credentials.
type ListPasskeysResponse struct {
	Credentials []PasskeyView `json:"credentials"`
}

// RenamePasskeyRequest is the JSON body for PATCH /webauthn/credentials/{credentialID}.
type RenamePasskeyRequest struct {
	Name string `json:"name"`
}

// PasskeyLoginBeginRequest is the JSON body for POST /webauthn/login/begin.
// An empty email starts a discoverable (usernameless) ceremony.
type PasskeyLoginBeginRequest struct {
	Email string `json:"email,omitempty"`
}

// MessageResponse is a generic acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}
