package auth

import "errors"

// ErrInvalidCredentials covers every credential failure: unknown user,
// wrong password, disabled account. Callers must not distinguish these to
// the client; the detailed cause is logged server-side only.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")
