package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/gatehouselabs/gatehouse/internal/ids"
	"github.com/gatehouselabs/gatehouse/store"
)

// ceremonyUser adapts a stored user and their persisted credentials to the
// webauthn.User interface for the duration of one ceremony.
type ceremonyUser struct {
	user  *store.User
	creds []webauthn.Credential
}

func newCeremonyUser(u *store.User, creds []store.PasskeyCredential) *ceremonyUser {
	converted := make([]webauthn.Credential, 0, len(creds))
	for _, c := range creds {
		converted = append(converted, toLibraryCredential(c))
	}
	return &ceremonyUser{user: u, creds: converted}
}

func (u *ceremonyUser) WebAuthnID() []byte { return []byte(u.user.ID) }

func (u *ceremonyUser) WebAuthnName() string {
	if u.user.Username != "" {
		return u.user.Username
	}
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.WebAuthnName()
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func toLibraryCredential(c store.PasskeyCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        c.CredentialID,
		PublicKey: c.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.DeviceType == string(protocol.CredentialDeviceTypeMultiDevice),
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{SignCount: c.SignCount},
	}
}

func toStoredCredential(userID, name string, cred *webauthn.Credential, now time.Time) *store.PasskeyCredential {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	deviceType := string(protocol.CredentialDeviceTypeSingleDevice)
	if cred.Flags.BackupEligible {
		deviceType = string(protocol.CredentialDeviceTypeMultiDevice)
	}
	return &store.PasskeyCredential{
		ID:           ids.New(),
		UserID:       userID,
		Name:         name,
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		Transports:   transports,
		DeviceType:   deviceType,
		BackedUp:     cred.Flags.BackupState,
		SignCount:    cred.Authenticator.SignCount,
		CreatedAt:    now,
	}
}
