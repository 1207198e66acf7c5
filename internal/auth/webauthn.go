package auth

import (
	"fmt"

	"github.com/duo-labs/webauthn/protocol"
	"github.com/duo-labs/webauthn/webauthn"

	"github.com/merchward/bastion/internal/models"
)

// NewRelyingParty builds the WebAuthn relying party all ceremonies run
// against. Origin and RP ID binding is enforced by the library during
// finish-ceremony verification.
func NewRelyingParty(rpID, rpOrigin, displayName string) (*webauthn.WebAuthn, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName:         displayName,
		RPID:                  rpID,
		RPOrigin:              rpOrigin,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure relying party: %w", err)
	}
	return wa, nil
}

// CeremonyUser adapts an account and its registered credentials to the
// webauthn.User interface.
type CeremonyUser struct {
	Account     *models.Account
	Credentials []models.WebAuthnCredential
}

func (u *CeremonyUser) WebAuthnID() []byte {
	return []byte(u.Account.ID)
}

func (u *CeremonyUser) WebAuthnName() string {
	return u.Account.Email
}

func (u *CeremonyUser) WebAuthnDisplayName() string {
	if u.Account.DisplayName != "" {
		return u.Account.DisplayName
	}
	return u.Account.Email
}

func (u *CeremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *CeremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		creds = append(creds, webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return creds
}

// CredentialDescriptors lists the registered credential ids in the wire
// format used for allow/exclude lists in ceremony options.
func (u *CeremonyUser) CredentialDescriptors() []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}
	return descriptors
}
