package storage

import (
	"fmt"

	"github.com/cmsbridge/mcp-broker/security"
)

// EncryptGrant returns a copy of the grant with its refresh token encrypted.
// If the encryptor is nil or disabled the grant is returned unchanged.
func EncryptGrant(grant *Grant, enc *security.Encryptor) (*Grant, error) {
	if grant == nil || enc == nil || !enc.IsEnabled() || grant.RefreshToken == "" {
		return grant, nil
	}
	ciphertext, err := enc.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	c := grant.Clone()
	c.RefreshToken = ciphertext
	return c, nil
}

// DecryptGrant reverses EncryptGrant.
func DecryptGrant(grant *Grant, enc *security.Encryptor) (*Grant, error) {
	if grant == nil || enc == nil || !enc.IsEnabled() || grant.RefreshToken == "" {
		return grant, nil
	}
	plaintext, err := enc.Decrypt(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	c := grant.Clone()
	c.RefreshToken = plaintext
	return c, nil
}

// EncryptRegistration returns a copy of the registration with its client
// secret and management token encrypted. If the encryptor is nil or disabled
// the registration is returned unchanged.
func EncryptRegistration(reg *ClientRegistration, enc *security.Encryptor) (*ClientRegistration, error) {
	if reg == nil || enc == nil || !enc.IsEnabled() {
		return reg, nil
	}
	c := reg.Clone()
	var err error
	if c.ClientSecret != "" {
		if c.ClientSecret, err = enc.Encrypt(c.ClientSecret); err != nil {
			return nil, fmt.Errorf("failed to encrypt client secret: %w", err)
		}
	}
	if c.ManagementToken != "" {
		if c.ManagementToken, err = enc.Encrypt(c.ManagementToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt management token: %w", err)
		}
	}
	return c, nil
}

// DecryptRegistration reverses EncryptRegistration.
func DecryptRegistration(reg *ClientRegistration, enc *security.Encryptor) (*ClientRegistration, error) {
	if reg == nil || enc == nil || !enc.IsEnabled() {
		return reg, nil
	}
	c := reg.Clone()
	var err error
	if c.ClientSecret != "" {
		if c.ClientSecret, err = enc.Decrypt(c.ClientSecret); err != nil {
			return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
		}
	}
	if c.ManagementToken != "" {
		if c.ManagementToken, err = enc.Decrypt(c.ManagementToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt management token: %w", err)
		}
	}
	return c, nil
}
