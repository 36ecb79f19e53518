package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"tenantry.org/internal/ids"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// MFAEnrollment is returned once when a user starts TOTP enrolment.
type MFAEnrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// EnrollMFA generates a TOTP secret and backup codes. MFA stays disabled until ConfirmMFA.
func (c *CredentialStore) EnrollMFA(ctx context.Context, tenantID, userID string) (MFAEnrollment, error) {
	u, err := c.Get(ctx, tenantID, userID)
	if err != nil {
		return MFAEnrollment{}, err
	}
	if u.MFAEnabled {
		return MFAEnrollment{}, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      c.opts.mfaIssuer,
		AccountName: u.Email,
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("generate totp key: %w", err)
	}
	codes := make([]string, 0, backupCodeCount)
	hashed := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := ids.Token(6)
		if err != nil {
			return MFAEnrollment{}, err
		}
		codes = append(codes, code)
		hashed = append(hashed, hashSecret(code))
	}
	_, err = c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.MFASecret = key.Secret()
		u.BackupCodes = hashed
		u.MFAEnabled = false
		u.UpdatedAt = c.opts.now()
		return nil
	})
	if err != nil {
		return MFAEnrollment{}, err
	}
	return MFAEnrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// ConfirmMFA enables MFA once the user proves possession of the enrolled secret.
func (c *CredentialStore) ConfirmMFA(ctx context.Context, tenantID, userID, code string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		if u.MFASecret == "" {
			return fmt.Errorf("%w: mfa enrolment not started", ErrInvalidInput)
		}
		step, ok := c.matchTOTP(u.MFASecret, code)
		if !ok {
			return ErrInvalidToken
		}
		u.MFAEnabled = true
		u.MFALastStep = step
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// VerifyMFA checks a TOTP code, falling back to a one-shot backup code which is consumed.
// A TOTP code is accepted once: its time step must be later than the last accepted one.
func (c *CredentialStore) VerifyMFA(ctx context.Context, tenantID, userID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	var ok bool
	_, err := c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		if !u.MFAEnabled {
			return nil
		}
		if step, match := c.matchTOTP(u.MFASecret, code); match {
			if step <= u.MFALastStep {
				return nil
			}
			u.MFALastStep = step
			u.UpdatedAt = c.opts.now()
			ok = true
			return nil
		}
		want := hashSecret(code)
		for i, h := range u.BackupCodes {
			if subtle.ConstantTimeCompare([]byte(h), []byte(want)) == 1 {
				u.BackupCodes = append(append([]string(nil), u.BackupCodes[:i]...), u.BackupCodes[i+1:]...)
				u.UpdatedAt = c.opts.now()
				ok = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// DisableMFA removes the secret and backup codes.
func (c *CredentialStore) DisableMFA(ctx context.Context, tenantID, userID string) (User, error) {
	return c.store.Users(ctx).Update(ctx, tenantID, userID, func(u *User) error {
		u.MFAEnabled = false
		u.MFASecret = ""
		u.BackupCodes = nil
		u.UpdatedAt = c.opts.now()
		return nil
	})
}

// matchTOTP reports the time step code belongs to, searching the current step and the
// skew window around it.
func (c *CredentialStore) matchTOTP(secret, code string) (int64, bool) {
	if secret == "" || len(code) != totpOpts.Digits.Length() {
		return 0, false
	}
	period := int64(totpOpts.Period)
	current := c.opts.now().Unix() / period
	for step := current - int64(totpOpts.Skew); step <= current+int64(totpOpts.Skew); step++ {
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}
