package session

import (
	"context"
	"errors"
	"fmt"

	"vitaview/audit"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer labels enrolment keys in authenticator apps.
const TOTPIssuer = "VitaView"

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPSecret creates an enrolment key for account.
func GenerateTOTPSecret(account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: account,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return key, nil
}

func twoFactorKey(userID string) string {
	return "2fa:" + userID
}

// VerifyTwoFactor checks a TOTP passcode for the session owner and marks the
// session verified. Failures count toward the owner's lockout.
func (m *Manager) VerifyTwoFactor(ctx context.Context, sessionID, passcode, secret string) error {
	if secret == "" {
		return errors.New("TOTP secret not configured")
	}

	defer m.sessionLocks.lock(sessionID)()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	key := twoFactorKey(sess.UserID)
	if m.IsLockedOut(key) {
		return ErrLockedOut
	}

	valid, err := totp.ValidateCustom(passcode, secret, m.now().UTC(), totpOpts)
	if err != nil || !valid {
		m.RecordFailedAttempt(ctx, key, sess.IP)
		return ErrInvalidPasscode
	}

	m.ResetFailedAttempts(key)
	return m.markVerified(ctx, sess, "totp")
}

// MarkTwoFactorVerified records a second factor checked elsewhere, such as
// a biometric assertion.
func (m *Manager) MarkTwoFactorVerified(ctx context.Context, sessionID string) error {
	defer m.sessionLocks.lock(sessionID)()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.markVerified(ctx, sess, "external")
}

func (m *Manager) markVerified(ctx context.Context, sess *Session, method string) error {
	sess.TwoFactorVerified = true
	if err := m.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	m.audit.Log(ctx, audit.ActionTwoFactorVerified, sess.UserID, nil, map[string]interface{}{
		"session_id": sess.ID,
		"method":     method,
	})
	return nil
}
