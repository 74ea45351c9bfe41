package lifecycle

import (
	"context"
	"crypto/rand"
	"math/big"
)

const (
	passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	passwordLength   = 16
)

// GeneratePassword returns a random VPN password from a command-safe alphabet
func GeneratePassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, passwordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// CreateVPNAccount creates the user's VPN credential. An empty password is generated.
// The password in effect is returned.
func (m *Manager) CreateVPNAccount(ctx context.Context, userID, password string) (string, error) {
	return m.withCredential(ctx, "create_vpn_account", userID, password, m.router.CreateVPNCredential)
}

// ResetVPNPassword replaces the user's VPN password. An empty password is generated.
func (m *Manager) ResetVPNPassword(ctx context.Context, userID, password string) (string, error) {
	return m.withCredential(ctx, "reset_vpn_password", userID, password, m.router.ResetVPNCredential)
}

// DeleteVPNAccount removes the user's VPN credential
func (m *Manager) DeleteVPNAccount(ctx context.Context, userID string) error {
	logger := m.logger.With().Str("user_id", userID).Logger()
	user, err := m.directory.GetUser(ctx, userID)
	if err != nil {
		return m.fail(logger, "delete_vpn_account", "user", err)
	}
	if err := m.router.DeleteVPNCredential(ctx, user.Email); err != nil {
		return m.fail(logger, "delete_vpn_account", "router", err)
	}
	logger.Info().Msg("vpn account deleted")
	return nil
}

func (m *Manager) withCredential(ctx context.Context, op, userID, password string, apply func(ctx context.Context, email, password string) error) (string, error) {
	logger := m.logger.With().Str("user_id", userID).Logger()
	user, err := m.directory.GetUser(ctx, userID)
	if err != nil {
		return "", m.fail(logger, op, "user", err)
	}
	if password == "" {
		if password, err = GeneratePassword(); err != nil {
			return "", m.fail(logger, op, "generate_password", err)
		}
	}
	if err := apply(ctx, user.Email, password); err != nil {
		return "", m.fail(logger, op, "router", err)
	}
	logger.Info().Msg(op + " done")
	return password, nil
}
