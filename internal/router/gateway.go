// Package router drives the VPN concentrator that bridges per-user VLANs to
// remote students. Every operation dials a fresh session and closes it on return.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/metrics"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

// Session runs commands on an open router connection
type Session interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens router sessions
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Config holds the router-side names and positions used in commands
type Config struct {
	UplinkInterface  string
	FirewallPosition int
	DefaultProfile   string
	VPNService       string
	DialRetries      uint64
	// DialBackoff is the initial retry interval; zero uses the backoff library default
	DialBackoff time.Duration
}

// Gateway performs VLAN and VPN operations on the router
type Gateway struct {
	dialer    Dialer
	allocator *vlan.Allocator
	cfg       Config
	logger    zerolog.Logger
}

// New creates a gateway
func New(dialer Dialer, allocator *vlan.Allocator, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = "default"
	}
	if cfg.VPNService == "" {
		cfg.VPNService = "pptp"
	}
	return &Gateway{
		dialer:    dialer,
		allocator: allocator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Output fragments RouterOS prints when a command is rejected
var failureMarkers = []string{
	"failure:",
	"syntax error",
	"bad command name",
	"expected end of command",
	"input does not match",
	"invalid value",
	"already have",
}

// CreateVlanInterface creates the VLAN interface, VPN profile, gateway address and
// forward rule for a VLAN, in that order.
func (g *Gateway) CreateVlanInterface(ctx context.Context, vlanID int64) error {
	if err := ValidateVlanID(vlanID); err != nil {
		return err
	}
	plan, err := g.allocator.PlanFor(vlanID)
	if err != nil {
		return &CommandError{Op: "create_vlan_interface", Err: err}
	}

	return g.withSession(ctx, "create_vlan_interface", func(s Session) error {
		return g.runSteps(ctx, s, "create_vlan_interface", g.createVlanSteps(plan))
	})
}

// DeleteVlanInterface removes everything CreateVlanInterface made, in reverse order.
// Removing an absent VLAN succeeds.
func (g *Gateway) DeleteVlanInterface(ctx context.Context, vlanID int64) error {
	if err := ValidateVlanID(vlanID); err != nil {
		return err
	}
	return g.withSession(ctx, "delete_vlan_interface", func(s Session) error {
		return g.runSteps(ctx, s, "delete_vlan_interface", deleteVlanSteps(vlanID))
	})
}

// BindUser points the user's VPN secret at the VLAN's profile
func (g *Gateway) BindUser(ctx context.Context, email string, vlanID int64) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidateVlanID(vlanID); err != nil {
		return err
	}
	return g.single(ctx, "bind_user", "ppp_secret", bindCommand(email, vlanID))
}

// UnbindUser points the user's VPN secret back at the default profile
func (g *Gateway) UnbindUser(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	return g.single(ctx, "unbind_user", "ppp_secret", unbindCommand(email, g.cfg.DefaultProfile))
}

// CreateVPNCredential adds a VPN secret for the user
func (g *Gateway) CreateVPNCredential(ctx context.Context, email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	return g.single(ctx, "create_vpn_credential", "ppp_secret", createSecretCommand(email, g.cfg.VPNService, password))
}

// DeleteVPNCredential removes the user's VPN secret; an absent secret is not an error
func (g *Gateway) DeleteVPNCredential(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	return g.single(ctx, "delete_vpn_credential", "ppp_secret", deleteSecretCommand(email))
}

// ResetVPNCredential sets a new password on the user's VPN secret
func (g *Gateway) ResetVPNCredential(ctx context.Context, email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	return g.single(ctx, "reset_vpn_credential", "ppp_secret", resetSecretCommand(email, password))
}

func (g *Gateway) single(ctx context.Context, op, stepName, command string) error {
	return g.withSession(ctx, op, func(s Session) error {
		return g.runSteps(ctx, s, op, []step{{name: stepName, commands: []string{command}}})
	})
}

// withSession dials, runs fn and always closes the session
func (g *Gateway) withSession(ctx context.Context, op string, fn func(s Session) error) (err error) {
	logger := g.logger.With().Str("operation", op).Logger()
	defer func() {
		metrics.RouterCommands.WithLabelValues(op, metrics.Result(err)).Inc()
	}()

	session, err := g.dial(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("router dial failed")
		return &CommandError{Op: op, Step: "connect", Err: err}
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("failed to close router session")
		}
	}()

	return fn(session)
}

func (g *Gateway) dial(ctx context.Context) (Session, error) {
	var session Session
	operation := func() error {
		s, err := g.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		session = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if g.cfg.DialBackoff > 0 {
		b.InitialInterval = g.cfg.DialBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.cfg.DialRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return session, nil
}

func (g *Gateway) runSteps(ctx context.Context, s Session, op string, steps []step) error {
	for _, st := range steps {
		for _, command := range st.commands {
			output, err := s.Run(ctx, command)
			if err == nil {
				err = outputError(output)
			}
			if err != nil {
				g.logger.Error().Err(err).Str("operation", op).Str("step", st.name).Msg("router step failed")
				return &CommandError{Op: op, Step: st.name, Err: err}
			}
		}
		g.logger.Debug().Str("operation", op).Str("step", st.name).Msg("router step done")
	}
	return nil
}

func outputError(output string) error {
	lower := strings.ToLower(output)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return errors.New(strings.TrimSpace(output))
		}
	}
	return nil
}
