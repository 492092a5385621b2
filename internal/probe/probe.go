// Package probe checks that IMAP endpoints accept connections before any
// account work starts.
package probe

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"time"

	"mailmigrate/internal/config"
	"mailmigrate/internal/token"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// DialTimeout bounds each connection attempt and the server greeting
var DialTimeout = 10 * time.Second

// Prober dials IMAP servers
type Prober struct {
	retries int
	logger  *zap.Logger
}

// New creates a prober that makes up to retries connection attempts
func New(retries int, logger *zap.Logger) *Prober {
	if retries < 1 {
		retries = 1
	}
	return &Prober{retries: retries, logger: logger}
}

// Destination connects to the destination server once, reads its greeting and
// logs out. TLS certificate verification follows the destination's toggle.
func (p *Prober) Destination(ctx context.Context, dest config.Destination) error {
	var tlsConfig *tls.Config
	if dest.TLS {
		tlsConfig = &tls.Config{ServerName: dest.Host, InsecureSkipVerify: !dest.TLSVerify} //nolint:gosec // operator toggle
	}

	c, err := p.dial(ctx, dest.Address(), tlsConfig)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", dest.Address(), err)
	}
	defer c.Logout()

	p.logger.Info("Destination server reachable", zap.String("address", dest.Address()), zap.Bool("tls", dest.TLS))
	return nil
}

// SourceLogin authenticates to the account's source server with the XOAUTH2
// bearer mechanism, proving the access token is accepted.
func (p *Prober) SourceLogin(ctx context.Context, account config.Account, accessToken string) error {
	addr := net.JoinHostPort(account.Host(), strconv.Itoa(account.Port()))
	c, err := p.dial(ctx, addr, &tls.Config{ServerName: account.Host()})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer c.Logout()

	if err := c.Authenticate(&bearerClient{user: account.Email, token: accessToken}); err != nil {
		return fmt.Errorf("XOAUTH2 login as %s: %w", account.Email, err)
	}

	p.logger.Info("Source login succeeded", zap.String("account", account.Email), zap.String("address", addr))
	return nil
}

// dial establishes the connection, retrying only the dial itself.
func (p *Prober) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}

	var c *client.Client
	attempt := 0
	err := retry.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if tlsConfig != nil {
			c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
		} else {
			c, err = client.DialWithDialer(dialer, addr)
		}
		return err
	}, p.retries, func(err error) error {
		p.logger.Warn("Failed to connect, retrying shortly",
			zap.String("address", addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil
	}, func() error {
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// bearerClient is a SASL XOAUTH2 client
type bearerClient struct {
	user  string
	token string
}

func (b *bearerClient) Start() (string, []byte, error) {
	ir, err := base64.StdEncoding.DecodeString(token.BearerAuthString(b.user, b.token))
	if err != nil {
		return "", nil, err
	}
	return "XOAUTH2", ir, nil
}

// Next answers the server's error challenge with an empty response so the
// server completes the exchange with a tagged NO.
func (b *bearerClient) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}
