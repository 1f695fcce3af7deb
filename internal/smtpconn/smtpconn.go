/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtpconn wraps the go-smtp client session with error
// classification, TLS mode selection, SASL auth and SOCKS5 tunneling. One C
// object is one session and cannot be reused after Close.
package smtpconn

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/maildeck/maildeck/framework/address"
	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
)

// Endpoint is the remote SMTP server to talk to.
type Endpoint struct {
	Host string
	Port string

	// IP, when set, is the address dialed instead of Host. Host is still
	// used for TLS server name verification.
	IP string

	// ImplicitTLS wraps the TCP connection in TLS before SMTP starts
	// (smtps). Otherwise STARTTLS is attempted when offered.
	ImplicitTLS bool
}

func (e Endpoint) Address() string {
	host := e.Host
	if e.IP != "" {
		host = e.IP
	}
	return net.JoinHostPort(host, e.Port)
}

type C struct {
	// Dialer establishes new network connections. Replaced by the SOCKS5
	// dialer when a proxy is configured.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	// Hostname sent in EHLO, in A-labels form.
	Hostname string

	TLSConfig *tls.Config
	Log       log.Logger

	serverName string
	cl         *smtp.Client
}

func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    time.Minute,
		CommandTimeout:    time.Minute,
		SubmissionTimeout: 5 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

// Connect dials the endpoint, negotiates TLS and sends EHLO.
func (c *C) Connect(ctx context.Context, endp Endpoint) error {
	cl, err := c.handshake(ctx, endp)
	if err != nil {
		return c.wrapClientErr(err, endp.Host)
	}

	c.serverName = endp.Host
	c.cl = cl
	return nil
}

// handshake establishes the SMTP session. Plaintext endpoints are tried
// with STARTTLS first; a server that does not advertise it gets one more
// connection without TLS.
func (c *C) handshake(ctx context.Context, endp Endpoint) (*smtp.Client, error) {
	conn, err := c.dial(ctx, endp)
	if err != nil {
		return nil, err
	}

	cfg := c.TLSConfig.Clone()
	cfg.ServerName = endp.Host

	if endp.ImplicitTLS {
		return c.hello(smtp.NewClient(tls.Client(conn, cfg)))
	}

	cl, err := smtp.NewClientStartTLS(conn, cfg)
	if err == nil {
		// NewClientStartTLS greets as "localhost", resend EHLO with the
		// real hostname now that the session is encrypted.
		return c.hello(cl)
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		// The server knows STARTTLS but refused it, do not downgrade.
		return nil, err
	}

	conn, derr := c.dial(ctx, endp)
	if derr != nil {
		return nil, derr
	}
	return c.hello(smtp.NewClient(conn))
}

func (c *C) dial(ctx context.Context, endp Endpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	return c.Dialer(dialCtx, "tcp", endp.Address())
}

func (c *C) hello(cl *smtp.Client) (*smtp.Client, error) {
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// Auth performs SASL PLAIN authentication.
func (c *C) Auth(username, password string) error {
	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

func (c *C) Mail(from string) error {
	from, err := address.ToASCII(from)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "cannot convert sender address to ASCII",
			Err:          err,
		}
	}
	if err := c.cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

func (c *C) Rcpt(to string) error {
	to, err := address.ToASCII(to)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "cannot convert recipient address to ASCII",
			Err:          err,
		}
	}
	if err := c.cl.Rcpt(to, &smtp.RcptOptions{}); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Data streams the raw message. On failure the connection may be mid-stream
// and must not be reused.
func (c *C) Data(raw []byte) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, bytes.NewReader(raw)); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

func (c *C) ServerName() string { return c.serverName }

// Close sends QUIT, falling back to closing the socket.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		c.cl.Close()
	}
	c.cl = nil
	c.serverName = ""
	return nil
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	var exErr *exterrors.SMTPError
	var opErr *net.OpError
	switch {
	case errors.As(err, &exErr):
		return err
	case errors.As(err, &smtpErr):
		code := smtpErr.Code
		ench := exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			// RFC 5321 Section 4.5.3.1.10, 552 is often a transient
			// over-quota condition.
			code = 452
			ench[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: ench,
			Message:      serverName + " said: " + smtpErr.Message,
			Err:          err,
			Misc:         map[string]interface{}{"remote_server": serverName},
		}
	case errors.As(err, &opErr):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
				"io_op":         opErr.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Retryable reports whether a delivery failure is worth retrying: 4xx SMTP
// codes and network errors are, 5xx are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 400 && smtpErr.Code < 500
	}
	var rawSMTP *smtp.SMTPError
	if errors.As(err, &rawSMTP) {
		return rawSMTP.Code >= 400 && rawSMTP.Code < 500
	}
	// Network-level failure.
	return true
}
