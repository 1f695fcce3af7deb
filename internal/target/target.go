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

// Package target holds the delivery transport contract shared by the relay
// and direct-MX implementations.
package target

import (
	"context"
	"crypto/tls"

	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/smtpconn"
)

// Result is the per-recipient outcome of one delivery attempt. Retry marks
// failures worth another attempt (4xx replies, network errors); 5xx replies
// are final.
type Result struct {
	Delivered bool
	Error     string
	Retry     bool
}

// Deliverer sends one composed message to a set of recipients.
type Deliverer interface {
	Deliver(ctx context.Context, envelopeFrom string, recipients []string, raw []byte) map[string]Result
}

// HostParams describe one SMTP transaction against one server.
type HostParams struct {
	Endpoint       smtpconn.Endpoint
	Username       string
	Password       string
	EnvelopeFrom   string
	Recipients     []string
	Raw            []byte
	SenderHostname string
	ProxyURL       string
	TLSConfig      *tls.Config
	Log            log.Logger
}

// SendToHost runs one MAIL/RCPT/DATA transaction. Session-level failures
// (dial, EHLO, auth, MAIL FROM, DATA) apply to every still-pending
// recipient; RCPT failures are tracked per recipient.
func SendToHost(ctx context.Context, p HostParams) map[string]Result {
	results := make(map[string]Result, len(p.Recipients))

	failAll := func(err error, retry bool) map[string]Result {
		for _, rcpt := range p.Recipients {
			if _, done := results[rcpt]; !done {
				results[rcpt] = Result{Error: err.Error(), Retry: retry}
			}
		}
		return results
	}

	c := smtpconn.New()
	c.Log = p.Log
	if p.SenderHostname != "" {
		c.Hostname = p.SenderHostname
	}
	if p.TLSConfig != nil {
		c.TLSConfig = p.TLSConfig
	}
	if p.ProxyURL != "" {
		dialer, err := smtpconn.ProxyDialer(p.ProxyURL)
		if err != nil {
			return failAll(err, true)
		}
		c.Dialer = dialer
	}

	if err := c.Connect(ctx, p.Endpoint); err != nil {
		return failAll(err, true)
	}
	defer c.Close()

	if p.Username != "" {
		if err := c.Auth(p.Username, p.Password); err != nil {
			return failAll(err, smtpconn.Retryable(err))
		}
	}

	if err := c.Mail(p.EnvelopeFrom); err != nil {
		return failAll(err, smtpconn.Retryable(err))
	}

	var accepted []string
	for _, rcpt := range p.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			results[rcpt] = Result{Error: err.Error(), Retry: smtpconn.Retryable(err)}
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return results
	}

	if err := c.Data(p.Raw); err != nil {
		retry := smtpconn.Retryable(err)
		for _, rcpt := range accepted {
			results[rcpt] = Result{Error: err.Error(), Retry: retry}
		}
		return results
	}

	for _, rcpt := range accepted {
		results[rcpt] = Result{Delivered: true}
	}
	return results
}
