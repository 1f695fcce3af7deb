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

// Package relay delivers all outbound mail through one configured smart
// host.
package relay

import (
	"context"
	"net"

	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/smtpconn"
	"github.com/maildeck/maildeck/internal/target"
)

type Target struct {
	endpoint       smtpconn.Endpoint
	username       string
	password       string
	senderHostname string
	log            log.Logger
}

func New(cfg *config.Settings, l log.Logger) (*Target, error) {
	host, port, err := net.SplitHostPort(cfg.RelayHost)
	if err != nil {
		return nil, err
	}
	return &Target{
		endpoint: smtpconn.Endpoint{
			Host:        host,
			Port:        port,
			ImplicitTLS: cfg.RelayUseTLS,
		},
		username:       cfg.RelayUsername,
		password:       cfg.RelayPassword,
		senderHostname: cfg.SenderHostname,
		log:            l,
	}, nil
}

// Deliver hands the whole recipient set to the relay in one transaction.
func (t *Target) Deliver(ctx context.Context, envelopeFrom string, recipients []string, raw []byte) map[string]target.Result {
	return target.SendToHost(ctx, target.HostParams{
		Endpoint:       t.endpoint,
		Username:       t.username,
		Password:       t.password,
		EnvelopeFrom:   envelopeFrom,
		Recipients:     recipients,
		Raw:            raw,
		SenderHostname: t.senderHostname,
		Log:            t.log,
	})
}
