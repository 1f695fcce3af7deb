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

// Package dns defines the resolver interface used by the delivery core to
// perform DNS lookups.
//
// Tests substitute a mockdns.Resolver, production code uses
// dns.DefaultResolver().
package dns

import (
	"context"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Resolver describes the DNS-related methods used by the delivery core.
//
// It is implemented by net.DefaultResolver and by mockdns.Resolver. Methods
// behave the same way.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ForLookup converts the domain into the canonical form for DNS queries:
// A-labels, lowercase, no trailing dot.
func ForLookup(domain string) (string, error) {
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.ToLower(domain), "."), nil
}

func DefaultResolver() Resolver {
	return net.DefaultResolver
}
