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

// Package address provides utilities for working with email addresses as
// defined by RFC 5321 (forward-path tokens).
package address

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// Split splits an email address into the local part and the domain.
//
// Split does almost no sanity checks on the input and is intentionally
// naive.
func Split(addr string) (mailbox, domain string, err error) {
	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// Domain returns the domain part of the address, lowercased. Empty string is
// returned for malformed input.
func Domain(addr string) string {
	_, domain, err := Split(addr)
	if err != nil {
		return ""
	}
	return strings.ToLower(domain)
}

// Normalize lowercases the domain part of the address. The local part is
// preserved as-is since its case-sensitivity is up to the receiving server.
func Normalize(addr string) string {
	local, domain, err := Split(addr)
	if err != nil {
		return addr
	}
	return local + "@" + strings.ToLower(domain)
}

// ToASCII converts the domain part of the address to the A-label form. The
// local part is required to be ASCII already, an error is returned
// otherwise.
func ToASCII(addr string) (string, error) {
	local, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !isASCII(local) {
		return addr, errors.New("address: cannot convert non-ASCII local-part")
	}
	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return local + "@" + aDomain, nil
}

// IsASCII reports whether the address consists only of ASCII characters.
func IsASCII(addr string) bool {
	return isASCII(addr)
}

func isASCII(s string) bool {
	for _, ch := range s {
		if ch > 127 {
			return false
		}
	}
	return true
}

// Equal reports whether two addresses refer to the same mailbox, comparing
// the domain case-insensitively.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
