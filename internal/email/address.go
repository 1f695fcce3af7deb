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

package email

import (
	netmail "net/mail"
	"strings"
)

var addressParser = netmail.AddressParser{WordDecoder: &wordDecoder}

// parseAddressList parses a To/Cc/Bcc style header value into addresses.
//
// It tolerates everything real mail contains: quoted display names with
// commas/colons/semicolons, encoded words, folded headers, Unicode names.
// A fragment that cannot be parsed at all is kept as {Name:"", Email:raw}
// rather than dropped.
func parseAddressList(raw string) []Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if list, err := addressParser.ParseList(raw); err == nil {
		out := make([]Address, 0, len(list))
		for _, a := range list {
			out = append(out, Address{Name: cleanName(a.Name), Email: a.Address})
		}
		return out
	}

	// The list as a whole is malformed. Split on top-level commas and
	// salvage each fragment independently.
	var out []Address
	for _, frag := range splitAddrList(raw) {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		if a, err := addressParser.Parse(frag); err == nil {
			out = append(out, Address{Name: cleanName(a.Name), Email: a.Address})
		} else {
			out = append(out, Address{Email: decodeHeader(frag)})
		}
	}
	return out
}

// parseAddress parses a single From style value. Empty input yields a zero
// Address.
func parseAddress(raw string) Address {
	list := parseAddressList(raw)
	if len(list) == 0 {
		return Address{}
	}
	return list[0]
}

func cleanName(name string) string {
	return strings.ReplaceAll(name, "\x00", "")
}

// splitAddrList splits on commas that are not inside double quotes, comments
// or angle brackets.
func splitAddrList(raw string) []string {
	var (
		parts   []string
		start   int
		inQuote bool
		depth   int
		escaped bool
	)
	for i, ch := range raw {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inQuote
		case '"':
			inQuote = !inQuote
		case '(', '<':
			if !inQuote {
				depth++
			}
		case ')', '>':
			if !inQuote && depth > 0 {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

// formatAddress renders an Address for a header. Display names that need it
// are quoted by net/mail.
func formatAddress(a Address) string {
	return (&netmail.Address{Name: a.Name, Address: a.Email}).String()
}

func formatAddressList(list []Address) string {
	strs := make([]string, 0, len(list))
	for _, a := range list {
		strs = append(strs, formatAddress(a))
	}
	return strings.Join(strs, ", ")
}
