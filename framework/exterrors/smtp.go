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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code triplet.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error kind used for failures that map to an SMTP status
// code, either produced locally or reported by a remote server.
//
// Temporary() is derived from the code class: 4xx errors are temporary and
// the corresponding recipient should be retried, 5xx errors are permanent.
type SMTPError struct {
	// Numeric SMTP status code.
	Code int

	// Enhanced status code triplet, RFC 3463.
	EnhancedCode EnhancedCode

	// Status text to present to the caller.
	Message string

	// Name of the transport or check that generated the error.
	TargetName string

	// Short human-readable description of the root cause, if it is more
	// useful than the underlying error text.
	Reason string

	Err error

	// Additional structured fields for logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	return se.Message
}

// SMTPCode returns temporaryCode if the passed error is temporary per
// IsTemporaryOrUnspec, permanentCode otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for the enhanced status code, it adjusts only the
// first digit.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
		return base
	}
	base[0] = 5
	return base
}
