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
	"errors"
	"fmt"
)

// Error kinds used across the delivery core. The REST edge (out of scope
// here) maps them to HTTP statuses: ValidationError - 400, PermissionDenied
// - 403, NotFound - 404, Conflict - 409.

// ParseError indicates structurally invalid MIME input. The caller's input
// is unusable; missing individual headers never produce a ParseError.
type ParseError struct {
	Underlying error
}

func (pe *ParseError) Error() string {
	return "message parse: " + pe.Underlying.Error()
}

func (pe *ParseError) Unwrap() error {
	return pe.Underlying
}

func (pe *ParseError) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": "parse"}
}

// ValidationError is a user-facing precondition failure. Operations
// returning it must leave persistent state untouched.
type ValidationError struct {
	// Name of the offending field ("attachments", "body", ...), may be
	// empty when the failure is not attributable to one field.
	Field string

	Message string
}

func (ve *ValidationError) Error() string {
	if ve.Field != "" {
		return ve.Field + ": " + ve.Message
	}
	return ve.Message
}

func (ve *ValidationError) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": "validation", "field": ve.Field}
}

// PermissionDenied indicates the actor lacks the role required on the
// resource.
type PermissionDenied struct {
	Resource string
}

func (pd *PermissionDenied) Error() string {
	return "permission denied on " + pd.Resource
}

func (pd *PermissionDenied) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": "permission_denied", "resource": pd.Resource}
}

// NotFound indicates the referenced entity does not exist or is not
// accessible to the actor. The two cases are deliberately indistinguishable.
type NotFound struct {
	Resource string
}

func (nf *NotFound) Error() string {
	return nf.Resource + " not found"
}

func (nf *NotFound) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": "not_found", "resource": nf.Resource}
}

// Conflict indicates a uniqueness violation (duplicate label slug, duplicate
// mime_id, forced template collision).
type Conflict struct {
	Resource string
	Key      string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("%s already exists (%s)", c.Resource, c.Key)
}

func (c *Conflict) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": "conflict", "resource": c.Resource, "key": c.Key}
}

// DKIMError indicates a signing or verification failure.
type DKIMError struct {
	Domain   string
	Selector string
	Verify   bool
	Err      error
}

func (de *DKIMError) Error() string {
	op := "sign"
	if de.Verify {
		op = "verification"
	}
	return fmt.Sprintf("dkim %s failed for %s (s=%s): %v", op, de.Domain, de.Selector, de.Err)
}

func (de *DKIMError) Unwrap() error {
	return de.Err
}

func (de *DKIMError) Temporary() bool {
	// Verification failures are retried: the usual cause is a DNS publish
	// delay after key rotation.
	return de.Verify
}

func (de *DKIMError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"kind":     "dkim",
		"domain":   de.Domain,
		"selector": de.Selector,
	}
}

func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

func IsConflict(err error) bool {
	var c *Conflict
	return errors.As(err, &c)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
