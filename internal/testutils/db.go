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

package testutils

import (
	"testing"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/internal/db"
)

// DB opens a fresh in-memory database with the schema migrated.
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatal(err)
	}
	return gdb
}

// Domain creates a MailDomain row.
func Domain(t *testing.T, gdb *gorm.DB, name string) *db.MailDomain {
	t.Helper()
	dom := &db.MailDomain{Name: name}
	if err := gdb.Create(dom).Error; err != nil {
		t.Fatal(err)
	}
	return dom
}

// Mailbox creates a Mailbox row under the domain, with its self Contact.
func Mailbox(t *testing.T, gdb *gorm.DB, localPart string, dom *db.MailDomain) *db.Mailbox {
	t.Helper()
	mbox := &db.Mailbox{LocalPart: localPart, DomainID: dom.ID}
	if err := gdb.Create(mbox).Error; err != nil {
		t.Fatal(err)
	}
	self := &db.Contact{MailboxID: mbox.ID, Email: localPart + "@" + dom.Name}
	if err := gdb.Create(self).Error; err != nil {
		t.Fatal(err)
	}
	mbox.ContactID = &self.ID
	mbox.Contact = self
	if err := gdb.Save(mbox).Error; err != nil {
		t.Fatal(err)
	}
	mbox.Domain = *dom
	return mbox
}
