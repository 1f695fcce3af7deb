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

package db

import (
	"time"

	"gorm.io/gorm"
)

// Base carries the UUID primary key and timestamps shared by all entities.
type Base struct {
	ID        string    `gorm:"primaryKey;type:uuid"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = NewID()
	}
	return nil
}

// MailDomain is a domain served by this instance.
type MailDomain struct {
	Base
	Name             string  `gorm:"uniqueIndex;not null"`
	AliasOfID        *string `gorm:"type:uuid"`
	AliasOf          *MailDomain
	OIDCAutojoin     bool
	IdentitySync     bool
	CustomAttributes JSONMap `gorm:"type:text"`
	CustomSettings   JSONMap `gorm:"type:text"`
}

// Mailbox is a server-side addressable inbox identified by local@domain.
type Mailbox struct {
	Base
	LocalPart  string `gorm:"not null;uniqueIndex:idx_mailbox_addr"`
	DomainID   string `gorm:"type:uuid;not null;uniqueIndex:idx_mailbox_addr"`
	Domain     MailDomain
	ContactID  *string `gorm:"type:uuid"`
	Contact    *Contact
	AliasOfID  *string `gorm:"type:uuid"`
	IsIdentity bool
}

// Address returns the mailbox string form. Domain must be preloaded.
func (m *Mailbox) Address() string {
	return m.LocalPart + "@" + m.Domain.Name
}

type MailboxRole string

const (
	RoleViewer MailboxRole = "viewer"
	RoleEditor MailboxRole = "editor"
	RoleSender MailboxRole = "sender"
	RoleAdmin  MailboxRole = "admin"
)

type MailboxAccess struct {
	Base
	MailboxID  string `gorm:"type:uuid;not null;uniqueIndex:idx_mbox_user"`
	Mailbox    Mailbox
	UserID     string `gorm:"type:uuid;not null;uniqueIndex:idx_mbox_user"`
	User       User
	Role       MailboxRole `gorm:"not null"`
	AccessedAt *time.Time
}

// User is the minimal slice of the account entity the delivery core needs:
// signature templating reads name and custom attributes. The full account
// model belongs to the auth stack.
type User struct {
	Base
	Name             string
	Email            string  `gorm:"uniqueIndex"`
	CustomAttributes JSONMap `gorm:"type:text"`
}

// Contact represents one side of a correspondence inside one mailbox's
// address book.
type Contact struct {
	Base
	MailboxID string `gorm:"type:uuid;not null;uniqueIndex:idx_contact_email"`
	Email     string `gorm:"not null;uniqueIndex:idx_contact_email"`
	Name      string
}

// Thread is a conversation with denormalized flags aggregated over its
// messages. The flags are recomputed by thread.UpdateStats, never patched
// incrementally.
type Thread struct {
	Base
	Subject     string
	Snippet     string
	MessagedAt  *time.Time
	SenderNames StringList `gorm:"type:text"`

	HasUnread      bool
	HasTrashed     bool
	HasDraft       bool
	HasStarred     bool
	HasSender      bool
	HasAttachments bool
	HasActive      bool
	HasMessages    bool
	IsSpam         bool
	Summary        string

	Messages []Message
	Labels   []Label `gorm:"many2many:thread_labels"`
}

type ThreadRole string

const (
	ThreadRoleViewer ThreadRole = "viewer"
	ThreadRoleEditor ThreadRole = "editor"
)

type ThreadAccess struct {
	Base
	ThreadID  string `gorm:"type:uuid;not null;uniqueIndex:idx_thread_mbox"`
	Thread    Thread
	MailboxID string `gorm:"type:uuid;not null;uniqueIndex:idx_thread_mbox"`
	Mailbox   Mailbox
	Role      ThreadRole `gorm:"not null"`
	Origin    string
}

// Message is one mail inside a thread as seen by one mailbox.
type Message struct {
	Base
	ThreadID string `gorm:"type:uuid;not null;index"`
	Subject  string
	SenderID string `gorm:"type:uuid;not null"`
	Sender   Contact
	ParentID *string `gorm:"type:uuid"`

	IsDraft        bool
	IsSender       bool
	IsStarred      bool
	IsTrashed      bool
	IsUnread       bool
	IsSpam         bool
	IsArchived     bool
	HasAttachments bool

	SentAt     *time.Time
	ReadAt     *time.Time
	ArchivedAt *time.Time
	TrashedAt  *time.Time

	// RFC 5322 Message-ID without angle brackets. Stable once assigned;
	// deduplication key per mailbox.
	MimeID string `gorm:"not null;uniqueIndex:idx_msg_mime"`

	// MailboxID scopes the mime_id dedup: the same wire message delivered to
	// two mailboxes yields two Message rows.
	MailboxID string `gorm:"type:uuid;not null;uniqueIndex:idx_msg_mime"`

	BlobID      *string `gorm:"type:uuid"`
	Blob        *Blob
	DraftBlobID *string `gorm:"type:uuid"`
	DraftBlob   *Blob
	SignatureID *string `gorm:"type:uuid"`

	Recipients  []MessageRecipient
	Attachments []Attachment `gorm:"many2many:message_attachments"`
}

type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

type DeliveryStatus string

const (
	StatusInternal DeliveryStatus = "internal"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
	StatusRetry    DeliveryStatus = "retry"
)

type MessageRecipient struct {
	Base
	MessageID string `gorm:"type:uuid;not null;uniqueIndex:idx_msg_rcpt"`
	ContactID string `gorm:"type:uuid;not null;uniqueIndex:idx_msg_rcpt"`
	Contact   Contact
	Type      RecipientType `gorm:"not null;uniqueIndex:idx_msg_rcpt"`

	DeliveryStatus  *DeliveryStatus
	DeliveryMessage string
	DeliveredAt     *time.Time
	RetryAt         *time.Time
	RetryCount      int
}

// Blob is immutable content-addressed storage owned by a mailbox. SHA256 is
// computed over the decoded content.
type Blob struct {
	Base
	MailboxID      string `gorm:"type:uuid;not null;index:idx_blob_sha"`
	SHA256         []byte `gorm:"not null;index:idx_blob_sha"`
	Size           int64  `gorm:"not null"`
	ContentType    string
	RawContent     []byte
	SizeCompressed int64
	Compression    string
}

type Attachment struct {
	Base
	MailboxID string `gorm:"type:uuid;not null"`
	Name      string `gorm:"not null"`
	BlobID    string `gorm:"type:uuid;not null"`
	Blob      Blob
	CID       string

	Messages []Message `gorm:"many2many:message_attachments"`
}

// Label is a slash-hierarchical tag scoped to one mailbox.
type Label struct {
	Base
	MailboxID   string `gorm:"type:uuid;not null;uniqueIndex:idx_label_slug"`
	Name        string `gorm:"not null"`
	Slug        string `gorm:"not null;uniqueIndex:idx_label_slug"`
	Color       string
	Description string
	IsAuto      bool

	Threads []Thread `gorm:"many2many:thread_labels"`
}

type TemplateType string

const (
	TemplateMessage   TemplateType = "message"
	TemplateSignature TemplateType = "signature"
)

// MessageTemplate is scoped to either a mailbox or a mail domain, never
// both.
type MessageTemplate struct {
	Base
	MailboxID    *string `gorm:"type:uuid"`
	MailDomainID *string `gorm:"type:uuid"`
	Type         TemplateType `gorm:"not null"`
	IsActive     bool
	IsForced     bool
	HTMLBody     string
	TextBody     string
	BlobID       *string `gorm:"type:uuid"`
	Blob         *Blob
}

type DKIMKey struct {
	Base
	DomainID   string `gorm:"type:uuid;not null;index"`
	Domain     MailDomain
	Selector   string `gorm:"not null"`
	Algorithm  string `gorm:"not null;default:rsa-sha256"`
	KeySize    int
	PrivateKey string `gorm:"not null"` // PEM
	PublicKey  string `gorm:"not null"` // base64 p= value
	IsActive   bool
}

// InboundMessage is the spam-processing queue. Rows are deleted on
// successful processing; failures leave the row in place with ErrorMessage
// set so the scanner can retry it.
type InboundMessage struct {
	Base
	MailboxID    string `gorm:"type:uuid;not null;index"`
	RawData      []byte `gorm:"not null"`
	ErrorMessage string

	// Import context, carried through to processing.
	IsImport       bool
	IsImportSender bool
	ImapLabels     StringList `gorm:"type:text"`
	ImapFlags      StringList `gorm:"type:text"`
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&MailDomain{}, &Mailbox{}, &MailboxAccess{}, &User{}, &Contact{},
		&Thread{}, &ThreadAccess{}, &Message{}, &MessageRecipient{},
		&Blob{}, &Attachment{}, &Label{}, &MessageTemplate{}, &DKIMKey{},
		&InboundMessage{},
	}
}
