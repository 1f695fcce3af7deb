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

// Package blob implements content-addressed storage of immutable message
// bodies and attachments, deduplicated per mailbox by the SHA-256 of the
// decoded content.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/internal/db"
)

// Store is the interface implemented by blob backends. Content passed to Put
// is always the decoded form, never transfer-encoded bytes.
type Store interface {
	// Put stores content for the mailbox and returns the Blob row. If a blob
	// with the same SHA-256 already exists in the mailbox, that row is
	// returned and no new row is created.
	Put(ctx context.Context, mailboxID, contentType string, content []byte) (*db.Blob, error)

	// Open returns the decoded content of the blob.
	Open(ctx context.Context, blobID string) ([]byte, error)
}

// Content types worth running through gzip. Binary attachment formats are
// almost always compressed already.
func compressible(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "text/"):
		return true
	case strings.HasPrefix(contentType, "message/"):
		return true
	case contentType == "application/json":
		return true
	}
	return false
}

const compressMinSize = 1024

type dbStore struct {
	db *gorm.DB
}

// NewStore returns the default database-backed Store.
func NewStore(gdb *gorm.DB) Store {
	return &dbStore{db: gdb}
}

func (s *dbStore) Put(ctx context.Context, mailboxID, contentType string, content []byte) (*db.Blob, error) {
	sum := sha256.Sum256(content)

	var existing db.Blob
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND sha256 = ?", mailboxID, sum[:]).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	blob := db.Blob{
		MailboxID:   mailboxID,
		SHA256:      sum[:],
		Size:        int64(len(content)),
		ContentType: contentType,
		RawContent:  content,
	}

	if compressible(contentType) && len(content) >= compressMinSize {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(content); err == nil && zw.Close() == nil && buf.Len() < len(content) {
			blob.RawContent = buf.Bytes()
			blob.SizeCompressed = int64(buf.Len())
			blob.Compression = "gzip"
		}
	}

	if err := s.db.WithContext(ctx).Create(&blob).Error; err != nil {
		return nil, err
	}
	return &blob, nil
}

func (s *dbStore) Open(ctx context.Context, blobID string) ([]byte, error) {
	var blob db.Blob
	err := s.db.WithContext(ctx).First(&blob, "id = ?", blobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &exterrors.NotFound{Resource: "blob"}
	}
	if err != nil {
		return nil, err
	}
	return Decode(&blob)
}

// Decode returns the decoded content of an already loaded Blob row.
func Decode(blob *db.Blob) ([]byte, error) {
	if blob.Compression != "gzip" {
		return blob.RawContent, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob.RawContent))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return content, nil
}
