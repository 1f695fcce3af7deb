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

package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/db"
)

// S3Config carries the object-store coordinates for the offloaded backend.
type S3Config struct {
	Endpoint     string
	Secure       bool
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	ObjectPrefix string
}

// s3Store keeps Blob metadata rows in the database but offloads the content
// bytes to an S3-compatible object store. Object keys are
// <prefix><blob-id>.
type s3Store struct {
	db     *gorm.DB
	cl     *minio.Client
	bucket string
	prefix string
	log    log.Logger
}

// NewS3Store returns a Store backed by an S3-compatible object store.
func NewS3Store(gdb *gorm.DB, cfg S3Config, l log.Logger) (Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob: s3 endpoint not set")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: s3 bucket not set")
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}

	return &s3Store{
		db:     gdb,
		cl:     cl,
		bucket: cfg.Bucket,
		prefix: cfg.ObjectPrefix,
		log:    l,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, mailboxID, contentType string, content []byte) (*db.Blob, error) {
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
	}
	blob.ID = db.NewID()

	_, err = s.cl.PutObject(ctx, s.bucket, s.prefix+blob.ID,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("blob: s3 put: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&blob).Error; err != nil {
		// Row insert failed after upload, remove the orphan object.
		if rmErr := s.cl.RemoveObject(context.Background(), s.bucket, s.prefix+blob.ID, minio.RemoveObjectOptions{}); rmErr != nil {
			s.log.Error("failed to remove orphaned object", rmErr, "key", s.prefix+blob.ID)
		}
		return nil, err
	}
	return &blob, nil
}

func (s *s3Store) Open(ctx context.Context, blobID string) ([]byte, error) {
	var blob db.Blob
	err := s.db.WithContext(ctx).First(&blob, "id = ?", blobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &exterrors.NotFound{Resource: "blob"}
	}
	if err != nil {
		return nil, err
	}

	obj, err := s.cl.GetObject(ctx, s.bucket, s.prefix+blob.ID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: s3 get: %w", err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
