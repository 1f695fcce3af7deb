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

// Package dkim signs outbound messages with the active per-domain key and
// verifies signatures before external delivery.
package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/dns"
	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/db"
)

const day = 86400 * time.Second

// DefaultSelector is used for keys generated on first use of a domain.
const DefaultSelector = "maildeck"

var (
	oversignFields = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",
	}
	signFields = []string{
		// Mailing list information. Not oversigned to prevent signature
		// breakage by aliasing MLMs.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Not oversigned since it can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

// Signer signs and verifies messages using keys stored in the database.
type Signer struct {
	db        *gorm.DB
	log       log.Logger
	sigExpiry time.Duration
}

func NewSigner(gdb *gorm.DB, l log.Logger) *Signer {
	return &Signer{db: gdb, log: l, sigExpiry: 5 * day}
}

// Sign computes a DKIM-Signature for raw using the active key of domain and
// returns the message with the signature header prepended. A domain without
// a key gets a fresh one generated under DefaultSelector.
func (s *Signer) Sign(ctx context.Context, domain string, raw []byte) ([]byte, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, &exterrors.DKIMError{Domain: domain, Err: err}
	}

	key, err := s.ActiveKey(ctx, normDomain)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		key, err = s.EnsureKey(ctx, normDomain)
	}
	if err != nil {
		return nil, &exterrors.DKIMError{Domain: normDomain, Err: err}
	}

	signer, err := parsePrivateKey(key.PrivateKey)
	if err != nil {
		return nil, &exterrors.DKIMError{Domain: normDomain, Selector: key.Selector, Err: err}
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, &exterrors.DKIMError{Domain: normDomain, Selector: key.Selector, Err: err}
	}

	opts := dkim.SignOptions{
		Domain:                 normDomain,
		Selector:               key.Selector,
		Identifier:             "@" + normDomain,
		Signer:                 signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             fieldsToSign(&hdr),
		Expiration:             time.Now().Add(s.sigExpiry),
	}

	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(raw), &opts); err != nil {
		return nil, &exterrors.DKIMError{Domain: normDomain, Selector: key.Selector, Err: err}
	}

	s.log.DebugMsg("signed", "domain", normDomain, "selector", key.Selector)
	return buf.Bytes(), nil
}

// Verify checks the DKIM signatures of raw, resolving key records through
// resolver. It succeeds when at least one signature validates.
func (s *Signer) Verify(ctx context.Context, raw []byte, resolver dns.Resolver) error {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return &exterrors.DKIMError{Verify: true, Err: err}
	}
	if len(verifications) == 0 {
		return &exterrors.DKIMError{Verify: true, Err: errors.New("no signature found")}
	}

	var lastErr error
	for _, v := range verifications {
		if v.Err == nil {
			return nil
		}
		lastErr = &exterrors.DKIMError{Domain: v.Domain, Verify: true, Err: v.Err}
	}
	return lastErr
}

// ActiveKey returns the active key of the domain.
func (s *Signer) ActiveKey(ctx context.Context, domain string) (*db.DKIMKey, error) {
	var key db.DKIMKey
	err := s.db.WithContext(ctx).
		Joins("JOIN mail_domains ON mail_domains.id = dkim_keys.domain_id").
		Where("mail_domains.name = ? AND dkim_keys.is_active", domain).
		First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// EnsureKey returns the active key of the domain, generating an rsa2048 key
// under DefaultSelector when none exists.
func (s *Signer) EnsureKey(ctx context.Context, domain string) (*db.DKIMKey, error) {
	key, err := s.ActiveKey(ctx, domain)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	s.log.Msg("generating dkim key", "domain", domain, "selector", DefaultSelector)
	return s.Rotate(ctx, domain, DefaultSelector, 2048)
}

// Rotate generates a new active key for (domain, selector), deactivating any
// previous one. Exactly one key per (domain, selector) is active afterwards.
func (s *Signer) Rotate(ctx context.Context, domain, selector string, bits int) (*db.DKIMKey, error) {
	privPEM, pubBase64, err := GenerateKey(bits)
	if err != nil {
		return nil, err
	}

	var key *db.DKIMKey
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dom db.MailDomain
		if err := tx.Where("name = ?", domain).First(&dom).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &exterrors.NotFound{Resource: "mail domain"}
			}
			return err
		}
		err := tx.Model(&db.DKIMKey{}).
			Where("domain_id = ? AND selector = ?", dom.ID, selector).
			Update("is_active", false).Error
		if err != nil {
			return err
		}
		key = &db.DKIMKey{
			DomainID:   dom.ID,
			Selector:   selector,
			Algorithm:  "rsa-sha256",
			KeySize:    bits,
			PrivateKey: privPEM,
			PublicKey:  pubBase64,
			IsActive:   true,
		}
		return tx.Create(key).Error
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// TXTRecord renders the DNS TXT value to publish at
// <selector>._domainkey.<domain>.
func TXTRecord(key *db.DKIMKey) string {
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", key.PublicKey)
}

// RecordName returns the DNS name the key record must be published under.
func RecordName(domain string, key *db.DKIMKey) string {
	return key.Selector + "._domainkey." + domain
}

// fieldsToSign builds the HeaderKeys list: oversigned fields are listed once
// per occurrence plus one extra, plain sign fields once per occurrence.
// Duplicates in the configured lists are dropped to not trip the signer.
func fieldsToSign(h *textproto.Header) []string {
	seen := make(map[string]struct{})

	res := make([]string, 0, len(oversignFields)+len(signFields))
	for _, key := range oversignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		res = append(res, key)
	}
	for _, key := range signFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}
