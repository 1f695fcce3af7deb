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

package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// GenerateKey creates an RSA keypair of the given size and returns the
// PKCS #8 PEM private key and the base64 public key for the DNS record's
// p= tag. Only RSA is supported; the signature algorithm is rsa-sha256.
func GenerateKey(bits int) (privPEM, pubBase64 string, err error) {
	if bits != 2048 && bits != 4096 {
		return "", "", fmt.Errorf("dkim: unsupported key size %d, use 2048 or 4096", bits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("dkim: generate: %w", err)
	}

	keyBlob, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("dkim: generate: %w", err)
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	}))

	pubBlob, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", "", fmt.Errorf("dkim: generate: %w", err)
	}
	pubBase64 = base64.StdEncoding.EncodeToString(pubBlob)

	return privPEM, pubBase64, nil
}

// parsePrivateKey loads a PEM private key in PKCS #8 or PKCS #1 form.
func parsePrivateKey(pemBlob string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemBlob))
	if block == nil {
		return nil, fmt.Errorf("dkim: invalid PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("dkim: not a private key or unsupported format: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dkim: unsupported key type %T, only RSA is usable with rsa-sha256", key)
	}
	if err := rsaKey.Validate(); err != nil {
		return nil, err
	}
	rsaKey.Precompute()
	return rsaKey, nil
}
