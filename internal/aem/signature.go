package aem

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrSignature is returned when the invocation lacks usable signing
// credentials. The postback is skipped for the current cycle.
var ErrSignature = errors.New("aem: cannot sign postback")

// Digest selects the HMAC hash.
type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestSHA512 Digest = "sha512"
)

// ParseDigest maps a config value to a Digest, defaulting to SHA-256.
func ParseDigest(s string) Digest {
	if strings.EqualFold(strings.TrimSpace(s), string(DigestSHA512)) {
		return DigestSHA512
	}
	return DigestSHA256
}

func (d Digest) hasher() func() hash.Hash {
	if d == DigestSHA512 {
		return sha512.New
	}
	return sha256.New
}

// HMAC signs "campaignID|conversionValue|delay|server" with the decoded
// shared secret and returns it base64url encoded without padding.
func (i *Invocation) HMAC(delay int, digest Digest) (string, error) {
	if i.ACSConfigID == "" {
		return "", fmt.Errorf("%w: missing acs config id", ErrSignature)
	}
	key, err := DecodeBase64URLSafe(i.ACSSharedSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignature, err)
	}
	mac := hmac.New(digest.hasher(), key)
	fmt.Fprintf(mac, "%s|%d|%d|server", i.CampaignID, i.ConversionValue, delay)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DecodeBase64URLSafe decodes URL-safe base64 with or without padding.
func DecodeBase64URLSafe(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty secret")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
