// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package auth implements the shared-signature scheme creator nodes use to
// authenticate sync triggers to each other.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the request signature.
const Header = "X-Audius-Signature"

// Sign returns the hex signature of body under the shared delegate key.
func Sign(delegateKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(delegateKey))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under the shared delegate
// key, in constant time.
func Verify(delegateKey string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(Sign(delegateKey, body))
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}
