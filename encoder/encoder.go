// Package encoder turns raw document bytes into the base64 payload stored
// in the Work store's encoded_bodies table.
//
// Grounded on original_source/process_batch_70.py and
// debug_1398101_issue.py, which document a production incident: a document
// encoded to exactly 1,398,101 base64 characters failed to decode downstream
// because a stray trailing byte (usually whitespace picked up from the
// source file) had been appended after encoding, leaving the payload not a
// multiple of 4 characters. The fix applied in production — strip
// whitespace, then re-pad to a multiple of 4 — is reproduced here as
// NormalizeBase64Padding and exercised by a regression test at that exact
// length.
package encoder

import (
	"encoding/base64"
	"strings"
)

// Encode base64-encodes raw document bytes using the standard alphabet with
// padding, then runs the result through NormalizeBase64Padding as a
// defense against any stray bytes introduced between encoding and storage.
func Encode(content []byte) string {
	return NormalizeBase64Padding(base64.StdEncoding.EncodeToString(content))
}

// NormalizeBase64Padding strips surrounding whitespace and ensures the
// payload's length is a multiple of 4, padding with '=' if not. A
// correctly-produced base64.StdEncoding string is already a multiple of 4;
// this exists to repair payloads that picked up extra bytes (e.g. a
// trailing newline) somewhere between encoding and storage, which is
// exactly what produced the 1,398,101-character payload in production.
func NormalizeBase64Padding(encoded string) string {
	cleaned := strings.TrimSpace(encoded)
	if rem := len(cleaned) % 4; rem != 0 {
		cleaned += strings.Repeat("=", 4-rem)
	}
	return cleaned
}

// Decode reverses Encode, for verification and tests.
func Decode(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(NormalizeBase64Padding(encoded))
}
