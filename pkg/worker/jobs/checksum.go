/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jobs

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
)

var (
	errEmptyChecksum       = errors.New("empty checksum")
	errUnsupportedChecksum = errors.New("checksum is neither hex nor base64 sha256")
	errChecksumMismatch    = errors.New("apk checksum mismatch")
)

// decodeSHA256 accepts a sha256 digest in hex or any base64 alphabet.
func decodeSHA256(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return nil, errEmptyChecksum
	}

	if decoded, err := hex.DecodeString(clean); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(clean); err == nil && len(decoded) == sha256.Size {
			return decoded, nil
		}
	}

	return nil, errUnsupportedChecksum
}

// verifyFile checks the sha256 of a host-local file against expected.
func verifyFile(path, expected string) error {
	want, err := decodeSHA256(expected)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(want, h.Sum(nil)) != 1 {
		return errChecksumMismatch
	}

	return nil
}
