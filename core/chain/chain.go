// Package chain computes the two hashes carried by every ledger entry:
// the content hash of the canonicalized payload and the structured chain
// hash binding position, lineage, identity, time, and content.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/evidara/trialtrace/core/canonical"
	"github.com/evidara/trialtrace/core/errors"
)

// GenesisHash is the previous-hash placeholder for the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const (
	eventIDWidth   = 36
	timestampWidth = 24
	chainInputSize = 4 + sha256.Size + eventIDWidth + timestampWidth + sha256.Size
)

// ContentHash returns the lowercase hex SHA-256 of the canonical
// encoding of payload.
func ContentHash(payload any) (string, error) {
	return canonical.Digest(payload)
}

// ChainHash hashes a fixed 128-byte buffer: 4 bytes big-endian seq, 32
// raw bytes of prevHash, 36 bytes of eventID, 24 bytes of timestamp, 32
// raw bytes of contentHash. Fixed widths remove concatenation ambiguity.
// Short identity and timestamp fields are NUL-padded; oversized ones are
// rejected outright rather than silently truncated, since truncation
// would let distinct inputs collide without warning.
func ChainHash(seq int, prevHash, eventID, timestamp, contentHash string) (string, error) {
	if seq < 0 || int64(seq) > math.MaxUint32 {
		return "", errors.Wrap(fmt.Errorf("sequence %d outside uint32 range", seq),
			errors.CategoryInvalidInput, "chain_seq_range", "sequence must fit an unsigned 32-bit integer")
	}
	prev, err := decodeHash("previous hash", prevHash)
	if err != nil {
		return "", err
	}
	content, err := decodeHash("content hash", contentHash)
	if err != nil {
		return "", err
	}
	idField, err := fixedField("event id", eventID, eventIDWidth)
	if err != nil {
		return "", err
	}
	tsField, err := fixedField("timestamp", timestamp, timestampWidth)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, chainInputSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(seq))
	buf = append(buf, prev...)
	buf = append(buf, idField...)
	buf = append(buf, tsField...)
	buf = append(buf, content...)

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// ValidHex reports whether s is a lowercase 64-character hex SHA-256.
func ValidHex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	if s != strings.ToLower(s) {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func decodeHash(field, value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%s is not valid hex: %w", field, err),
			errors.CategoryInvalidInput, "chain_hash_hex", "hashes must be 64-character hex sha-256")
	}
	if len(raw) != sha256.Size {
		return nil, errors.Wrap(fmt.Errorf("%s has %d bytes, want %d", field, len(raw), sha256.Size),
			errors.CategoryInvalidInput, "chain_hash_width", "hashes must be 64-character hex sha-256")
	}
	return raw, nil
}

func fixedField(field, value string, width int) ([]byte, error) {
	raw := []byte(value)
	if len(raw) > width {
		return nil, errors.Wrap(fmt.Errorf("%s is %d bytes, maximum %d", field, len(raw), width),
			errors.CategoryInvalidInput, "chain_field_width", "identifier and timestamp fields have fixed widths")
	}
	out := make([]byte, width)
	copy(out, raw)
	return out, nil
}
