package sessionstore

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/warelay/pkg/common"
)

// CredentialPayload is the authentication material persisted for one account.
// The bridge adapter interprets the token fields; the store only guarantees
// their integrity via the checksum.
type CredentialPayload struct {
	JID            string    `json:"jid"`
	DeviceID       string    `json:"device_id,omitempty"`
	RegistrationID uint32    `json:"registration_id,omitempty"`
	ClientToken    string    `json:"client_token,omitempty"`
	ServerToken    string    `json:"server_token,omitempty"`
	IssuedAt       time.Time `json:"issued_at,omitempty"`
}

// Valid reports whether the payload carries enough material to attempt a
// reconnect. Anything less requires a fresh QR pairing.
func (p CredentialPayload) Valid() bool {
	return p.JID != ""
}

// canonicalJSON renders the payload with a fixed field order so the checksum
// is deterministic across processes.
func canonicalJSON(p CredentialPayload) ([]byte, error) {
	return json.Marshal(p)
}

// ChecksumPayload returns the hex sha256 over the canonical credential JSON.
func ChecksumPayload(p CredentialPayload) (string, error) {
	data, err := canonicalJSON(p)
	if err != nil {
		return "", errors.Wrap(err, "checksum marshal")
	}
	return common.Sha256Hash(data), nil
}

// ParsePayload decodes a stored credential string back into its payload.
func ParsePayload(stored string) (CredentialPayload, error) {
	var p CredentialPayload
	if err := json.Unmarshal([]byte(stored), &p); err != nil {
		return CredentialPayload{}, errors.Wrap(err, "parse credentials")
	}
	return p, nil
}

// ChecksumStored recomputes the checksum from a stored credential string.
// The stored JSON is parsed and re-rendered canonically first, so formatting
// drift does not flag corruption while any field tamper does.
func ChecksumStored(stored string) (string, error) {
	p, err := ParsePayload(stored)
	if err != nil {
		return "", err
	}
	return ChecksumPayload(p)
}

// CompressState gzips a full-state blob for the optional StateBlob column.
func CompressState(state []byte) ([]byte, error) {
	if len(state) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(state); err != nil {
		return nil, errors.Wrap(err, "compress state")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress state")
	}
	return buf.Bytes(), nil
}

// DecompressState reverses CompressState.
func DecompressState(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(err, "decompress state")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "decompress state")
	}
	return out, nil
}
