// Package jsp (JSON-persistence) implements the versioned, checksummed
// binary envelope used to save and load the queue snapshot (spec.md §6).
// Ported from aistore's cmn/jsp/file.go: a fixed signature, a format
// version, a payload version, jsoniter-encoded payload bytes, a CRC32
// checksum, and an atomic tmp-file-then-rename write so a crash mid-save
// never leaves a half-written snapshot in place.
package jsp

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nzbget/nzbget-sub003/cmn"
	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

const (
	signature = "NZBQ" // 4-byte on-disk signature for the queue snapshot
	// FormatVersion is this envelope's own wire format version; bump when
	// the header layout changes (not when the payload schema changes).
	FormatVersion = 1
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBadChecksum is returned by Load when the stored CRC32 does not match
// the payload actually read from disk.
var ErrBadChecksum = errors.New("jsp: bad checksum")

// Save encodes v as JSON, wraps it in the versioned envelope, and writes it
// atomically to filepath (write to filepath+".tmp.<tie>", fsync, rename).
func Save(filepath string, payloadVersion uint32, v interface{}) (err error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "jsp: marshal")
	}
	tmp := filepath + ".tmp." + cmn.GenTie()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "jsp: create %s", tmp)
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil {
				nlog.Errorf("jsp: nested (%v): failed to remove %s: %v", err, tmp, rmErr)
			}
		}
	}()

	if err = writeEnvelope(f, payloadVersion, payload); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "jsp: fsync")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "jsp: close")
	}
	if err = os.Rename(tmp, filepath); err != nil {
		return errors.Wrap(err, "jsp: rename")
	}
	return nil
}

func writeEnvelope(w io.Writer, payloadVersion uint32, payload []byte) error {
	var hdr [16]byte
	copy(hdr[0:4], signature)
	binary.BigEndian.PutUint32(hdr[4:8], FormatVersion)
	binary.BigEndian.PutUint32(hdr[8:12], payloadVersion)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "jsp: write header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "jsp: write payload")
	}
	cksum := crc32.ChecksumIEEE(payload)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], cksum)
	if _, err := w.Write(tail[:]); err != nil {
		return errors.Wrap(err, "jsp: write checksum")
	}
	return nil
}

// Load reads the envelope at filepath, verifies its checksum, and decodes
// the payload into v. It returns the payload version stored at Save time so
// callers can run schema-migration logic when it differs from the current
// one.
func Load(filepath string, v interface{}) (payloadVersion uint32, err error) {
	raw, err := os.ReadFile(filepath)
	if err != nil {
		return 0, errors.Wrapf(err, "jsp: read %s", filepath)
	}
	if len(raw) < 20 {
		return 0, errors.New("jsp: truncated file")
	}
	if string(raw[0:4]) != signature {
		return 0, errors.New("jsp: bad signature")
	}
	formatVersion := binary.BigEndian.Uint32(raw[4:8])
	if formatVersion != FormatVersion {
		return 0, errors.Errorf("jsp: unsupported format version %d", formatVersion)
	}
	payloadVersion = binary.BigEndian.Uint32(raw[8:12])
	payloadLen := binary.BigEndian.Uint32(raw[12:16])
	if uint32(len(raw)) != 16+payloadLen+4 {
		return 0, errors.New("jsp: length mismatch")
	}
	payload := raw[16 : 16+payloadLen]
	wantCksum := binary.BigEndian.Uint32(raw[16+payloadLen:])
	if crc32.ChecksumIEEE(payload) != wantCksum {
		if rmErr := os.Remove(filepath); rmErr == nil {
			nlog.Errorf("jsp: bad checksum, removed %s", filepath)
		}
		return 0, ErrBadChecksum
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return 0, errors.Wrap(err, "jsp: unmarshal")
	}
	return payloadVersion, nil
}
