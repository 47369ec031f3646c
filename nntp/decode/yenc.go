// Package decode implements the two line-oriented Usenet body encodings
// this engine must understand: yEnc and the legacy UU encoding (spec.md
// §4.3). Both decoders consume one line at a time so they can sit directly
// behind the NNTP session's body reader without buffering a whole article.
package decode

import (
	"bytes"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Result is the outcome reported when a decoder is closed.
type Result struct {
	Finished          bool
	CRCError          bool
	InvalidSize       bool
	ArticleIncomplete bool
	NoBinaryData      bool
	Filename          string
	DeclaredSize      int64
	DeclaredCRC       uint32
	ActualCRC         uint32
}

// YEncDecoder decodes a single yEnc-encoded part, line by line.
type YEncDecoder struct {
	checkCRC bool

	sawBegin   bool
	sawEnd     bool
	filename   string
	partBegin  int64 // declared =ypart begin, 1-based; 0 if absent
	size       int64 // declared size from =ybegin/=ypart
	declCRC    uint32
	haveDecl   bool
	escapeNext bool

	buf  bytes.Buffer
	cksm uint32
	n    int64
}

func NewYEncDecoder(checkCRC bool) *YEncDecoder {
	return &YEncDecoder{checkCRC: checkCRC, cksm: 0}
}

// FeedLine processes one body line (without its trailing CRLF). It returns
// decoded bytes for that line, if any.
func (d *YEncDecoder) FeedLine(line []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(line, []byte("=ybegin ")):
		d.sawBegin = true
		d.parseHeader(line)
		return nil, nil
	case bytes.HasPrefix(line, []byte("=ypart ")):
		d.parsePart(line)
		return nil, nil
	case bytes.HasPrefix(line, []byte("=yend")):
		d.sawEnd = true
		d.parseTrailer(line)
		return nil, nil
	}
	if !d.sawBegin {
		return nil, nil // garbage before =ybegin: ignore, not yet in binary data
	}
	return d.decodeLine(line)
}

func (d *YEncDecoder) parseHeader(line []byte) {
	for _, kv := range fields(line) {
		switch kv.key {
		case "name":
			d.filename = kv.val
		case "size":
			d.size, _ = strconv.ParseInt(kv.val, 10, 64)
		}
	}
}

func (d *YEncDecoder) parsePart(line []byte) {
	for _, kv := range fields(line) {
		switch kv.key {
		case "begin":
			d.partBegin, _ = strconv.ParseInt(kv.val, 10, 64)
		case "size":
			d.size, _ = strconv.ParseInt(kv.val, 10, 64)
		}
	}
}

func (d *YEncDecoder) parseTrailer(line []byte) {
	for _, kv := range fields(line) {
		switch kv.key {
		case "crc32", "pcrc32":
			if v, err := strconv.ParseUint(kv.val, 16, 32); err == nil {
				d.declCRC = uint32(v)
				d.haveDecl = true
			}
		case "size":
			if v, err := strconv.ParseInt(kv.val, 10, 64); err == nil {
				d.size = v
			}
		}
	}
}

// decodeLine applies the yEnc escape rule: a byte following '=' decodes to
// (byte - 0x40 - 0x2A) mod 256; every other byte decodes to
// (byte - 0x2A) mod 256.
func (d *YEncDecoder) decodeLine(line []byte) ([]byte, error) {
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		b := line[i]
		if d.escapeNext {
			b = b - 0x40
			d.escapeNext = false
		} else if b == '=' {
			d.escapeNext = true
			continue
		}
		b = b - 0x2A
		out = append(out, b)
	}
	d.buf.Write(out)
	d.cksm = crc32.Update(d.cksm, crc32.IEEETable, out)
	d.n += int64(len(out))
	return out, nil
}

// Close finalizes decoding and reports the result.
func (d *YEncDecoder) Close() Result {
	res := Result{
		Filename:     d.filename,
		DeclaredSize: d.size,
		DeclaredCRC:  d.declCRC,
		ActualCRC:    d.cksm,
	}
	if !d.sawBegin || d.n == 0 {
		res.NoBinaryData = true
		return res
	}
	if !d.sawEnd {
		res.ArticleIncomplete = true
		return res
	}
	if d.size != 0 && d.n != d.size {
		res.InvalidSize = true
	}
	if d.checkCRC && d.haveDecl && d.declCRC != d.cksm {
		res.CRCError = true
	}
	res.Finished = !res.InvalidSize && !res.CRCError
	return res
}

// Bytes returns everything decoded so far (join-mode / non-direct-write
// callers read this once after Close).
func (d *YEncDecoder) Bytes() []byte { return d.buf.Bytes() }

type kvPair struct{ key, val string }

// fields splits a yEnc control line ("=ybegin line=128 size=384 name=foo")
// into key=value pairs. "name=" always runs to end of line since filenames
// may contain spaces.
func fields(line []byte) []kvPair {
	s := string(line)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return nil
	}
	s = s[sp+1:]
	var out []kvPair
	for {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := s[:eq]
		rest := s[eq+1:]
		if key == "name" {
			out = append(out, kvPair{key, strings.TrimSpace(rest)})
			break
		}
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			out = append(out, kvPair{key, rest})
			break
		}
		out = append(out, kvPair{key, rest[:sp]})
		s = rest[sp+1:]
	}
	return out
}

// ErrNoBinaryData is returned by callers that require at least one decoded
// byte before treating an article as usable.
var ErrNoBinaryData = errors.New("decode: no binary data")
