package decode

import (
	"bytes"
	"hash/crc32"
)

// UUDecoder decodes the legacy uuencode body format: each line starts with
// a length byte (char-0x20 gives the encoded byte count for that line)
// followed by groups of 4 characters decoding to 3 bytes. A line reading
// "end" (or a blank line) terminates the body.
type UUDecoder struct {
	checkCRC bool
	declCRC  uint32
	haveDecl bool
	filename string

	buf  bytes.Buffer
	cksm uint32
	n    int64
	done bool
}

func NewUUDecoder(checkCRC bool) *UUDecoder {
	return &UUDecoder{checkCRC: checkCRC}
}

// SetExpectedCRC lets the caller supply a CRC32 computed out of band, for
// use when UU itself carries none. The downloader does not call it.
func (d *UUDecoder) SetExpectedCRC(crc uint32) {
	d.declCRC = crc
	d.haveDecl = true
}

func (d *UUDecoder) FeedLine(line []byte) ([]byte, error) {
	if d.done {
		return nil, nil
	}
	if bytes.HasPrefix(line, []byte("begin ")) {
		parts := bytes.Fields(line)
		if len(parts) >= 3 {
			d.filename = string(parts[2])
		}
		return nil, nil
	}
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("end")) {
		d.done = true
		return nil, nil
	}
	n := int(trimmed[0]) - 0x20
	if n <= 0 {
		return nil, nil
	}
	out := uuDecodeLine(trimmed[1:], n)
	d.buf.Write(out)
	d.cksm = crc32.Update(d.cksm, crc32.IEEETable, out)
	d.n += int64(len(out))
	return out, nil
}

func uuDecodeLine(enc []byte, declaredLen int) []byte {
	out := make([]byte, 0, declaredLen)
	for i := 0; i+3 < len(enc) && len(out) < declaredLen; i += 4 {
		var b [4]byte
		for j := 0; j < 4; j++ {
			c := enc[i+j]
			b[j] = (c - 0x20) & 0x3F
		}
		out = append(out, b[0]<<2|b[1]>>4)
		out = append(out, b[1]<<4|b[2]>>2)
		out = append(out, b[2]<<6|b[3])
	}
	if len(out) > declaredLen {
		out = out[:declaredLen]
	}
	return out
}

func (d *UUDecoder) Close() Result {
	res := Result{Filename: d.filename, ActualCRC: d.cksm}
	if d.n == 0 {
		res.NoBinaryData = true
		return res
	}
	if d.haveDecl && d.checkCRC && d.declCRC != d.cksm {
		res.CRCError = true
		return res
	}
	res.Finished = true
	return res
}

func (d *UUDecoder) Bytes() []byte { return d.buf.Bytes() }
