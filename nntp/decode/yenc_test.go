package decode

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

// yencEncode is a tiny reference encoder used only by tests to produce
// fixtures; it is the inverse of the production decoder's escape rule.
func yencEncode(data []byte) []byte {
	var out []byte
	for _, b := range data {
		e := b + 0x2A
		if e == 0x00 || e == '\n' || e == '\r' || e == '=' {
			out = append(out, '=', e+0x40)
		} else {
			out = append(out, e)
		}
	}
	return out
}

func TestYEncRoundTrip(t *testing.T) {
	payload := []byte("hello, usenet world! line with = and \x00 bytes too")
	enc := yencEncode(payload)
	crc := crc32.ChecksumIEEE(payload)

	d := NewYEncDecoder(true)
	_, err := d.FeedLine([]byte("=ybegin line=128 size=" + itoa(len(payload)) + " name=test.bin"))
	require.NoError(t, err)
	_, err = d.FeedLine(enc)
	require.NoError(t, err)
	_, err = d.FeedLine([]byte("=yend size=" + itoa(len(payload)) + " crc32=" + hex32(crc)))
	require.NoError(t, err)

	res := d.Close()
	require.True(t, res.Finished)
	require.False(t, res.CRCError)
	require.Equal(t, payload, d.Bytes())
	require.Equal(t, "test.bin", res.Filename)
}

func TestYEncCRCMismatch(t *testing.T) {
	payload := []byte("abc")
	enc := yencEncode(payload)
	d := NewYEncDecoder(true)
	_, _ = d.FeedLine([]byte("=ybegin line=128 size=3 name=x"))
	_, _ = d.FeedLine(enc)
	_, _ = d.FeedLine([]byte("=yend size=3 crc32=deadbeef"))
	res := d.Close()
	require.True(t, res.CRCError)
	require.False(t, res.Finished)
}

func TestYEncIncomplete(t *testing.T) {
	d := NewYEncDecoder(true)
	_, _ = d.FeedLine([]byte("=ybegin line=128 size=3 name=x"))
	_, _ = d.FeedLine(yencEncode([]byte("ab")))
	res := d.Close() // no =yend seen
	require.True(t, res.ArticleIncomplete)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func hex32(v uint32) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexdigits[v&0xF]
		v >>= 4
	}
	return string(b)
}
