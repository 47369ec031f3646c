package downloader

import (
	"bufio"
	"context"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nzbget/nzbget-sub003/queue"
	"github.com/nzbget/nzbget-sub003/server"
)

// yencEncode mirrors the reference encoder in nntp/decode's tests; kept
// local since test helpers aren't exported across packages.
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

type scriptedServer struct {
	conn net.Conn
	r    *bufio.Reader
}

func (s *scriptedServer) send(line string) { io.WriteString(s.conn, line+"\r\n") }
func (s *scriptedServer) recv() string      { line, _ := s.r.ReadString('\n'); return line }

func newTestPool(t *testing.T) *server.Pool {
	p := server.NewPool(time.Minute, time.Minute)
	p.AddServer(&server.NewsServer{ID: 1, Active: true, Name: "s1", MaxConnections: 1, Level: 0, Username: "u", Password: "p"})
	p.InitConnections()
	return p
}

func TestRawModeDownloadSucceeds(t *testing.T) {
	tmp := t.TempDir()
	payload := []byte("article payload bytes for raw mode test")
	crc := crc32.ChecksumIEEE(payload)

	clientConn, serverConn := net.Pipe()
	fs := &scriptedServer{conn: serverConn, r: bufio.NewReader(serverConn)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send("200 welcome")
		require.Contains(t, fs.recv(), "ARTICLE <id1>")
		fs.send("220 0 <id1> article retrieved")
		fs.send("=ybegin line=128 size=" + strconv.Itoa(len(payload)) + " name=test.bin")
		fs.send(string(yencEncode(payload)))
		fs.send("=yend size=" + strconv.Itoa(len(payload)) + " crc32=" + hex32(crc))
		fs.send(".")
	}()

	pool := newTestPool(t)
	d := New(pool, func(srv *server.NewsServer) (net.Conn, error) { return clientConn, nil })
	d.MaxLevel = pool.MaxNormLevel()
	d.TempDir = tmp

	f := &queue.FileInfo{Filename: "test.bin", TotalSize: int64(len(payload))}
	a := &queue.ArticleInfo{Part: 1, MessageID: "<id1>"}
	job := NewJob(f, a, 3, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	finished, failed := d.RunWorkerPool(ctx, []*Job{job})
	<-done

	require.Len(t, failed, 0)
	require.Len(t, finished, 1)
	require.Equal(t, queue.ArticleFinished, a.Status)

	got, err := os.ReadFile(a.ResultFilename)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDirectWriteSkipsOnContinuePartial(t *testing.T) {
	tmp := t.TempDir()
	f := &queue.FileInfo{Filename: "big.bin", DirectFilename: "big.bin", TotalSize: 1024}
	a := &queue.ArticleInfo{Part: 2, MessageID: "<id2>", SegOffset: 512}

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "big.bin.2.done"), nil, 0o644))

	pool := newTestPool(t)
	d := New(pool, func(srv *server.NewsServer) (net.Conn, error) {
		t.Fatal("dial should not be called when continue_partial marker is present")
		return nil, nil
	})
	d.MaxLevel = pool.MaxNormLevel()
	d.TempDir = tmp
	d.Decode = true
	d.DirectWrite = true

	job := NewJob(f, a, 3, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	finished, failed := d.RunWorkerPool(ctx, []*Job{job})

	require.Len(t, failed, 0)
	require.Len(t, finished, 1)
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
