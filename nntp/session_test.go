package nntp

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeServer is a tiny scripted NNTP peer driving one side of a net.Pipe so
// Session can be exercised without a real socket.
type fakeServer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFakeServerPair(t *testing.T) (*Session, *fakeServer) {
	clientConn, serverConn := net.Pipe()
	fs := &fakeServer{conn: serverConn, r: bufio.NewReader(serverConn)}
	sess := NewSession(clientConn, "user", "pass")
	return sess, fs
}

func (f *fakeServer) send(line string) {
	_, _ = io.WriteString(f.conn, line+"\r\n")
}

func (f *fakeServer) recvLine() string {
	line, _ := f.r.ReadString('\n')
	return line
}

func TestSessionGreetingAndGroup(t *testing.T) {
	sess, fs := newFakeServerPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send("200 welcome")
		require.Contains(t, fs.recvLine(), "GROUP alt.test")
		fs.send("211 0 0 0 alt.test")
	}()

	require.NoError(t, sess.Connect())
	require.NoError(t, sess.JoinGroup("alt.test"))
	require.Equal(t, "alt.test", sess.ActiveGroup())
	<-done

	// Joining the same group again must not round-trip.
	require.NoError(t, sess.JoinGroup("alt.test"))
}

func TestSessionAuthOn480(t *testing.T) {
	sess, fs := newFakeServerPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send("200 welcome")
		require.Contains(t, fs.recvLine(), "GROUP alt.test")
		fs.send("480 auth required")
		require.Contains(t, fs.recvLine(), "AUTHINFO USER user")
		fs.send("381 password required")
		require.Contains(t, fs.recvLine(), "AUTHINFO PASS pass")
		fs.send("281 auth accepted")
		require.Contains(t, fs.recvLine(), "GROUP alt.test")
		fs.send("211 0 0 0 alt.test")
	}()

	require.NoError(t, sess.Connect())
	require.NoError(t, sess.JoinGroup("alt.test"))
	<-done
}

func TestSessionDotStuffing(t *testing.T) {
	sess, fs := newFakeServerPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send("200 welcome")
		require.Contains(t, fs.recvLine(), "ARTICLE <id1>")
		fs.send("220 0 <id1> article")
		fs.send("normal line")
		fs.send("..escaped leading dot")
		fs.send(".")
	}()

	require.NoError(t, sess.Connect())
	res, err := sess.Article("<id1>")
	require.NoError(t, err)
	require.Equal(t, ClassSuccess, res.Class)

	line1, more, err := sess.ReadBodyLine()
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, "normal line", string(line1))

	line2, more, err := sess.ReadBodyLine()
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, ".escaped leading dot", string(line2))

	_, more, err = sess.ReadBodyLine()
	require.NoError(t, err)
	require.False(t, more)
	<-done
}

func TestSessionArticleNotFound(t *testing.T) {
	sess, fs := newFakeServerPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send("200 welcome")
		require.Contains(t, fs.recvLine(), "ARTICLE <missing>")
		fs.send("430 no such article")
	}()

	require.NoError(t, sess.Connect())
	res, err := sess.Article("<missing>")
	require.NoError(t, err)
	require.Equal(t, ClassNotFound, res.Class)
	<-done
}
