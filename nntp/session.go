// Package nntp implements one NNTP session's wire protocol: connect,
// greeting, authentication, group join, article fetch, and dot-stuffed
// body framing (spec.md §4.2). It is deliberately transport-agnostic: any
// io.ReadWriteCloser (a real TLS/plain socket in production, an in-memory
// pipe in tests) can back a Session.
package nntp

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Class classifies an NNTP response for the downloader's retry logic
// (spec.md §4.2 "Response classification").
type Class int

const (
	ClassSuccess Class = iota
	ClassConnectError
	ClassNotFound
	ClassFailure
)

// maxAuthDepth bounds AUTHINFO recursion against a misbehaving server that
// keeps answering 480.
const maxAuthDepth = 10

var ErrCancelled = errors.New("nntp: session cancelled")

// Session wraps one transport connection to a news server.
type Session struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader

	username, password string

	mu          sync.Mutex
	activeGroup string
	cancelled   atomic.Bool
}

func NewSession(conn io.ReadWriteCloser, username, password string) *Session {
	return &Session{conn: conn, r: bufio.NewReader(conn), username: username, password: password}
}

// Cancel aborts any in-flight read on another goroutine by closing the
// underlying transport; ReadBodyLine and the status-line reads then return
// ErrCancelled promptly.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	_ = s.conn.Close()
}

func (s *Session) Disconnect() error {
	return s.conn.Close()
}

// Connect reads the server greeting. A 2xx leading digit is required.
func (s *Session) Connect() error {
	line, err := s.readStatusLine()
	if err != nil {
		return errors.Wrap(err, "nntp: greeting")
	}
	if !strings.HasPrefix(line, "2") {
		return errors.Errorf("nntp: bad greeting: %s", line)
	}
	return nil
}

// request sends cmd and returns the first response line.
func (s *Session) request(cmd string) (string, error) {
	if _, err := io.WriteString(s.conn, cmd+"\r\n"); err != nil {
		return "", errors.Wrap(err, "nntp: write")
	}
	return s.readStatusLine()
}

func (s *Session) readStatusLine() (string, error) {
	line, err := s.readRawLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads one CRLF- or LF-terminated line without dot-unstuffing;
// used only for single status lines, never for article bodies.
func (s *Session) readRawLine() (string, error) {
	if s.cancelled.Load() {
		return "", ErrCancelled
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if s.cancelled.Load() {
			return "", ErrCancelled
		}
		return "", err
	}
	return line, nil
}

func statusCode(line string) int {
	if len(line) < 3 {
		return 0
	}
	n, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0
	}
	return n
}

// authenticate runs AUTHINFO USER/PASS, recursing on a nested 480 up to
// maxAuthDepth times.
func (s *Session) authenticate(depth int) error {
	if depth > maxAuthDepth {
		return errors.New("nntp: auth recursion too deep")
	}
	line, err := s.request("AUTHINFO USER " + s.username)
	if err != nil {
		return err
	}
	switch statusCode(line) {
	case 281:
		return nil
	case 381:
		line, err = s.request("AUTHINFO PASS " + s.password)
		if err != nil {
			return err
		}
		code := statusCode(line)
		if code/100 == 2 {
			return nil
		}
		if code == 480 {
			return s.authenticate(depth + 1)
		}
		return errors.Errorf("nntp: auth pass failed: %s", line)
	case 480:
		return s.authenticate(depth + 1)
	default:
		return errors.Errorf("nntp: auth user failed: %s", line)
	}
}

// JoinGroup sends GROUP <name>, a no-op when the active group already
// matches (saves a round trip across articles in the same group).
func (s *Session) JoinGroup(name string) error {
	s.mu.Lock()
	if s.activeGroup == name {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	line, err := s.request("GROUP " + name)
	if err != nil {
		return err
	}
	if statusCode(line) == 480 {
		if authErr := s.authenticate(0); authErr != nil {
			return authErr
		}
		line, err = s.request("GROUP " + name)
		if err != nil {
			return err
		}
	}
	if statusCode(line)/100 != 2 {
		return errors.Errorf("nntp: group join failed: %s", line)
	}
	s.mu.Lock()
	s.activeGroup = name
	s.mu.Unlock()
	return nil
}

func (s *Session) ActiveGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGroup
}

// ArticleResult is the outcome of Article(): the classified response and
// its status line. On success the body is then read with ReadBodyLine.
type ArticleResult struct {
	Class  Class
	Status string
}

// Article issues "ARTICLE <msgid>", transparently authenticating and
// retrying exactly once on a 480. A 400/499 (connect error) or 410-439 (not
// found) answer is returned after the first attempt without a retry; any
// other non-2xx answer is retried, up to 3 attempts in all.
func (s *Session) Article(msgID string) (ArticleResult, error) {
	const maxAttempts = 3
	var last string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		line, err := s.request("ARTICLE " + msgID)
		if err != nil {
			return ArticleResult{}, err
		}
		code := statusCode(line)
		if code == 480 {
			if authErr := s.authenticate(0); authErr != nil {
				return ArticleResult{}, authErr
			}
			line, err = s.request("ARTICLE " + msgID)
			if err != nil {
				return ArticleResult{}, err
			}
			code = statusCode(line)
		}
		last = line
		switch {
		case code/100 == 2:
			return ArticleResult{Class: ClassSuccess, Status: line}, nil
		case code == 400 || code == 499:
			return ArticleResult{Class: ClassConnectError, Status: line}, nil
		case code >= 410 && code <= 439:
			return ArticleResult{Class: ClassNotFound, Status: line}, nil
		}
		// anything else: retry this attempt
	}
	return ArticleResult{Class: ClassFailure, Status: last}, nil
}

// ReadBodyLine reads one body line, de-stuffed. It returns (nil, false) at
// the terminating lone-dot line. Only valid after a successful Article().
func (s *Session) ReadBodyLine() ([]byte, bool, error) {
	raw, err := s.readRawLine()
	if err != nil {
		return nil, false, err
	}
	trimmed := strings.TrimRight(raw, "\r\n")
	if trimmed == "." {
		return nil, false, nil
	}
	if strings.HasPrefix(trimmed, "..") {
		trimmed = trimmed[1:]
	}
	return []byte(trimmed), true, nil
}

// Quit sends QUIT, ignoring the response (best-effort).
func (s *Session) Quit() {
	_, _ = s.request("QUIT")
}
