// Package server owns the NewsServer registry and the tiered connection
// pool that schedules limited per-server connection budgets across many
// concurrent article fetches (spec.md §4.1).
package server

import (
	"net"
	"time"
)

// NewsServer is a long-lived, mostly-immutable descriptor for one
// configured news server. Active, NormLevel and BlockUntil are the only
// fields mutated after init.
type NewsServer struct {
	ID             int
	Active         bool
	Name           string
	Host           string
	Port           int
	IPVersion      int
	Username       string
	Password       string
	JoinGroup      bool
	TLS            bool
	Cipher         string
	MaxConnections int
	RetentionDays  int

	Level int // raw, user-supplied priority
	Group int // 0 = no group

	Optional bool

	// mutable
	NormLevel  int // assigned by Pool.InitConnections; -1 == excluded
	BlockUntil time.Time
}

func (s *NewsServer) isBlocked(now time.Time) bool {
	return !s.BlockUntil.IsZero() && now.Before(s.BlockUntil)
}

func (s *NewsServer) sameGroup(o *NewsServer) bool {
	return s.Group != 0 && s.Group == o.Group
}

// connState is the lifecycle state of a PooledConnection.
type connState int

const (
	StateDisconnected connState = iota
	StateConnecting
	StateConnected
	StateCancelled
)

// Dialer abstracts the transport so the pool and tests never depend on a
// real socket. Production wiring constructs one backed by net.Dial/tls.Dial
// plus the nntp session reader.
type Dialer interface {
	Dial(srv *NewsServer) (net.Conn, error)
}

// PooledConnection wraps a transport to a NewsServer.
type PooledConnection struct {
	Server *NewsServer
	Conn   net.Conn

	state         connState
	inUse         bool
	freeSince     time.Time
	activeGroup   string
	authErrorFlag bool
}

func (c *PooledConnection) State() connState    { return c.state }
func (c *PooledConnection) InUse() bool         { return c.inUse }
func (c *PooledConnection) ActiveGroup() string { return c.activeGroup }
func (c *PooledConnection) SetActiveGroup(g string) { c.activeGroup = g }
func (c *PooledConnection) MarkAuthError()      { c.authErrorFlag = true }
func (c *PooledConnection) AuthError() bool     { return c.authErrorFlag }
func (c *PooledConnection) SetState(s connState) { c.state = s }
