package server

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
)

// Pool is the tiered, blockable connection allocator described in
// spec.md §4.1. One Pool instance owns every NewsServer and every
// PooledConnection materialized for it.
type Pool struct {
	mu sync.Mutex

	servers []*NewsServer
	conns   []*PooledConnection // all materialized connections, across all servers

	maxNormLevel int
	freeCount    map[int]int // normLevel -> count of currently free connections

	retryInterval time.Duration
	holdTimeout   time.Duration

	generation atomic.Int64

	now  func() time.Time // overridable for tests
	pick func(n int) int  // candidate-index chooser; rand.Intn in production, fixed in tests
}

// NewPool constructs an empty Pool. Call AddServer for each configured
// server, then InitConnections once configuration is complete.
func NewPool(retryInterval, holdTimeout time.Duration) *Pool {
	return &Pool{
		freeCount:     make(map[int]int),
		retryInterval: retryInterval,
		holdTimeout:   holdTimeout,
		pick:          rand.Intn,
		now:           time.Now,
	}
}

// AddServer appends a server descriptor to the registry.
func (p *Pool) AddServer(s *NewsServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = append(p.servers, s)
}

// Generation returns the current churn counter; callers can compare across
// calls to detect that Changed() ran.
func (p *Pool) Generation() int64 { return p.generation.Load() }

// InitConnections recomputes NormLevel for every server (see
// normalizeLevels), then materializes PooledConnection slots up to
// MaxConnections for every active server, and resets each server's block
// time.
func (p *Pool) InitConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.normalizeLevelsLocked()

	p.conns = p.conns[:0]
	p.freeCount = make(map[int]int)
	for _, s := range p.servers {
		s.BlockUntil = time.Time{}
		if !s.Active || s.NormLevel < 0 {
			continue
		}
		for i := 0; i < s.MaxConnections; i++ {
			p.conns = append(p.conns, &PooledConnection{Server: s, state: StateDisconnected})
		}
		p.freeCount[s.NormLevel] += s.MaxConnections
	}
}

// normalizeLevelsLocked implements the level-normalization algorithm of
// spec.md §4.1: sort by raw Level ascending; walk in order, incrementing
// the running norm counter whenever the raw level changes for a server
// that is either active-with-connections or sits at the minimum raw level.
// Servers excluded by neither rule get NormLevel -1.
func (p *Pool) normalizeLevelsLocked() {
	if len(p.servers) == 0 {
		p.maxNormLevel = 0
		return
	}
	sorted := make([]*NewsServer, len(p.servers))
	copy(sorted, p.servers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	minLevel := sorted[0].Level
	norm := 0
	prevLevel := 0
	first := true
	for _, s := range sorted {
		includedAtMin := s.Level == minLevel
		includedActive := s.Active && s.MaxConnections > 0
		included := includedActive || includedAtMin
		if !first && s.Level != prevLevel && included {
			norm++
		}
		if included {
			s.NormLevel = norm
		} else {
			s.NormLevel = -1
		}
		prevLevel = s.Level
		first = false
	}
	p.maxNormLevel = norm
}

// MaxNormLevel returns the highest tier produced by the last
// InitConnections/Changed call.
func (p *Pool) MaxNormLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxNormLevel
}

// ConnHandle identifies one borrowed connection to the caller; it carries
// no exported fields on purpose — callers go through Release/Block using
// the handle they were given.
type ConnHandle struct {
	conn *PooledConnection
}

func (h *ConnHandle) Server() *NewsServer        { return h.conn.Server }
func (h *ConnHandle) ActiveGroup() string        { return h.conn.ActiveGroup() }
func (h *ConnHandle) SetActiveGroup(group string) { h.conn.SetActiveGroup(group) }
func (h *ConnHandle) MarkAuthError()             { h.conn.MarkAuthError() }
func (h *ConnHandle) Conn() *PooledConnection     { return h.conn }

// GetConnection returns an idle, eligible connection at the given level or
// higher, per the selection algorithm in spec.md §4.1. It never blocks:
// callers poll with short sleeps (spec.md §5).
func (p *Pool) GetConnection(level int, wantServer *NewsServer, ignoreServers []*NewsServer) *ConnHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for tier := level; tier <= p.maxNormLevel; tier++ {
		candidates, anyNonOptionalUnblocked, allActiveOptionalBlocked, anyActive := p.candidatesLocked(tier, wantServer, ignoreServers, now)
		if len(candidates) > 0 {
			pick := candidates[p.pick(len(candidates))]
			pick.inUse = true
			p.freeCount[tier]--
			return &ConnHandle{conn: pick}
		}
		if anyNonOptionalUnblocked {
			// A non-optional, non-blocked server sits idle-but-ineligible
			// (e.g. all its connections are in use): wait for this tier,
			// do not fall through.
			return nil
		}
		if anyActive && allActiveOptionalBlocked {
			// Every active server on this tier is both optional and
			// currently blocked: fall through to the next tier.
			continue
		}
		if !anyActive {
			// Nothing lives on this tier at all: skip it silently.
			continue
		}
		return nil
	}
	return nil
}

// candidatesLocked gathers every free connection on tier matching the
// selection predicate, and reports the facts the fall-through decision in
// GetConnection needs: whether a non-optional server on this tier is
// currently unblocked (forces a wait, never a fall-through), whether every
// active server on the tier is both optional and blocked (the only case
// that is allowed to fall through), and whether the tier has any active
// server at all.
func (p *Pool) candidatesLocked(tier int, wantServer *NewsServer, ignoreServers []*NewsServer, now time.Time) (candidates []*PooledConnection, anyNonOptionalUnblocked, allActiveOptionalBlocked, anyActive bool) {
	allActiveOptionalBlocked = true
	for _, c := range p.conns {
		s := c.Server
		if s.NormLevel != tier {
			continue
		}
		if !s.Active {
			continue
		}
		anyActive = true
		blocked := s.isBlocked(now)
		if !s.Optional && !blocked {
			anyNonOptionalUnblocked = true
		}
		if !(s.Optional && blocked) {
			allActiveOptionalBlocked = false
		}
		if c.inUse {
			continue
		}
		if !eligible(s, wantServer, ignoreServers) {
			continue
		}
		if !(c.state == StateConnected || !blocked) {
			continue
		}
		candidates = append(candidates, c)
	}
	return
}

func eligible(s *NewsServer, wantServer *NewsServer, ignoreServers []*NewsServer) bool {
	if wantServer != nil {
		return s == wantServer || s.sameGroup(wantServer)
	}
	for _, ig := range ignoreServers {
		if s == ig {
			return false
		}
		if ig.Group != 0 && s.sameGroup(ig) && s.NormLevel == ig.NormLevel {
			return false
		}
	}
	return true
}

// ReleaseConnection returns a borrowed connection to the pool. When used is
// true the connection is considered freshly productive and its free-time is
// stamped for idle-hold accounting; when false (e.g. a connect failure) it
// is still returned but not treated as recently active.
func (p *Pool) ReleaseConnection(h *ConnHandle, used bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := h.conn
	if !c.inUse {
		return
	}
	c.inUse = false
	if used {
		c.freeSince = p.now()
	}
	p.freeCount[c.Server.NormLevel]++
}

// BlockServer marks a server as misbehaving: new selections avoid it for
// RetryInterval seconds, but connections already in StateConnected remain
// usable so in-flight work can drain.
func (p *Pool) BlockServer(s *NewsServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.BlockUntil = p.now().Add(p.retryInterval)
}

// SetServerActive toggles the Active flag of the server with the given
// configured ID (the scheduler's activateServer/deactivateServer task
// commands, spec.md §4.9) and re-normalizes levels so the change is
// reflected in tier selection immediately.
func (p *Pool) SetServerActive(id int, active bool) {
	p.mu.Lock()
	for _, s := range p.servers {
		if s.ID == id {
			s.Active = active
		}
	}
	p.normalizeLevelsLocked()
	p.mu.Unlock()
	p.Changed()
}

// CloseUnusedConnections closes connections belonging to servers that
// became inactive/excluded, and closes all otherwise-idle connections on
// any tier that has been fully idle longer than the hold timeout.
func (p *Pool) CloseUnusedConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	tierHasInUse := make(map[int]bool)
	for _, c := range p.conns {
		if c.inUse {
			tierHasInUse[c.Server.NormLevel] = true
		}
	}

	kept := p.conns[:0]
	for _, c := range p.conns {
		excluded := !c.Server.Active || c.Server.NormLevel < 0
		idleExpired := !c.inUse && !c.freeSince.IsZero() &&
			!tierHasInUse[c.Server.NormLevel] && now.Sub(c.freeSince) > p.holdTimeout
		if (excluded || idleExpired) && c.state != StateDisconnected {
			p.closeConnLocked(c)
		}
		if excluded {
			continue // drop the slot entirely; the server is gone
		}
		kept = append(kept, c)
	}
	p.conns = kept
}

func (p *Pool) closeConnLocked(c *PooledConnection) {
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			nlog.Warningf("server: close connection to %s: %v", c.Server.Name, err)
		}
		c.Conn = nil
	}
	c.state = StateDisconnected
}

// Changed recomputes tiers and closes now-unused connections, bumping the
// generation counter so observers can detect churn.
func (p *Pool) Changed() {
	p.InitConnections()
	p.CloseUnusedConnections()
	p.generation.Add(1)
}
