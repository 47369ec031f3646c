package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	p := NewPool(10*time.Minute, 5*time.Second)
	p.pick = func(int) int { return 0 } // deterministic: always the first eligible candidate
	return p
}

func srv(level, maxConn int, opts ...func(*NewsServer)) *NewsServer {
	s := &NewsServer{Active: true, Level: level, MaxConnections: maxConn}
	for _, o := range opts {
		o(s)
	}
	return s
}

func withGroup(g int) func(*NewsServer)      { return func(s *NewsServer) { s.Group = g } }
func withOptional() func(*NewsServer)        { return func(s *NewsServer) { s.Optional = true } }
func inactive() func(*NewsServer)            { return func(s *NewsServer) { s.Active = false } }

func TestSimpleLevels(t *testing.T) {
	p := newTestPool()
	s1 := srv(2, 2)
	s2 := srv(10, 3)
	p.AddServer(s1)
	p.AddServer(s2)
	p.InitConnections()
	require.Equal(t, 1, p.MaxNormLevel())

	h1 := p.GetConnection(0, nil, nil)
	h2 := p.GetConnection(0, nil, nil)
	require.NotNil(t, h1)
	require.NotNil(t, h2)
	require.Nil(t, p.GetConnection(0, nil, nil))

	p.ReleaseConnection(h1, true)
	require.NotNil(t, p.GetConnection(0, nil, nil))

	require.NotNil(t, p.GetConnection(1, nil, nil))
	require.NotNil(t, p.GetConnection(1, nil, nil))
	require.NotNil(t, p.GetConnection(1, nil, nil))
	require.Nil(t, p.GetConnection(1, nil, nil))
}

func TestWantServer(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2)
	s2 := srv(0, 1)
	s3 := srv(0, 3)
	s4 := srv(1, 2)
	p.AddServer(s1)
	p.AddServer(s2)
	p.AddServer(s3)
	p.AddServer(s4)
	p.InitConnections()

	require.NotNil(t, p.GetConnection(0, nil, nil))

	got := 0
	for i := 0; i < 10; i++ {
		if p.GetConnection(0, s1, nil) != nil {
			got++
		} else {
			break
		}
	}
	require.Equal(t, 1, got)
	require.Nil(t, p.GetConnection(0, s1, nil))
}

func TestActiveToggle(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2)
	s2 := srv(0, 1)
	p.AddServer(s1)
	p.AddServer(s2)
	p.InitConnections()

	var handles []*ConnHandle
	for i := 0; i < 3; i++ {
		h := p.GetConnection(0, nil, nil)
		require.NotNil(t, h)
		handles = append(handles, h)
	}
	require.Nil(t, p.GetConnection(0, nil, nil))

	for _, h := range handles {
		p.ReleaseConnection(h, true)
	}

	s1.Active = false
	genBefore := p.Generation()
	p.Changed()
	require.Equal(t, genBefore+1, p.Generation())

	require.NotNil(t, p.GetConnection(0, nil, nil))
	require.Nil(t, p.GetConnection(0, nil, nil))
	require.Nil(t, p.GetConnection(0, nil, nil))
}

func TestIgnoreGrouped(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2, withGroup(1))
	s2 := srv(0, 2, withGroup(1))
	p.AddServer(s1)
	p.AddServer(s2)
	p.InitConnections()

	got := 0
	for i := 0; i < 5; i++ {
		if p.GetConnection(0, nil, []*NewsServer{s1}) != nil {
			got++
		} else {
			break
		}
	}
	require.LessOrEqual(t, got, 2)
	require.Nil(t, p.GetConnection(0, nil, []*NewsServer{s1}))

	s3 := srv(0, 2, withGroup(2))
	p.AddServer(s3)
	p.Changed()

	got2 := 0
	for i := 0; i < 5; i++ {
		if p.GetConnection(0, nil, []*NewsServer{s1}) != nil {
			got2++
		} else {
			break
		}
	}
	require.Equal(t, 2, got2)
}

func TestBlockAndTiers(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2, withGroup(1))
	s2 := srv(0, 2, withGroup(1))
	s3 := srv(1, 2)
	p.AddServer(s1)
	p.AddServer(s2)
	p.AddServer(s3)
	p.InitConnections()

	p.BlockServer(s1)
	var got []*ConnHandle
	for i := 0; i < 3; i++ {
		h := p.GetConnection(0, nil, nil)
		if h == nil {
			require.Equal(t, 2, i)
			break
		}
		require.Equal(t, 0, h.Server().NormLevel)
		got = append(got, h)
	}
	for _, h := range got {
		p.ReleaseConnection(h, true)
	}

	p.BlockServer(s2)
	require.Nil(t, p.GetConnection(0, nil, nil))
	require.Nil(t, p.GetConnection(0, nil, nil))
}

func TestAllOptionalOnTierZero(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2, withGroup(1), withOptional())
	s2 := srv(0, 2, withGroup(1), withOptional())
	s3 := srv(1, 2)
	p.AddServer(s1)
	p.AddServer(s2)
	p.AddServer(s3)
	p.InitConnections()

	p.BlockServer(s1)
	p.BlockServer(s2)

	h1 := p.GetConnection(0, nil, nil)
	require.NotNil(t, h1)
	require.Equal(t, 1, h1.Server().NormLevel)
	h2 := p.GetConnection(0, nil, nil)
	require.NotNil(t, h2)
	require.Equal(t, 1, h2.Server().NormLevel)
}

func TestMixedOptionalNoFallThrough(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2, withOptional())
	s2 := srv(0, 2)
	s3 := srv(1, 2)
	p.AddServer(s1)
	p.AddServer(s2)
	p.AddServer(s3)
	p.InitConnections()

	p.BlockServer(s1)
	p.BlockServer(s2)

	for i := 0; i < 4; i++ {
		require.Nil(t, p.GetConnection(0, nil, nil))
	}
}

func TestMinLevelAlwaysIncluded(t *testing.T) {
	p := newTestPool()
	s1 := srv(0, 2, inactive())
	s2 := srv(5, 2)
	p.AddServer(s1)
	p.AddServer(s2)
	p.InitConnections()

	require.Equal(t, 0, s1.NormLevel)
	require.Equal(t, 1, s2.NormLevel)
}
