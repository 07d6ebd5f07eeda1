// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package chaincache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ipA, ipB, ipC, ipD = 0xa, 0xb, 0xc, 0xd
	spA, spB, spC, spD = 0x100, 0x200, 0x300, 0x400
)

func newCache(t *testing.T, nodes uint64, matched int) *Cache {
	t.Helper()
	// One extra node for the LRU sentinel.
	c, err := New((nodes+1)*NodeSize, matched)
	require.NoError(t, err)
	return c
}

func (c *Cache) has(tid uint32, ip, sp uint64) bool {
	_, ok := c.index[nodeKey{tid: tid, ip: ip, sp: sp}]
	return ok
}

func TestNewErrors(t *testing.T) {
	_, err := New(NodeSize, 1)
	assert.Error(t, err)
	_, err = New(2*NodeSize, 0)
	assert.Error(t, err)
	c, err := New(2*NodeSize, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().MaxNodeCount)
}

func TestJoinChainPanicsOnInvalidInput(t *testing.T) {
	c := newCache(t, 4, 1)
	assert.Panics(t, func() { c.JoinChain(1, nil, nil) })
	assert.Panics(t, func() { c.JoinChain(1, []uint64{1, 2}, []uint64{1}) })
}

func TestEvictsLeastRecentlyUsedLeaf(t *testing.T) {
	c := newCache(t, 3, 1)
	c.JoinChain(1, []uint64{ipA}, []uint64{spA})
	c.JoinChain(1, []uint64{ipB}, []uint64{spB})
	c.JoinChain(1, []uint64{ipC}, []uint64{spC})
	assert.Equal(t, uint64(3), c.Stats().UsedNodeCount)
	assert.Zero(t, c.Stats().RecycledNodeCount)

	c.JoinChain(1, []uint64{ipD}, []uint64{spD})
	assert.False(t, c.has(1, ipA, spA))
	assert.True(t, c.has(1, ipB, spB))
	assert.True(t, c.has(1, ipC, spC))
	assert.True(t, c.has(1, ipD, spD))
	assert.Equal(t, uint64(1), c.Stats().RecycledNodeCount)
}

func TestLookupProtectsFromEviction(t *testing.T) {
	c := newCache(t, 3, 1)
	c.JoinChain(1, []uint64{ipA}, []uint64{spA})
	c.JoinChain(1, []uint64{ipB}, []uint64{spB})
	c.JoinChain(1, []uint64{ipC}, []uint64{spC})
	// Touch A, B becomes the oldest leaf.
	c.JoinChain(1, []uint64{ipA}, []uint64{spA})

	c.JoinChain(1, []uint64{ipD}, []uint64{spD})
	assert.True(t, c.has(1, ipA, spA))
	assert.False(t, c.has(1, ipB, spB))
}

func TestInternalNodesAreNotEvicted(t *testing.T) {
	c := newCache(t, 3, 1)
	c.JoinChain(1, []uint64{ipA, ipB}, []uint64{spA, spB})
	c.JoinChain(1, []uint64{ipC}, []uint64{spC})
	// B is the parent of A and cannot be evicted, A is the oldest leaf.
	c.JoinChain(1, []uint64{ipD}, []uint64{spD})
	assert.False(t, c.has(1, ipA, spA))
	assert.True(t, c.has(1, ipB, spB))

	// Losing its only child put B at the tail of the leaves, C is the oldest.
	c.JoinChain(1, []uint64{ipA}, []uint64{spA})
	assert.False(t, c.has(1, ipC, spC))
	assert.True(t, c.has(1, ipB, spB))
	assert.Equal(t, uint64(2), c.Stats().RecycledNodeCount)
}

func TestJoinChainExtends(t *testing.T) {
	c := newCache(t, 16, 1)
	ips, sps := c.JoinChain(1, []uint64{ipB, ipC}, []uint64{spB, spC})
	assert.Equal(t, []uint64{ipB, ipC}, ips)
	assert.Equal(t, []uint64{spB, spC}, sps)

	ips, sps = c.JoinChain(1, []uint64{ipA, ipB}, []uint64{spA, spB})
	assert.Equal(t, []uint64{ipA, ipB, ipC}, ips)
	assert.Equal(t, []uint64{spA, spB, spC}, sps)

	// Other threads do not share frames.
	ips, _ = c.JoinChain(2, []uint64{ipA, ipB}, []uint64{spA, spB})
	assert.Equal(t, []uint64{ipA, ipB}, ips)
}

func TestJoinChainDoesNotModifyInput(t *testing.T) {
	c := newCache(t, 16, 1)
	c.JoinChain(1, []uint64{ipB, ipC}, []uint64{spB, spC})

	ipsIn := make([]uint64, 2, 8)
	ipsIn[0], ipsIn[1] = ipA, ipB
	spsIn := make([]uint64, 2, 8)
	spsIn[0], spsIn[1] = spA, spB
	ips, _ := c.JoinChain(1, ipsIn, spsIn)
	assert.Len(t, ips, 3)
	assert.Zero(t, ipsIn[:3][2])
	assert.Zero(t, spsIn[:3][2])
}

func TestJoinChainLoopGuard(t *testing.T) {
	c := newCache(t, 16, 1)
	ips, sps := c.JoinChain(1, []uint64{ipA, ipB}, []uint64{0x10, 0x10})
	assert.Equal(t, []uint64{ipA, ipB}, ips)
	assert.Equal(t, []uint64{0x10, 0x10}, sps)

	ips, sps = c.JoinChain(1, []uint64{ipB, ipA}, []uint64{0x10, 0x10})
	assert.Equal(t, []uint64{ipB, ipA}, ips)
	assert.Equal(t, []uint64{0x10, 0x10}, sps)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.UsedNodeCount)
	assert.Zero(t, stats.RecycledNodeCount)
}

func TestJoinChainMatchedNodeCount(t *testing.T) {
	tests := map[string]struct {
		matched     int
		ips, sps    []uint64
		expectedIPs []uint64
	}{
		"two frames required, last link unknown": {
			matched:     2,
			ips:         []uint64{ipA, ipB},
			sps:         []uint64{spA, spB},
			expectedIPs: []uint64{ipA, ipB},
		},
		"two frames required, last link known": {
			matched:     2,
			ips:         []uint64{ipA, ipB, ipC},
			sps:         []uint64{spA, spB, spC},
			expectedIPs: []uint64{ipA, ipB, ipC, ipD},
		},
		"chain shorter than matched count": {
			matched:     3,
			ips:         []uint64{ipB, ipC},
			sps:         []uint64{spB, spC},
			expectedIPs: []uint64{ipB, ipC},
		},
		"three required, only the outermost link is compared": {
			matched:     3,
			ips:         []uint64{0xe, ipB, ipC},
			sps:         []uint64{spA, spB, spC},
			expectedIPs: []uint64{0xe, ipB, ipC, ipD},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := newCache(t, 16, tc.matched)
			// Records B -> C -> D. Not extendable itself since C has no
			// parent yet.
			ips, _ := c.JoinChain(1, []uint64{ipB, ipC, ipD}, []uint64{spB, spC, spD})
			require.Equal(t, []uint64{ipB, ipC, ipD}, ips)

			ips, _ = c.JoinChain(1, tc.ips, tc.sps)
			assert.Equal(t, tc.expectedIPs, ips)
		})
	}
}

func TestNotExtendableDropsStaleParent(t *testing.T) {
	c := newCache(t, 16, 2)
	c.JoinChain(1, []uint64{ipA, ipB, ipC}, []uint64{spA, spB, spC})
	c.JoinChain(1, []uint64{ipC, ipD}, []uint64{spC, spD})
	ips, _ := c.JoinChain(1, []uint64{ipA, ipB, ipC}, []uint64{spA, spB, spC})
	require.Equal(t, []uint64{ipA, ipB, ipC, ipD}, ips)

	// Not extendable: the link of C to its caller is dropped.
	c.JoinChain(1, []uint64{0xe, ipC}, []uint64{spB, spC})
	ips, _ = c.JoinChain(1, []uint64{ipA, ipB, ipC}, []uint64{spA, spB, spC})
	assert.Equal(t, []uint64{ipA, ipB, ipC}, ips)
}

func TestRecycledFramesOfSameChain(t *testing.T) {
	// Resolving the third frame evicts the first one.
	c := newCache(t, 2, 1)
	ips, sps := c.JoinChain(1, []uint64{ipA, ipB, ipC}, []uint64{spA, spB, spC})
	assert.Equal(t, []uint64{ipA, ipB, ipC}, ips)
	assert.Equal(t, []uint64{spA, spB, spC}, sps)
	assert.Equal(t, uint64(1), c.Stats().RecycledNodeCount)
}

func TestStats(t *testing.T) {
	c := newCache(t, 8, 3)
	c.JoinChain(7, []uint64{ipA, ipB, ipC}, []uint64{spA, spB, spC})
	assert.Equal(t, Stats{
		CacheSize:                9 * NodeSize,
		MatchedNodeCountToExtend: 3,
		MaxNodeCount:             8,
		UsedNodeCount:            3,
	}, c.Stats())
}
