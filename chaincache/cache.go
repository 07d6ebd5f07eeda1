// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package chaincache keeps a memory bounded forest of call chain frames and
// uses it to extend truncated call chains with callers seen in earlier
// samples of the same thread.
//
// Nodes live in a fixed arena and refer to each other by arena index. Node 0
// is the sentinel of a doubly linked LRU list holding all leaf nodes. Only
// leaves can be evicted; evicting the last child of a node turns that node
// into a leaf.
package chaincache // import "go.opentelemetry.io/perf-ingest/chaincache"

import (
	"errors"
	"fmt"
	"slices"
	"unsafe"
)

type nodeKey struct {
	tid uint32
	ip  uint64
	sp  uint64
}

type node struct {
	key    nodeKey
	isLeaf bool
	parent uint32
	// Only valid for internal nodes.
	childCount uint32
	// Only valid for leaves.
	prevLeaf uint32
	nextLeaf uint32
}

// NodeSize is the number of bytes of cache budget a node accounts for.
const NodeSize = uint64(unsafe.Sizeof(node{}))

// Stats holds cache counters.
type Stats struct {
	CacheSize                uint64
	MatchedNodeCountToExtend int
	MaxNodeCount             uint64
	UsedNodeCount            uint64
	RecycledNodeCount        uint64
}

// Cache joins call chains. It is not safe for concurrent use.
type Cache struct {
	cacheSize uint64
	matched   int

	// nodes[0] is the LRU sentinel, cap(nodes) is the arena size.
	nodes []node
	index map[nodeKey]uint32

	recycled uint64
}

// New returns a cache using up to cacheSize bytes for nodes. A chain is only
// extended if at least matchedNodeCountToExtend of its frames are present.
func New(cacheSize uint64, matchedNodeCountToExtend int) (*Cache, error) {
	maxNodes := cacheSize / NodeSize
	if maxNodes < 2 {
		return nil, fmt.Errorf("cache size %d holds less than 2 nodes of %d bytes",
			cacheSize, NodeSize)
	}
	if maxNodes > 1<<32-1 {
		return nil, fmt.Errorf("cache size %d is too large", cacheSize)
	}
	if matchedNodeCountToExtend < 1 {
		return nil, errors.New("matched node count to extend must be at least 1")
	}
	return &Cache{
		cacheSize: cacheSize,
		matched:   matchedNodeCountToExtend,
		nodes:     make([]node, 1, maxNodes),
		index:     make(map[nodeKey]uint32),
	}, nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		CacheSize:                c.cacheSize,
		MatchedNodeCountToExtend: c.matched,
		MaxNodeCount:             uint64(cap(c.nodes) - 1),
		UsedNodeCount:            uint64(len(c.nodes) - 1),
		RecycledNodeCount:        c.recycled,
	}
}

// JoinChain records the frames of a call chain of thread tid, innermost
// first, and returns the chain extended by the callers the cache knows for
// its outermost frame. ips and sps must be non-empty and of equal length,
// stack pointers must not decrease along the chain.
func (c *Cache) JoinChain(tid uint32, ips, sps []uint64) (joinedIPs, joinedSPs []uint64) {
	if len(ips) == 0 || len(ips) != len(sps) {
		panic(fmt.Sprintf("invalid call chain with %d ips and %d sps", len(ips), len(sps)))
	}
	n := len(ips)
	nodes := make([]uint32, n)
	for i := range ips {
		nodes[i] = c.getNode(nodeKey{tid: tid, ip: ips[i], sp: sps[i]})
	}

	canExtend := n >= c.matched
	if canExtend {
		// Repeats the comparison of the two outermost frames.
		for i := 1; i < c.matched; i++ {
			if c.nodes[nodes[n-2]].parent != nodes[n-1] {
				canExtend = false
				break
			}
		}
	}

	for i := 0; i+1 < n; i++ {
		child, parent := nodes[i], nodes[i+1]
		// Frames resolved earlier in this loop may have been recycled for
		// later ones. Never link to a caller below the callee.
		if child != parent && c.nodes[child].key.sp <= c.nodes[parent].key.sp {
			c.linkParent(child, parent)
		}
	}

	top := nodes[n-1]
	if !canExtend {
		c.unlinkParent(top)
		return ips, sps
	}

	joinedIPs, joinedSPs = slices.Clip(ips), slices.Clip(sps)
	for cur := c.nodes[top].parent; cur != 0; cur = c.nodes[cur].parent {
		key := c.nodes[cur].key
		if key.sp == joinedSPs[len(joinedSPs)-1] &&
			hasTrailingFrame(joinedIPs, joinedSPs, key.ip) {
			c.unlinkParent(top)
			return joinedIPs[:n], joinedSPs[:n]
		}
		joinedIPs = append(joinedIPs, key.ip)
		joinedSPs = append(joinedSPs, key.sp)
	}
	return joinedIPs, joinedSPs
}

// hasTrailingFrame reports whether ip is among the outermost frames sharing
// the stack pointer of the outermost frame.
func hasTrailingFrame(ips, sps []uint64, ip uint64) bool {
	sp := sps[len(sps)-1]
	for i := len(ips) - 1; i >= 0 && sps[i] == sp; i-- {
		if ips[i] == ip {
			return true
		}
	}
	return false
}

// findNode returns the node of key and marks it as most recently used.
func (c *Cache) findNode(key nodeKey) (uint32, bool) {
	idx, ok := c.index[key]
	if !ok {
		return 0, false
	}
	if c.nodes[idx].isLeaf {
		c.removeLeaf(idx)
		c.appendLeaf(idx)
	}
	return idx, true
}

func (c *Cache) getNode(key nodeKey) uint32 {
	if idx, ok := c.findNode(key); ok {
		return idx
	}
	idx := c.allocNode()
	c.nodes[idx] = node{key: key, isLeaf: true}
	c.index[key] = idx
	c.appendLeaf(idx)
	return idx
}

// allocNode returns an unused node, evicting the least recently used leaf
// once the arena is exhausted.
func (c *Cache) allocNode() uint32 {
	if len(c.nodes) < cap(c.nodes) {
		c.nodes = append(c.nodes, node{})
		return uint32(len(c.nodes) - 1)
	}
	idx := c.nodes[0].nextLeaf
	c.removeLeaf(idx)
	delete(c.index, c.nodes[idx].key)
	c.unlinkParent(idx)
	c.recycled++
	return idx
}

func (c *Cache) linkParent(child, parent uint32) {
	c.unlinkParent(child)
	c.nodes[child].parent = parent
	p := &c.nodes[parent]
	if p.isLeaf {
		c.removeLeaf(parent)
		p.isLeaf = false
		p.childCount = 1
	} else {
		p.childCount++
	}
}

func (c *Cache) unlinkParent(child uint32) {
	parent := c.nodes[child].parent
	if parent == 0 {
		return
	}
	c.nodes[child].parent = 0
	p := &c.nodes[parent]
	p.childCount--
	if p.childCount == 0 {
		p.isLeaf = true
		c.appendLeaf(parent)
	}
}

func (c *Cache) removeLeaf(idx uint32) {
	n := &c.nodes[idx]
	c.nodes[n.prevLeaf].nextLeaf = n.nextLeaf
	c.nodes[n.nextLeaf].prevLeaf = n.prevLeaf
}

func (c *Cache) appendLeaf(idx uint32) {
	tail := c.nodes[0].prevLeaf
	c.nodes[idx].prevLeaf = tail
	c.nodes[idx].nextLeaf = 0
	c.nodes[tail].nextLeaf = idx
	c.nodes[0].prevLeaf = idx
}
