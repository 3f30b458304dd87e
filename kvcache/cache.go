// Package kvcache implements the per-layer, per-device-shard key/value
// cache the transformer core appends to on every forward pass.
//
// Unlike the teacher's kvcache package — which packs many sequences into a
// shared cell-range arena with sliding-window and chunked-attention
// variants — this module's model keeps one Cache per sequence, each layer
// split into numShards device-resident shards, the shape
// original_source's mistralrs-core per-sequence Cache takes when the
// sequence axis is chunked across devices for attention (spec.md §4.4): a
// shard holds one contiguous, disjoint range of the sequence's absolute
// positions, and a device reads another device's shard by staging a copy
// of it, never the resident tensor itself. The naming (Put/Get, the
// ErrKvCacheFull/ErrNotSupported sentinels) is kept from the teacher for
// continuity even though the storage layout differs.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/ollama/llamaserve/ml"
)

// ErrKvCacheFull is returned by Put when appending would exceed the
// cache's configured capacity.
var ErrKvCacheFull = errors.New("kvcache: cache is full")

// ErrNotSupported is the sentinel for operations a cache variant does not
// implement. No method of Cache returns it.
var ErrNotSupported = errors.New("kvcache: operation not supported")

// shard holds one device's resident slice of a layer's key/value history.
// K and V have shape [n, numKVHeads, headDim]; startPos is the absolute
// sequence position of the shard's first row, so a shard rotated onto a
// different device can still be masked correctly against queries that
// don't share its range.
type shard struct {
	device   ml.DeviceID
	k, v     ml.Tensor
	startPos int
	set      bool
}

// Cache is one sequence's key/value store across every decoder layer, each
// layer split into numShards device-resident shards.
type Cache struct {
	capacity  int
	numShards int
	layers    [][]shard
	pastLen   int
}

// New allocates an empty cache for numLayers decoder blocks, each split
// into numShards shards (one per device spec.md §4.4's attention chunks
// the sequence across; 1 disables chunking). capacity is the maximum
// number of tokens (prompt + decode) this cache may hold in total across
// all shards of a layer; zero means unbounded.
func New(numLayers, numShards, capacity int) *Cache {
	if numShards < 1 {
		numShards = 1
	}
	layers := make([][]shard, numLayers)
	for i := range layers {
		layers[i] = make([]shard, numShards)
	}
	return &Cache{capacity: capacity, numShards: numShards, layers: layers}
}

// PastLen is the number of tokens already appended to this cache, summed
// across every shard of its last layer.
func (c *Cache) PastLen() int { return c.pastLen }

// NumShards reports how many device shards each layer is split into.
func (c *Cache) NumShards() int { return c.numShards }

// Device returns the device a layer's shard is resident on. The zero
// DeviceID is returned before that shard's first Put.
func (c *Cache) Device(layer, shardIdx int) ml.DeviceID {
	return c.layers[layer][shardIdx].device
}

// Get returns a layer shard's resident key/value tensors, the absolute
// position its first row covers, and its length, without copying or
// moving them. k is nil if the shard has never been written.
func (c *Cache) Get(layer, shardIdx int) (k, v ml.Tensor, startPos, n int) {
	s := c.layers[layer][shardIdx]
	if !s.set {
		return nil, nil, 0, 0
	}
	return s.k, s.v, s.startPos, s.k.Dim(0)
}

// Put appends newK/newV (shape [n, numKVHeads, headDim] on the shard's
// resident device) to layer/shardIdx along the sequence axis (dim 0). The
// first Put for a shard fixes its resident device and its startPos to the
// given absolute position; later Puts must continue contiguously from
// there, which holds naturally for prefill-then-decode use where each
// shard only ever grows at its own end.
func (c *Cache) Put(ctx ml.Context, layer, shardIdx int, newK, newV ml.Tensor, startPos int) error {
	n := newK.Dim(0)
	if c.capacity > 0 && c.pastLen+n > c.capacity {
		return fmt.Errorf("%w (capacity %d, past_len %d, appending %d)", ErrKvCacheFull, c.capacity, c.pastLen, n)
	}

	s := &c.layers[layer][shardIdx]
	if !s.set {
		s.device = newK.Device()
		s.k, s.v = newK, newV
		s.startPos = startPos
		s.set = true
	} else {
		s.k = s.k.Concat(ctx, newK, 0)
		s.v = s.v.Concat(ctx, newV, 0)
	}
	if layer == len(c.layers)-1 && shardIdx == c.numShards-1 {
		c.pastLen += n
	}
	return nil
}

// StageTo copies a layer shard's key/value tensors onto the device backing
// ctx, leaving the cache's resident copy and device untouched. Multi-device
// chunked attention (spec.md §4.4) stages every shard onto the querying
// chunk's device in turn, accumulates the attention output each
// contributes, and then discards the staged copy — the resident shard
// never moves. Returns nil tensors and startPos 0 if the shard has never
// been written.
func (c *Cache) StageTo(ctx ml.Context, layer, shardIdx int) (k, v ml.Tensor, startPos int) {
	s := c.layers[layer][shardIdx]
	if !s.set {
		return nil, nil, 0
	}
	return s.k.To(ctx), s.v.To(ctx), s.startPos
}

// Close releases this cache. The eager CPU backend holds no off-heap
// resources, so Close is a no-op kept for interface parity with backends
// that do.
func (c *Cache) Close() {}
