/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// hashRing assigns screens to instances with consistent hashing so a
// multi-node deployment partitions the fleet without coordination. A single
// node owns every screen.
type hashRing struct {
	mu       sync.RWMutex
	nodes    []uint32          // sorted hash values
	nodeMap  map[uint32]string // hash -> instance ID
	replicas int               // virtual nodes per physical instance
}

func newHashRing(replicas int) *hashRing {
	return &hashRing{
		nodes:    []uint32{},
		nodeMap:  make(map[uint32]string),
		replicas: replicas,
	}
}

func (r *hashRing) addNode(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		hash := hashKey(fmt.Sprintf("%s:%d:vnode", instanceID, i))
		r.nodes = append(r.nodes, hash)
		r.nodeMap[hash] = instanceID
	}

	sort.Slice(r.nodes, func(i, j int) bool {
		return r.nodes[i] < r.nodes[j]
	})
}

func (r *hashRing) removeNode(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		hash := hashKey(fmt.Sprintf("%s:%d:vnode", instanceID, i))
		delete(r.nodeMap, hash)
	}

	newNodes := make([]uint32, 0, len(r.nodeMap))
	for hash := range r.nodeMap {
		newNodes = append(newNodes, hash)
	}
	sort.Slice(newNodes, func(i, j int) bool {
		return newNodes[i] < newNodes[j]
	})
	r.nodes = newNodes
}

// getNode returns the instance responsible for the given key.
func (r *hashRing) getNode(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return "", false
	}

	hash := hashKey(key)

	// First node clockwise from the key's position, wrapping at the end.
	idx := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i] >= hash
	})
	if idx == len(r.nodes) {
		idx = 0
	}

	return r.nodeMap[r.nodes[idx]], true
}

// hashKey computes FNV-1a hash of a string.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
