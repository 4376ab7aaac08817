// Copyright 2026 The evpoll Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventpoll

import (
	"github.com/google/btree"

	"evpoll.dev/evpoll/pkg/waiter"
)

const watchBtreeDegree = 32

// watchRegistry is the ordered index of an instance's watches, keyed by
// target identity first and descriptor number second. Target interface
// values carry no usable order of their own, so the registry assigns each
// distinct target an ordinal on first insert and releases it when the last
// watch on that target is removed.
//
// All methods require the instance sleep lock.
type watchRegistry struct {
	tree    *btree.BTreeG[*watchItem]
	ords    map[waiter.Pollable]*targetOrd
	nextOrd uint64
}

type targetOrd struct {
	ord  uint64
	refs int
}

func watchLess(a, b *watchItem) bool {
	if a.ord != b.ord {
		return a.ord < b.ord
	}
	return a.num < b.num
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{
		tree: btree.NewG(watchBtreeDegree, watchLess),
		ords: make(map[waiter.Pollable]*targetOrd),
	}
}

// find returns the watch registered for id, if any.
func (r *watchRegistry) find(id FileIdentifier) (*watchItem, bool) {
	to, ok := r.ords[id.Target]
	if !ok {
		return nil, false
	}
	return r.tree.Get(&watchItem{ord: to.ord, num: id.Num})
}

// insert adds it to the registry, assigning the target ordinal. The caller
// must have established that id is not yet registered.
func (r *watchRegistry) insert(it *watchItem) {
	to, ok := r.ords[it.id.Target]
	if !ok {
		r.nextOrd++
		to = &targetOrd{ord: r.nextOrd}
		r.ords[it.id.Target] = to
	}
	to.refs++
	it.ord = to.ord
	r.tree.ReplaceOrInsert(it)
}

// remove deletes it from the registry, releasing the target ordinal when no
// other watch refers to the target.
func (r *watchRegistry) remove(it *watchItem) {
	r.tree.Delete(it)
	if to, ok := r.ords[it.id.Target]; ok {
		if to.refs--; to.refs == 0 {
			delete(r.ords, it.id.Target)
		}
	}
}

// all returns every registered watch in key order.
func (r *watchRegistry) all() []*watchItem {
	items := make([]*watchItem, 0, r.tree.Len())
	r.tree.Ascend(func(it *watchItem) bool {
		items = append(items, it)
		return true
	})
	return items
}

// size returns the number of registered watches.
func (r *watchRegistry) size() int {
	return r.tree.Len()
}
