// Copyright 2025 Tom Barlow
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

package scheduler

import (
	"container/heap"
	"time"

	"github.com/tombee/watchflow/internal/model"
)

// Priority defaults per trigger provenance.
const (
	PriorityScheduled = 5
	PriorityChain     = 3
	PriorityManual    = 10
)

// QueueItem is one pending run request.
type QueueItem struct {
	WorkflowID  string
	Kind        model.TriggerKind
	TriggeredBy string
	Priority    int
	EnqueuedAt  time.Time

	seq uint64 // insertion order, breaks priority ties FIFO
}

// PriorityForKind maps a trigger kind to its default queue priority.
func PriorityForKind(kind model.TriggerKind) int {
	switch kind {
	case model.TriggerManual:
		return PriorityManual
	case model.TriggerChain, model.TriggerEvent:
		return PriorityChain
	default:
		return PriorityScheduled
	}
}

// readyQueue is a max-priority heap with FIFO tie-breaking. It also keeps a
// per-workflow pending index so repeated enqueues coalesce into one item.
type readyQueue struct {
	items   []*QueueItem
	pending map[string]bool
	nextSeq uint64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{pending: make(map[string]bool)}
	heap.Init((*queueHeap)(q))
	return q
}

// push inserts an item unless one for the workflow is already pending.
// Reports whether the item was inserted.
func (q *readyQueue) push(item *QueueItem) bool {
	if q.pending[item.WorkflowID] {
		return false
	}
	item.seq = q.nextSeq
	q.nextSeq++
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.pending[item.WorkflowID] = true
	heap.Push((*queueHeap)(q), item)
	return true
}

// pop removes the highest-priority item, nil when empty.
func (q *readyQueue) pop() *QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop((*queueHeap)(q)).(*QueueItem)
	delete(q.pending, item.WorkflowID)
	return item
}

func (q *readyQueue) len() int { return len(q.items) }

// queueHeap adapts readyQueue to container/heap.
type queueHeap readyQueue

func (h *queueHeap) Len() int { return len(h.items) }

func (h *queueHeap) Less(i, j int) bool {
	if h.items[i].Priority != h.items[j].Priority {
		return h.items[i].Priority > h.items[j].Priority
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *queueHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *queueHeap) Push(x any) {
	h.items = append(h.items, x.(*QueueItem))
}

func (h *queueHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}
