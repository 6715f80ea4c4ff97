/*
 * Copyright © 2024 Kaleido, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package queue

import (
	"context"
	"sync"

	"github.com/hyperledger/firefly-common/pkg/log"

	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
)

// EventType names the lifecycle events the Queue emits: best effort, fired
// strictly after the Store transaction that produced them has
// committed, so a handler can never observe state a later rollback would undo.
type EventType string

const (
	EventPushed         EventType = "pushed"
	EventPeeked         EventType = "peeked"
	EventSuccess        EventType = "success"
	EventFailed         EventType = "failed"
	EventBatchProcessed EventType = "batchProcessed"
	EventBatchFailed    EventType = "batchFailed"
	EventLoopCompleted  EventType = "loopCompleted"
)

// Event is a single lifecycle notification. Fields not relevant to Type are
// left at their zero value.
type Event struct {
	Type EventType

	// EventPushed / EventSuccess / EventFailed
	Item *ftcore.Item

	// EventPeeked
	Items []*ftcore.Item

	// EventSuccess / EventFailed
	TxHash       string
	ErrorMessage string

	// EventBatchProcessed / EventBatchFailed
	BatchID    int64
	ItemCount  int
	Successful bool

	// EventLoopCompleted
	HasWork bool
}

// Handler receives Queue lifecycle events. Handlers must not block the
// caller for long and must never mutate the Item/Batch they are given.
type Handler func(ctx context.Context, ev Event)

// bus is a minimal best-effort pub/sub. Subscribers are optional; the Queue
// never requires one.
type bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Subscribe registers fn to receive every future event. Returns an unsubscribe
// function.
func (b *bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.handlers)
	b.handlers = append(b.handlers, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// emit fans ev out to every live subscriber. A panicking handler is recovered
// and logged so that one bad subscriber cannot corrupt the caller's flow -
// events are observability, not control flow.
func (b *bus) emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.L(ctx).Errorf("Queue event handler for %s panicked: %v", ev.Type, r)
				}
			}()
			h(ctx, ev)
		}()
	}
}
