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

package broadcaster

import (
	"context"
	"errors"
	"sync"
)

// InMemory is a Broadcaster test double that remembers every blob it has
// already accepted, so it can reproduce NEAR's content-deduplication
// guarantee on redelivery for the crash-recovery tests. Queue a sequence of
// outcomes with Enqueue. Send first replays the recorded success for any blob
// it has already accepted, without consuming a queued outcome; for any other
// blob it consumes the queued outcomes in order.
type InMemory struct {
	mu       sync.Mutex
	queued   []*Outcome
	accepted map[string]string // blob (as string) -> accepted tx hash
	sent     [][]byte
}

// NewInMemory returns a ready-to-use in-memory broadcaster with no queued
// outcomes; Send on an empty queue returns a transport error, the safe
// default for a misconfigured test.
func NewInMemory() *InMemory {
	return &InMemory{accepted: make(map[string]string)}
}

// Enqueue appends outcomes to be returned by successive Send calls, in order.
func (m *InMemory) Enqueue(outcomes ...*Outcome) *InMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, outcomes...)
	return m
}

// Sent returns every blob submitted so far, in submission order.
func (m *InMemory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *InMemory) Send(ctx context.Context, signedBlob []byte) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, signedBlob)
	key := string(signedBlob)

	if hash, ok := m.accepted[key]; ok {
		return &Outcome{Kind: OutcomeSuccess, TxHash: hash}, nil
	}

	if len(m.queued) == 0 {
		err := errors.New("no outcome queued")
		return &Outcome{Kind: OutcomeTransport, Reason: err.Error(), Err: err}, nil
	}
	out := m.queued[0]
	m.queued = m.queued[1:]
	if out.Kind == OutcomeSuccess {
		m.accepted[key] = out.TxHash
	}
	return out, nil
}
