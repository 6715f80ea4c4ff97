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
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saka-labs/near-ft-transfers/internal/confutil"
	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
	"github.com/saka-labs/near-ft-transfers/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	st, err := store.Open(context.Background(), relayconf.StoreConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestQueue(t *testing.T, coalesce bool) (*Queue, *store.Store) {
	st := newTestStore(t)
	q := New(st, relayconf.QueueConfig{Coalesce: confutil.P(coalesce)})
	return q, st
}

func enqueue(t *testing.T, q *Queue, receiver, amount string) int64 {
	id, err := q.Enqueue(context.Background(), EnqueueRequest{Receiver: receiver, Amount: amount})
	require.NoError(t, err)
	return id
}

func TestEnqueueCoalescesSameReceiver(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)

	id1 := enqueue(t, q, "alice.near", "100")
	id2 := enqueue(t, q, "alice.near", "200")
	id3 := enqueue(t, q, "alice.near", "300")
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "600", items[0].Amount)
	assert.Equal(t, "alice.near", items[0].Receiver)
}

func TestEnqueueCoalescingSkipsStalledAndAttached(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)

	id1 := enqueue(t, q, "bob.near", "10")
	require.NoError(t, q.MarkItemStalled(ctx, id1, "boom"))

	// stalled item is not a coalescing target
	id2 := enqueue(t, q, "bob.near", "20")
	assert.NotEqual(t, id1, id2)

	_, err := q.AttachBatch(ctx, "h", []byte("blob"), []int64{id2})
	require.NoError(t, err)

	// neither is an item already claimed by a batch
	id3 := enqueue(t, q, "bob.near", "30")
	assert.NotEqual(t, id2, id3)
}

func TestEnqueueWithoutCoalescing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	enqueue(t, q, "carol.near", "1")
	enqueue(t, q, "carol.near", "2")

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)

	_, err := q.Enqueue(ctx, EnqueueRequest{Receiver: "x.near", Amount: "abc"})
	require.Regexp(t, "FT10001", err)
	_, err = q.Enqueue(ctx, EnqueueRequest{Receiver: "x.near", Amount: "-5"})
	require.Regexp(t, "FT10001", err)
	_, err = q.Enqueue(ctx, EnqueueRequest{Receiver: "x.near", Amount: "1.5"})
	require.Regexp(t, "FT10001", err)
	_, err = q.Enqueue(ctx, EnqueueRequest{Receiver: "", Amount: "1"})
	require.Regexp(t, "FT10002", err)

	// zero is a caller policy problem, accepted and coalesced as usual
	_, err = q.Enqueue(ctx, EnqueueRequest{Receiver: "x.near", Amount: "0"})
	require.NoError(t, err)
}

func TestEnqueueVeryLargeAmounts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)

	big1 := strings.Repeat("9", 200)
	enqueue(t, q, "dave.near", big1)
	enqueue(t, q, "dave.near", "1")

	items, err := q.Peek(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1"+strings.Repeat("0", 200), items[0].Amount)
}

func TestPeekBounds(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	for i := 0; i < 5; i++ {
		enqueue(t, q, fmt.Sprintf("r%d.near", i), "1")
	}

	items, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = q.Peek(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = q.Peek(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, items, 5)

	// FIFO by item id
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i].ID, items[i-1].ID)
	}
}

func TestAttachBatchClaimsItems(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")
	id3 := enqueue(t, q, "c.near", "3")

	batchID, err := q.AttachBatch(ctx, "contenthash", []byte("signed"), []int64{id1, id2})
	require.NoError(t, err)

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id3, items[0].ID)

	var batch store.BatchRow
	require.NoError(t, st.DB().First(&batch, batchID).Error)
	assert.Equal(t, string(ftcore.BatchStatusProcessing), batch.Status)
	assert.Equal(t, []byte("signed"), batch.SignedTx)
	assert.Equal(t, "contenthash", batch.TxHash)

	_, err = q.AttachBatch(ctx, "h", []byte("b"), nil)
	require.Regexp(t, "FT10013", err)
}

func TestAttachThenRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")

	batchID, err := q.AttachBatch(ctx, "h", []byte("blob"), []int64{id1, id2})
	require.NoError(t, err)

	maxRetries := 5
	require.NoError(t, q.RecoverFailedBatch(ctx, batchID, "node unreachable", &maxRetries))

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Nil(t, it.BatchID)
		assert.Equal(t, 1, it.RetryCount)
		assert.Equal(t, "node unreachable", it.ErrorMessage)
		assert.False(t, it.IsStalled)
	}

	var count int64
	require.NoError(t, st.DB().Model(&store.BatchRow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecoverFailedBatchAutoStall(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	id := enqueue(t, q, "a.near", "1")
	maxRetries := 1

	for i := 0; i < 2; i++ {
		batchID, err := q.AttachBatch(ctx, "h", []byte("blob"), []int64{id})
		require.NoError(t, err)
		require.NoError(t, q.RecoverFailedBatch(ctx, batchID, "kaput", &maxRetries))
	}

	item, err := q.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.RetryCount)
	assert.True(t, item.IsStalled)

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecoverFailedBatchWithoutPenalty(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")

	batchID, err := q.AttachBatch(ctx, "h", []byte("blob"), []int64{id1, id2})
	require.NoError(t, err)

	// the offender was isolated separately; siblings recycle cleanly
	require.NoError(t, q.MarkItemStalled(ctx, id1, "receiver rejected"))
	require.NoError(t, q.RecoverFailedBatch(ctx, batchID, "", nil))

	offender, err := q.GetItem(ctx, id1)
	require.NoError(t, err)
	assert.True(t, offender.IsStalled)
	assert.Equal(t, 0, offender.RetryCount)
	assert.Equal(t, "receiver rejected", offender.ErrorMessage)

	sibling, err := q.GetItem(ctx, id2)
	require.NoError(t, err)
	assert.False(t, sibling.IsStalled)
	assert.Equal(t, 0, sibling.RetryCount)
	assert.Empty(t, sibling.ErrorMessage)
	assert.True(t, sibling.Pending())
}

func TestMarkBatchSuccess(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, false)

	registered := false
	id, err := q.Enqueue(ctx, EnqueueRequest{Receiver: "a.near", Amount: "1", HasStorageDeposit: &registered})
	require.NoError(t, err)

	batchID, err := q.AttachBatch(ctx, "contenthash", []byte("blob"), []int64{id})
	require.NoError(t, err)
	require.NoError(t, q.MarkBatchSuccess(ctx, batchID, "chainhash"))

	var batch store.BatchRow
	require.NoError(t, st.DB().First(&batch, batchID).Error)
	assert.Equal(t, string(ftcore.BatchStatusSuccess), batch.Status)
	assert.Equal(t, "chainhash", batch.TxHash)
	assert.Nil(t, batch.SignedTx)

	item, err := q.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.HasStorageDeposit)
	require.NotNil(t, item.BatchID)
	assert.Equal(t, batchID, *item.BatchID)
}

func TestRecycleItems(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")

	maxRetries := 1
	require.NoError(t, q.RecycleItems(ctx, []int64{id1, id2}, "signer unavailable", &maxRetries))
	require.NoError(t, q.RecycleItems(ctx, []int64{id1}, "signer unavailable", &maxRetries))

	it1, err := q.GetItem(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 2, it1.RetryCount)
	assert.True(t, it1.IsStalled)
	assert.Equal(t, "signer unavailable", it1.ErrorMessage)

	it2, err := q.GetItem(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, 1, it2.RetryCount)
	assert.False(t, it2.IsStalled)

	require.NoError(t, q.RecycleItems(ctx, nil, "noop", nil))
}

func TestUnstall(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")
	require.NoError(t, q.MarkItemStalled(ctx, id1, "x"))
	require.NoError(t, q.MarkItemStalled(ctx, id2, "y"))

	changed, err := q.Unstall(ctx, id1)
	require.NoError(t, err)
	assert.True(t, changed)

	// second unstall of the same item reports no change
	changed, err = q.Unstall(ctx, id1)
	require.NoError(t, err)
	assert.False(t, changed)

	n, err := q.UnstallAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMarkItemStalledUnknownItem(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)
	err := q.MarkItemStalled(ctx, 12345, "x")
	require.Regexp(t, "FT10003", err)
}

func TestReplayInFlightAndRecover(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, false)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")
	id3 := enqueue(t, q, "c.near", "3")

	b1, err := q.AttachBatch(ctx, "h1", []byte("blob1"), []int64{id1, id2})
	require.NoError(t, err)
	b2, err := q.AttachBatch(ctx, "h2", []byte("blob2"), []int64{id3})
	require.NoError(t, err)
	require.NoError(t, q.MarkBatchSuccess(ctx, b2, "chainhash2"))

	inFlight, err := q.ReplayInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, b1, inFlight[0].BatchID)
	assert.Equal(t, "h1", inFlight[0].TxHash)
	assert.Equal(t, []byte("blob1"), inFlight[0].SignedTx)
	assert.Equal(t, []int64{id1, id2}, inFlight[0].ItemIDs)

	require.NoError(t, q.Recover(ctx))

	// the processing batch is purged and its items are pending again
	items, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	var batches []store.BatchRow
	require.NoError(t, st.DB().Find(&batches).Error)
	require.Len(t, batches, 1)
	assert.Equal(t, b2, batches[0].ID)

	// the succeeded item keeps its association
	it3, err := q.GetItem(ctx, id3)
	require.NoError(t, err)
	require.NotNil(t, it3.BatchID)
	assert.Equal(t, b2, *it3.BatchID)
}

func TestStatsAndHasWork(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	hasWork, err := q.HasWork(ctx)
	require.NoError(t, err)
	assert.False(t, hasWork)

	id1 := enqueue(t, q, "a.near", "1")
	id2 := enqueue(t, q, "b.near", "2")
	id3 := enqueue(t, q, "c.near", "3")
	id4 := enqueue(t, q, "d.near", "4")
	require.NoError(t, q.MarkItemStalled(ctx, id4, "x"))

	b1, err := q.AttachBatch(ctx, "h1", []byte("b1"), []int64{id1})
	require.NoError(t, err)
	b2, err := q.AttachBatch(ctx, "h2", []byte("b2"), []int64{id2})
	require.NoError(t, err)
	require.NoError(t, q.MarkBatchSuccess(ctx, b2, "ch"))

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, int64(1), s.Pending)    // id3
	assert.Equal(t, int64(1), s.Processing) // id1
	assert.Equal(t, int64(1), s.Success)    // id2
	assert.Equal(t, int64(1), s.Stalled)    // id4

	hasWork, err = q.HasWork(ctx)
	require.NoError(t, err)
	assert.True(t, hasWork)

	require.NoError(t, q.MarkBatchSuccess(ctx, b1, "ch1"))
	_, err = q.AttachBatch(ctx, "h3", []byte("b3"), []int64{id3})
	require.NoError(t, err)
	hasWork, err = q.HasWork(ctx)
	require.NoError(t, err)
	assert.True(t, hasWork) // id3 still processing

	s, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Pending)
}

func TestListItemsFilters(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, false)

	enqueue(t, q, "a.near", "1")
	idB := enqueue(t, q, "b.near", "2")
	enqueue(t, q, "a.near", "3")
	require.NoError(t, q.MarkItemStalled(ctx, idB, "x"))

	receiver := "a.near"
	items, err := q.ListItems(ctx, ftcore.ListFilter{Receiver: &receiver})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	stalled := true
	items, err = q.ListItems(ctx, ftcore.ListFilter{IsStalled: &stalled})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, idB, items[0].ID)

	items, err = q.ListItems(ctx, ftcore.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	item, err := q.GetItem(ctx, 99999)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEventsEmitted(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)

	var events []Event
	unsub := q.Subscribe(func(ctx context.Context, ev Event) {
		events = append(events, ev)
	})

	// a panicking subscriber must not disturb the flow
	q.Subscribe(func(ctx context.Context, ev Event) {
		panic("bad handler")
	})

	id := enqueue(t, q, "a.near", "1")
	_, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	batchID, err := q.AttachBatch(ctx, "h", []byte("b"), []int64{id})
	require.NoError(t, err)
	require.NoError(t, q.MarkBatchSuccess(ctx, batchID, "ch"))

	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{EventPushed, EventPeeked, EventSuccess}, types)
	assert.Equal(t, "ch", events[2].TxHash)

	unsub()
	enqueue(t, q, "b.near", "1")
	assert.Len(t, events, 3)
}
