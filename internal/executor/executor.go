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

// Package executor owns the periodic scheduling loop: it is the only writer
// that decides when a Batch is formed, how large it is, whether it succeeded,
// and how to react to failure. One tick is in flight at a time, and one batch
// is outstanding at a time, which keeps nonce management trivial.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/hyperledger/firefly-common/pkg/log"

	"github.com/saka-labs/near-ft-transfers/internal/broadcaster"
	"github.com/saka-labs/near-ft-transfers/internal/confutil"
	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
	"github.com/saka-labs/near-ft-transfers/internal/msgs"
	"github.com/saka-labs/near-ft-transfers/internal/queue"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
	"github.com/saka-labs/near-ft-transfers/internal/signer"
)

// Executor drives the submission pipeline: peek pending items under the
// action budget, sign, durably attach, broadcast, dispatch the outcome.
type Executor struct {
	queue       *queue.Queue
	signer      signer.Signer
	broadcaster broadcaster.Broadcaster

	batchSize                int
	interval                 time.Duration
	minQueueToProcess        int
	maxRetries               int
	maxActionsPerTransaction int

	ftContract             string
	storageDepositAttached string
	storageDepositGas      string
	transferGas            string

	runMutex sync.Mutex
	running  bool
	loopDone chan struct{}

	// both buffered 1: a second signal while one is already queued is a no-op
	stopProcess chan bool
	tickNow     chan bool

	idleMutex   sync.Mutex
	idleWaiters []chan struct{}
}

// New resolves cfg against the documented defaults and builds an Executor
// over the queue and the two external capabilities.
func New(q *queue.Queue, s signer.Signer, b broadcaster.Broadcaster, cfg *relayconf.ExecutorConfig) *Executor {
	d := relayconf.ExecutorConfigDefaults
	return &Executor{
		queue:                    q,
		signer:                   s,
		broadcaster:              b,
		batchSize:                confutil.IntMinMax(cfg.BatchSize, 1, 100, *d.BatchSize),
		interval:                 confutil.DurationMin(cfg.Interval, 1*time.Millisecond, *d.Interval),
		minQueueToProcess:        confutil.Int(cfg.MinQueueToProcess, *d.MinQueueToProcess),
		maxRetries:               confutil.Int(cfg.MaxRetries, *d.MaxRetries),
		maxActionsPerTransaction: confutil.Int(cfg.MaxActionsPerTransaction, *d.MaxActionsPerTransaction),
		ftContract:               cfg.FTContract,
		storageDepositAttached:   confutil.String(cfg.StorageDepositAttached, *d.StorageDepositAttached),
		storageDepositGas:        confutil.String(cfg.StorageDepositGas, *d.StorageDepositGas),
		transferGas:              confutil.String(cfg.TransferGas, *d.TransferGas),
		stopProcess:              make(chan bool, 1),
		tickNow:                  make(chan bool, 1),
	}
}

// Start performs crash recovery, then launches the tick loop. Recovery errors
// are logged, not fatal: the loop's own retries pick up whatever the sweep
// could not resolve. The returned channel closes when the loop exits.
func (ex *Executor) Start(ctx context.Context) (done <-chan struct{}, err error) {
	ex.runMutex.Lock()
	defer ex.runMutex.Unlock()
	if ex.running {
		return ex.loopDone, nil
	}

	if err := ex.recoverInFlight(ctx); err != nil {
		log.L(ctx).Errorf("In-flight batch recovery incomplete: %s", err)
	}
	if err := ex.queue.Recover(ctx); err != nil {
		log.L(ctx).Errorf("Stale association recovery incomplete: %s", err)
	}

	ex.running = true
	ex.loopDone = make(chan struct{})
	go ex.tickLoop(ctx)
	return ex.loopDone, nil
}

// Stop requests a cooperative shutdown. A tick in progress runs to
// completion; no new tick starts.
func (ex *Executor) Stop() {
	select {
	case ex.stopProcess <- true:
	default:
	}
}

// TriggerTick asks the loop to run a tick now rather than waiting out the
// remainder of the interval.
func (ex *Executor) TriggerTick() {
	select {
	case ex.tickNow <- true:
	default:
	}
}

// WaitUntilIdle blocks until the queue reports no pending or in-flight work,
// or ctx is done. Multiple waiters may register; all are released on the
// first idle observation.
func (ex *Executor) WaitUntilIdle(ctx context.Context) error {
	for {
		ch := make(chan struct{})
		ex.idleMutex.Lock()
		ex.idleWaiters = append(ex.idleWaiters, ch)
		ex.idleMutex.Unlock()

		hasWork, err := ex.queue.HasWork(ctx)
		if err != nil {
			return err
		}
		if !hasWork {
			return nil
		}
		ex.TriggerTick()

		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ex *Executor) wakeIdleWaiters() {
	ex.idleMutex.Lock()
	waiters := ex.idleWaiters
	ex.idleWaiters = nil
	ex.idleMutex.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (ex *Executor) tickLoop(ctx context.Context) {
	ctx = log.WithLogField(ctx, "role", "executor-loop")
	log.L(ctx).Infof("Executor loop started (interval=%s batchSize=%d maxActions=%d)", ex.interval, ex.batchSize, ex.maxActionsPerTransaction)
	defer close(ex.loopDone)

	for {
		t0 := time.Now()
		ex.tick(ctx)

		sleep := ex.interval - time.Since(t0)
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ex.stopProcess:
			timer.Stop()
			ex.runMutex.Lock()
			ex.running = false
			ex.runMutex.Unlock()
			log.L(ctx).Infof("Executor loop stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			ex.runMutex.Lock()
			ex.running = false
			ex.runMutex.Unlock()
			log.L(ctx).Infof("Executor loop exit due to canceled context")
			return
		case <-ex.tickNow:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick is a single iteration of the loop. All steps run sequentially; the
// only suspension points are the Signer and Broadcaster calls.
func (ex *Executor) tick(ctx context.Context) {
	ctx = log.WithLogField(ctx, "tick", uuid.New().String())

	defer func() {
		hasWork, err := ex.queue.HasWork(ctx)
		ex.queue.Emit(ctx, queue.Event{Type: queue.EventLoopCompleted, HasWork: err == nil && hasWork})
		if err == nil && !hasWork {
			ex.wakeIdleWaiters()
		}
	}()

	candidates, err := ex.queue.Peek(ctx, ex.batchSize)
	if err != nil {
		log.L(ctx).Errorf("Peek failed, will retry next tick: %s", err)
		return
	}
	if len(candidates) < ex.minQueueToProcess {
		return
	}

	// Budget fit: accept items in id order while the cumulative action cost
	// stays within the per-transaction budget. The remainder stays pending.
	chosen := make([]*ftcore.Item, 0, len(candidates))
	cost := 0
	for _, it := range candidates {
		c := signer.ActionCost(it)
		if cost+c > ex.maxActionsPerTransaction {
			break
		}
		cost += c
		chosen = append(chosen, it)
	}
	if len(chosen) == 0 {
		log.L(ctx).Warnf("%s", i18n.NewError(ctx, msgs.MsgNoItemFitsBudget, ex.maxActionsPerTransaction))
		return
	}

	itemIDs := make([]int64, len(chosen))
	for i, it := range chosen {
		itemIDs[i] = it.ID
	}

	actions := signer.BuildActions(chosen, ex.storageDepositAttached, ex.storageDepositGas, ex.transferGas)
	signed, err := ex.signer.Sign(ctx, ex.ftContract, actions)
	if err != nil {
		// No batch exists yet, so the signer failure is charged straight to
		// the chosen items: recycle with the retry-limit check.
		errMsg := i18n.NewError(ctx, msgs.MsgSignerFailure, err).Error()
		log.L(ctx).Errorf("%s", errMsg)
		if rErr := ex.queue.RecycleItems(ctx, itemIDs, errMsg, &ex.maxRetries); rErr != nil {
			log.L(ctx).Errorf("Failed to recycle items after signer failure: %s", rErr)
		}
		ex.queue.Emit(ctx, queue.Event{Type: queue.EventBatchFailed, ItemCount: len(chosen)})
		return
	}

	// Durability barrier: the signed artifact is committed before any
	// broadcast is attempted.
	batchID, err := ex.queue.AttachBatch(ctx, signed.ContentHash, signed.SignedBlob, itemIDs)
	if err != nil {
		log.L(ctx).Errorf("AttachBatch failed, will retry next tick: %s", err)
		return
	}

	log.L(ctx).Debugf("Broadcasting batch %d (%d items, %d actions, hash=%s)", batchID, len(chosen), cost, signed.ContentHash)
	outcome := ex.send(ctx, signed.SignedBlob)
	ex.dispatchOutcome(ctx, batchID, chosen, outcome)
}

func (ex *Executor) send(ctx context.Context, signedBlob []byte) *broadcaster.Outcome {
	outcome, err := ex.broadcaster.Send(ctx, signedBlob)
	if err != nil {
		return &broadcaster.Outcome{Kind: broadcaster.OutcomeTransport, Reason: err.Error(), Err: err}
	}
	return outcome
}

// dispatchOutcome applies the failure-dispatch table to one broadcast
// outcome. Shared between the tick path and crash recovery.
func (ex *Executor) dispatchOutcome(ctx context.Context, batchID int64, items []*ftcore.Item, outcome *broadcaster.Outcome) {
	switch outcome.Kind {

	case broadcaster.OutcomeSuccess:
		if err := ex.queue.MarkBatchSuccess(ctx, batchID, outcome.TxHash); err != nil {
			log.L(ctx).Errorf("MarkBatchSuccess(%d) failed: %s", batchID, err)
			return
		}
		log.L(ctx).Infof("Batch %d confirmed on-chain (%d items, tx=%s)", batchID, len(items), outcome.TxHash)
		ex.queue.Emit(ctx, queue.Event{Type: queue.EventBatchProcessed, BatchID: batchID, ItemCount: len(items), Successful: true})

	case broadcaster.OutcomeActionError:
		if outcome.ActionIndex != nil {
			if offender := itemForActionIndex(items, *outcome.ActionIndex); offender != nil {
				// The chain identified the specific failing action: stall its
				// owner and dissolve the batch around it so the siblings
				// retry cleanly, with no retry penalty.
				errMsg := i18n.NewError(ctx, msgs.MsgActionError, *outcome.ActionIndex, outcome.Reason).Error()
				if err := ex.queue.MarkItemStalled(ctx, offender.ID, errMsg); err != nil {
					log.L(ctx).Errorf("MarkItemStalled(%d) failed: %s", offender.ID, err)
					return
				}
				if err := ex.queue.RecoverFailedBatch(ctx, batchID, "", nil); err != nil {
					log.L(ctx).Errorf("RecoverFailedBatch(%d) failed: %s", batchID, err)
					return
				}
				ex.queue.Emit(ctx, queue.Event{Type: queue.EventBatchFailed, BatchID: batchID, ItemCount: len(items)})
				return
			}
			log.L(ctx).Warnf("Action index %d out of range for batch %d, treating as whole-batch failure", *outcome.ActionIndex, batchID)
		}
		ex.recycleBatch(ctx, batchID, len(items), i18n.NewError(ctx, msgs.MsgActionErrorNoIndex, outcome.Reason).Error())

	case broadcaster.OutcomeInvalidTx:
		ex.recycleBatch(ctx, batchID, len(items), i18n.NewError(ctx, msgs.MsgInvalidTx, outcome.Reason).Error())

	case broadcaster.OutcomeTransport:
		reason := outcome.Reason
		if reason == "" && outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		ex.recycleBatch(ctx, batchID, len(items), i18n.NewError(ctx, msgs.MsgBroadcastTransport, reason).Error())

	default:
		ex.recycleBatch(ctx, batchID, len(items), i18n.NewError(ctx, msgs.MsgOutcomeUnrecognized, outcome.Kind).Error())
	}
}

// recycleBatch handles every whole-batch failure shape: dissolve the batch,
// return the items to pending with the retry-limit check applied.
func (ex *Executor) recycleBatch(ctx context.Context, batchID int64, itemCount int, errMsg string) {
	log.L(ctx).Warnf("Batch %d failed, recycling %d item(s): %s", batchID, itemCount, errMsg)
	if err := ex.queue.RecoverFailedBatch(ctx, batchID, errMsg, &ex.maxRetries); err != nil {
		log.L(ctx).Errorf("RecoverFailedBatch(%d) failed: %s", batchID, err)
		return
	}
	ex.queue.Emit(ctx, queue.Event{Type: queue.EventBatchFailed, BatchID: batchID, ItemCount: itemCount})
}

// itemForActionIndex translates a flat action index reported by the chain
// back to the item that produced that action: an item without a storage
// deposit contributes two actions (registration then transfer), one with a
// deposit contributes a single transfer. Returns nil if the index is out of
// range.
func itemForActionIndex(items []*ftcore.Item, actionIdx int) *ftcore.Item {
	if actionIdx < 0 {
		return nil
	}
	next := 0
	for _, it := range items {
		next += signer.ActionCost(it)
		if actionIdx < next {
			return it
		}
	}
	return nil
}

// recoverInFlight resubmits every batch that was durably recorded but whose
// outcome is unknown. Submission is idempotent
// on the signed content: a batch the chain already accepted before the crash
// reports its prior outcome on redelivery.
func (ex *Executor) recoverInFlight(ctx context.Context) error {
	ctx = log.WithLogField(ctx, "role", "executor-recovery")
	inFlight, err := ex.queue.ReplayInFlight(ctx)
	if err != nil {
		return err
	}
	if len(inFlight) == 0 {
		return nil
	}
	log.L(ctx).Infof("Resubmitting %d in-flight batch(es) recorded before last shutdown", len(inFlight))

	var firstErr error
	for _, b := range inFlight {
		items := make([]*ftcore.Item, 0, len(b.ItemIDs))
		for _, id := range b.ItemIDs {
			item, gErr := ex.queue.GetItem(ctx, id)
			if gErr != nil {
				if firstErr == nil {
					firstErr = gErr
				}
				continue
			}
			if item != nil {
				items = append(items, item)
			}
		}
		outcome := ex.send(ctx, b.SignedTx)
		ex.dispatchOutcome(ctx, b.BatchID, items, outcome)
	}
	if firstErr != nil {
		return fmt.Errorf("in-flight recovery saw errors: %w", firstErr)
	}
	return nil
}
