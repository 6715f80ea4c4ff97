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

// Package queue implements the invariant-preserving operations over the Store:
// enqueue with coalescing, peek, atomic batch attach/resolve, stalling, and
// crash-recovery sweeps. No other component writes to the Items/Batches
// relations.
package queue

import (
	"context"
	"errors"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/hyperledger/firefly-common/pkg/log"
	"gorm.io/gorm"

	"github.com/saka-labs/near-ft-transfers/internal/confutil"
	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
	"github.com/saka-labs/near-ft-transfers/internal/msgs"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
	"github.com/saka-labs/near-ft-transfers/internal/store"
)

// Queue is the set of Store-backed operations plus the lifecycle event bus.
// Every operation that touches more than one row or more than one relation
// runs inside a single Store transaction.
type Queue struct {
	store *store.Store
	bus   bus

	coalesce                 bool
	defaultHasStorageDeposit bool
}

// New builds a Queue over st, resolving cfg's optional fields against the
// configured defaults.
func New(st *store.Store, cfg relayconf.QueueConfig) *Queue {
	return &Queue{
		store:                    st,
		coalesce:                 confutil.Bool(cfg.Coalesce, *relayconf.QueueConfigDefaults.Coalesce),
		defaultHasStorageDeposit: confutil.Bool(cfg.DefaultHasStorageDeposit, *relayconf.QueueConfigDefaults.DefaultHasStorageDeposit),
	}
}

// Subscribe registers fn for every lifecycle event the Queue emits. Returns
// an unsubscribe function.
func (q *Queue) Subscribe(fn Handler) func() {
	return q.bus.Subscribe(fn)
}

// Emit publishes ev on the same bus Queue operations use. The Executor calls
// this for the tick-level events (batchProcessed, batchFailed,
// loopCompleted) that are its own concern rather than a single Item's, so
// subscribers only ever need one Subscribe call to observe the whole
// lifecycle.
func (q *Queue) Emit(ctx context.Context, ev Event) {
	q.bus.emit(ctx, ev)
}

// EnqueueRequest is the input to Enqueue. HasStorageDeposit, when nil, takes
// the Queue's configured default.
type EnqueueRequest struct {
	Receiver          string
	Amount            string
	Memo              string
	HasStorageDeposit *bool
}

// Enqueue persists one transfer request, coalescing it into the existing
// PENDING item for the same receiver when coalescing is enabled. Fails with
// ReceiverRequired if Receiver is empty and with InvalidAmount if Amount is
// not a non-negative integer string; otherwise infallible apart from Store
// errors.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if req.Receiver == "" {
		return 0, i18n.NewError(ctx, msgs.MsgReceiverRequired)
	}
	if _, err := ftcore.ParseAmount(ctx, req.Amount); err != nil {
		return 0, err
	}

	var resultID int64
	var resultItem *ftcore.Item

	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		if q.coalesce {
			var existing store.ItemRow
			err := tx.DB().
				Where("receiver = ? AND batch_id IS NULL AND is_stalled = ?", req.Receiver, false).
				Order("id ASC").
				Limit(1).
				Take(&existing).Error
			if err == nil {
				summed, sumErr := ftcore.AddAmounts(ctx, existing.Amount, req.Amount)
				if sumErr != nil {
					return sumErr
				}
				existing.Amount = summed
				existing.Memo = req.Memo
				existing.HasStorageDeposit = q.resolveHasStorageDeposit(req.HasStorageDeposit)
				if err := tx.DB().Model(&store.ItemRow{}).Where("id = ?", existing.ID).
					Updates(map[string]interface{}{
						"amount":              existing.Amount,
						"memo":                existing.Memo,
						"has_storage_deposit": existing.HasStorageDeposit,
					}).Error; err != nil {
					return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
				}
				resultID = existing.ID
				resultItem = existing.ToDomain()
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
			}
			// fall through: no existing pending item, insert a new one
		}

		row := store.ItemRow{
			Receiver:          req.Receiver,
			Amount:            req.Amount,
			Memo:              req.Memo,
			HasStorageDeposit: q.resolveHasStorageDeposit(req.HasStorageDeposit),
			RetryCount:        0,
			BatchID:           nil,
			IsStalled:         false,
		}
		if err := tx.DB().Create(&row).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		resultID = row.ID
		resultItem = row.ToDomain()
		return nil
	})
	if err != nil {
		return 0, err
	}

	q.bus.emit(ctx, Event{Type: EventPushed, Item: resultItem})
	return resultID, nil
}

// RecycleItems applies whole-batch failure accounting to items that never
// made it into a batch - the Signer refused before AttachBatch could run, so
// there is no batch row to dissolve. Attributes errorMessage to each item
// and, when maxRetries is supplied, increments retry_count and stalls any
// item whose new count exceeds the threshold, exactly as RecoverFailedBatch
// does for the items of a dissolved batch.
func (q *Queue) RecycleItems(ctx context.Context, itemIDs []int64, errorMessage string, maxRetries *int) error {
	if len(itemIDs) == 0 {
		return nil
	}
	var affected []*ftcore.Item
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		var rows []store.ItemRow
		if err := tx.DB().Where("id IN ?", itemIDs).Find(&rows).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		var rErr error
		affected, rErr = q.releaseItems(ctx, tx, rows, errorMessage, maxRetries)
		return rErr
	})
	if err != nil {
		return err
	}
	q.emitFailed(ctx, affected, errorMessage)
	return nil
}

func (q *Queue) resolveHasStorageDeposit(v *bool) bool {
	if v == nil {
		return q.defaultHasStorageDeposit
	}
	return *v
}

// Peek returns up to limit pending items (batch_id IS NULL AND is_stalled =
// false) in ascending id order. Read-only: claiming happens via AttachBatch.
func (q *Queue) Peek(ctx context.Context, limit int) ([]*ftcore.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []store.ItemRow
	if err := q.store.DB().WithContext(ctx).
		Where("batch_id IS NULL AND is_stalled = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}

	items := make([]*ftcore.Item, len(rows))
	for i := range rows {
		items[i] = rows[i].ToDomain()
	}
	if len(items) > 0 {
		q.bus.emit(ctx, Event{Type: EventPeeked, Items: items})
	}
	return items, nil
}

// AttachBatch atomically creates a processing Batch holding the signed blob
// and associates every listed item with it. This is the durability barrier:
// callers must commit the signed artifact here before ever broadcasting it.
func (q *Queue) AttachBatch(ctx context.Context, txHash string, signedBlob []byte, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, i18n.NewError(ctx, msgs.MsgAttachBatchEmpty)
	}

	var batchID int64
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		batch := store.BatchRow{
			TxHash:   txHash,
			SignedTx: signedBlob,
			Status:   string(ftcore.BatchStatusProcessing),
		}
		if err := tx.DB().Create(&batch).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		if err := tx.DB().Model(&store.ItemRow{}).
			Where("id IN ?", itemIDs).
			Update("batch_id", batch.ID).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		batchID = batch.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return batchID, nil
}

// MarkBatchSuccess resolves a processing Batch as confirmed on-chain: it
// clears the signed blob, records the chain-reported hash, and marks every
// item it carried as storage-registered (the registration action, if any,
// has now persisted on-chain).
func (q *Queue) MarkBatchSuccess(ctx context.Context, batchID int64, actualTxHash string) error {
	var affected []*ftcore.Item
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		var rows []store.ItemRow
		if err := tx.DB().Where("batch_id = ?", batchID).Find(&rows).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}

		if err := tx.DB().Model(&store.BatchRow{}).Where("id = ?", batchID).
			Updates(map[string]interface{}{
				"status":    string(ftcore.BatchStatusSuccess),
				"tx_hash":   actualTxHash,
				"signed_tx": nil,
			}).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}

		if err := tx.DB().Model(&store.ItemRow{}).Where("batch_id = ?", batchID).
			Update("has_storage_deposit", true).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}

		for _, r := range rows {
			r.HasStorageDeposit = true
			affected = append(affected, r.ToDomain())
		}
		tx.AddPostCommit(func(ctx context.Context) {
			for _, item := range affected {
				q.bus.emit(ctx, Event{Type: EventSuccess, Item: item, TxHash: actualTxHash})
			}
		})
		return nil
	})
	return err
}

// RecoverFailedBatch deletes a failed Batch and returns every item it carried
// to PENDING, attributing errorMessage to each if given.
//
// maxRetries selects between two failure shapes. When a specific offending
// item has already been isolated via MarkItemStalled and the batch is simply
// being dissolved around it (maxRetries == nil), siblings are recycled with
// no retry penalty at all - no retry_count bump, no stall check. When
// maxRetries is supplied (a true whole-batch failure), every affected item's
// retry_count is incremented and checked against the threshold.
func (q *Queue) RecoverFailedBatch(ctx context.Context, batchID int64, errorMessage string, maxRetries *int) error {
	var affected []*ftcore.Item
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		var rows []store.ItemRow
		if err := tx.DB().Where("batch_id = ?", batchID).Find(&rows).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}

		var rErr error
		affected, rErr = q.releaseItems(ctx, tx, rows, errorMessage, maxRetries)
		if rErr != nil {
			return rErr
		}

		if err := tx.DB().Delete(&store.BatchRow{}, "id = ?", batchID).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.emitFailed(ctx, affected, errorMessage)
	return nil
}

// releaseItems returns rows to PENDING inside the caller's transaction:
// batch_id cleared, errorMessage attributed if given, retry accounting
// applied only when maxRetries is non-nil.
func (q *Queue) releaseItems(ctx context.Context, tx *store.DBTX, rows []store.ItemRow, errorMessage string, maxRetries *int) ([]*ftcore.Item, error) {
	affected := make([]*ftcore.Item, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		r.BatchID = nil
		if errorMessage != "" {
			msg := errorMessage
			r.ErrorMessage = &msg
		}
		if maxRetries != nil {
			r.RetryCount++
			if r.RetryCount > *maxRetries {
				r.IsStalled = true
			}
		}
		updates := map[string]interface{}{
			"batch_id":    nil,
			"retry_count": r.RetryCount,
			"is_stalled":  r.IsStalled,
		}
		if errorMessage != "" {
			updates["error_message"] = errorMessage
		}
		if err := tx.DB().Model(&store.ItemRow{}).Where("id = ?", r.ID).Updates(updates).Error; err != nil {
			return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		affected = append(affected, r.ToDomain())
	}
	return affected, nil
}

func (q *Queue) emitFailed(ctx context.Context, items []*ftcore.Item, errorMessage string) {
	msg := errorMessage
	if msg == "" {
		msg = "batch recycled"
	}
	for _, item := range items {
		q.bus.emit(ctx, Event{Type: EventFailed, Item: item, ErrorMessage: msg})
	}
}

// MarkItemStalled isolates a single item whose action the chain identified
// as the specific cause of a batch failure. Used alongside RecoverFailedBatch
// so the offender is removed from circulation while its siblings retry
// cleanly.
func (q *Queue) MarkItemStalled(ctx context.Context, itemID int64, errorMessage string) error {
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		res := tx.DB().Model(&store.ItemRow{}).Where("id = ?", itemID).
			Updates(map[string]interface{}{
				"is_stalled":    true,
				"error_message": errorMessage,
			})
		if res.Error != nil {
			return i18n.WrapError(ctx, res.Error, msgs.MsgStoreFailure, res.Error.Error())
		}
		if res.RowsAffected == 0 {
			return i18n.NewError(ctx, msgs.MsgItemNotFound, itemID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.L(ctx).Warnf("Item %d stalled: %s", itemID, errorMessage)
	return nil
}

// Unstall clears is_stalled (and defensively batch_id) on a single item.
// Returns false if the item was not stalled to begin with (a no-op).
func (q *Queue) Unstall(ctx context.Context, itemID int64) (bool, error) {
	n, err := q.UnstallMany(ctx, []int64{itemID})
	return n > 0, err
}

// UnstallMany clears is_stalled on the given items. Returns the count that
// actually changed state.
func (q *Queue) UnstallMany(ctx context.Context, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		res := tx.DB().Model(&store.ItemRow{}).
			Where("id IN ? AND is_stalled = ?", itemIDs, true).
			Updates(map[string]interface{}{
				"is_stalled": false,
				"batch_id":   nil,
			})
		if res.Error != nil {
			return i18n.WrapError(ctx, res.Error, msgs.MsgStoreFailure, res.Error.Error())
		}
		n = res.RowsAffected
		return nil
	})
	return int(n), err
}

// UnstallAll clears is_stalled on every currently stalled item. Returns the
// count that changed state.
func (q *Queue) UnstallAll(ctx context.Context) (int, error) {
	var n int64
	err := q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		res := tx.DB().Model(&store.ItemRow{}).
			Where("is_stalled = ?", true).
			Updates(map[string]interface{}{
				"is_stalled": false,
				"batch_id":   nil,
			})
		if res.Error != nil {
			return i18n.WrapError(ctx, res.Error, msgs.MsgStoreFailure, res.Error.Error())
		}
		n = res.RowsAffected
		return nil
	})
	return int(n), err
}

// ReplayInFlight returns every Batch still marked processing with a signed
// blob on hand, along with the item ids it carries. Used at startup before
// Recover to resubmit work that survived a crash mid-broadcast.
func (q *Queue) ReplayInFlight(ctx context.Context) ([]ftcore.InFlightBatch, error) {
	var batches []store.BatchRow
	if err := q.store.DB().WithContext(ctx).
		Where("status = ? AND signed_tx IS NOT NULL", string(ftcore.BatchStatusProcessing)).
		Order("id ASC").
		Find(&batches).Error; err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}

	out := make([]ftcore.InFlightBatch, 0, len(batches))
	for _, b := range batches {
		var itemRows []store.ItemRow
		if err := q.store.DB().WithContext(ctx).Where("batch_id = ?", b.ID).Order("id ASC").Find(&itemRows).Error; err != nil {
			return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		ids := make([]int64, len(itemRows))
		for i, r := range itemRows {
			ids[i] = r.ID
		}
		out = append(out, ftcore.InFlightBatch{
			BatchID:  b.ID,
			TxHash:   b.TxHash,
			SignedTx: b.SignedTx,
			ItemIDs:  ids,
		})
	}
	return out, nil
}

// Recover resets any item whose batch_id references a non-success batch and
// deletes all non-success batch rows. Run once at startup, after
// ReplayInFlight has had a chance to resolve whatever it could.
func (q *Queue) Recover(ctx context.Context) error {
	return q.store.Transaction(ctx, func(ctx context.Context, tx *store.DBTX) error {
		var staleBatchIDs []int64
		if err := tx.DB().Model(&store.BatchRow{}).
			Where("status != ?", string(ftcore.BatchStatusSuccess)).
			Pluck("id", &staleBatchIDs).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		if len(staleBatchIDs) == 0 {
			return nil
		}
		if err := tx.DB().Model(&store.ItemRow{}).
			Where("batch_id IN ?", staleBatchIDs).
			Update("batch_id", nil).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		if err := tx.DB().Delete(&store.BatchRow{}, "id IN ?", staleBatchIDs).Error; err != nil {
			return i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
		}
		log.L(ctx).Infof("Recovered %d stale batch(es)", len(staleBatchIDs))
		return nil
	})
}

// Stats returns point-in-time counts of items by state.
func (q *Queue) Stats(ctx context.Context) (ftcore.Stats, error) {
	db := q.store.DB().WithContext(ctx)
	var s ftcore.Stats

	if err := db.Model(&store.ItemRow{}).Count(&s.Total).Error; err != nil {
		return s, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	if err := db.Model(&store.ItemRow{}).Where("batch_id IS NULL AND is_stalled = ?", false).Count(&s.Pending).Error; err != nil {
		return s, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	if err := db.Model(&store.ItemRow{}).Where("is_stalled = ?", true).Count(&s.Stalled).Error; err != nil {
		return s, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	if err := db.Model(&store.ItemRow{}).
		Joins("JOIN batches ON batches.id = items.batch_id").
		Where("batches.status = ?", string(ftcore.BatchStatusProcessing)).
		Count(&s.Processing).Error; err != nil {
		return s, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	if err := db.Model(&store.ItemRow{}).
		Joins("JOIN batches ON batches.id = items.batch_id").
		Where("batches.status = ?", string(ftcore.BatchStatusSuccess)).
		Count(&s.Success).Error; err != nil {
		return s, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	return s, nil
}

// HasWork reports whether any item is still pending or in flight - i.e. not
// yet terminal (success) and not stalled. Used to drive WaitUntilIdle.
func (q *Queue) HasWork(ctx context.Context) (bool, error) {
	db := q.store.DB().WithContext(ctx)

	var pending int64
	if err := db.Model(&store.ItemRow{}).
		Where("batch_id IS NULL AND is_stalled = ?", false).
		Count(&pending).Error; err != nil {
		return false, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	if pending > 0 {
		return true, nil
	}

	var processing int64
	if err := db.Model(&store.ItemRow{}).
		Joins("JOIN batches ON batches.id = items.batch_id").
		Where("batches.status = ?", string(ftcore.BatchStatusProcessing)).
		Count(&processing).Error; err != nil {
		return false, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	return processing > 0, nil
}

// GetItem returns a single item by id, or nil if not found.
func (q *Queue) GetItem(ctx context.Context, itemID int64) (*ftcore.Item, error) {
	var row store.ItemRow
	err := q.store.DB().WithContext(ctx).First(&row, itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	return row.ToDomain(), nil
}

// ListItems returns items matching filter, most recent id first, capped at
// filter.Limit (0 means unbounded).
func (q *Queue) ListItems(ctx context.Context, filter ftcore.ListFilter) ([]*ftcore.Item, error) {
	db := q.store.DB().WithContext(ctx).Model(&store.ItemRow{})
	if filter.Receiver != nil {
		db = db.Where("receiver = ?", *filter.Receiver)
	}
	if filter.IsStalled != nil {
		db = db.Where("is_stalled = ?", *filter.IsStalled)
	}
	db = db.Order("id DESC")
	if filter.Limit > 0 {
		db = db.Limit(filter.Limit)
	}
	var rows []store.ItemRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, i18n.WrapError(ctx, err, msgs.MsgStoreFailure, err.Error())
	}
	items := make([]*ftcore.Item, len(rows))
	for i := range rows {
		items[i] = rows[i].ToDomain()
	}
	return items, nil
}
