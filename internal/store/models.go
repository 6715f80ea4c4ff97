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

package store

import (
	"time"

	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
)

// ItemRow is the gorm-mapped row for the "items" relation. Exported
// so internal/queue, the only other writer of these relations, can build
// typed queries directly against gorm rather than the Store re-exposing a
// bespoke query API for every shape the Queue ever needs.
type ItemRow struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Receiver          string    `gorm:"column:receiver"`
	Amount            string    `gorm:"column:amount"`
	Memo              string    `gorm:"column:memo"`
	HasStorageDeposit bool      `gorm:"column:has_storage_deposit"`
	RetryCount        int       `gorm:"column:retry_count"`
	ErrorMessage      *string   `gorm:"column:error_message"`
	BatchID           *int64    `gorm:"column:batch_id"`
	IsStalled         bool      `gorm:"column:is_stalled"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ItemRow) TableName() string { return "items" }

// ToDomain converts the persisted row into the domain Item used by Queue and
// Executor.
func (r *ItemRow) ToDomain() *ftcore.Item {
	item := &ftcore.Item{
		ID:                r.ID,
		Receiver:          r.Receiver,
		Amount:            r.Amount,
		Memo:              r.Memo,
		HasStorageDeposit: r.HasStorageDeposit,
		RetryCount:        r.RetryCount,
		BatchID:           r.BatchID,
		IsStalled:         r.IsStalled,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ErrorMessage != nil {
		item.ErrorMessage = *r.ErrorMessage
	}
	return item
}

// BatchRow is the gorm-mapped row for the "batches" relation.
type BatchRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TxHash    string    `gorm:"column:tx_hash"`
	SignedTx  []byte    `gorm:"column:signed_tx"`
	Status    string    `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (BatchRow) TableName() string { return "batches" }

// ToDomain converts the persisted row into the domain Batch.
func (r *BatchRow) ToDomain() *ftcore.Batch {
	return &ftcore.Batch{
		ID:        r.ID,
		TxHash:    r.TxHash,
		SignedTx:  r.SignedTx,
		Status:    ftcore.BatchStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
