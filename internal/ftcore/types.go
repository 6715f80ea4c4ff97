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

// Package ftcore holds the domain types shared between the Store, Queue and
// Executor: the Item and Batch relations described in the data model, and the
// arbitrary-precision amount arithmetic used to coalesce transfer requests.
package ftcore

import (
	"context"
	"math/big"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"

	"github.com/saka-labs/near-ft-transfers/internal/msgs"
)

// Item represents one requested transfer that has not yet reached a terminal
// economic effect, or has done so. batch_id == nil is the ground truth for
// "pending".
type Item struct {
	ID                int64
	Receiver          string
	Amount            string
	Memo              string
	HasStorageDeposit bool
	RetryCount        int
	ErrorMessage      string
	BatchID           *int64
	IsStalled         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Pending reports whether the item is visible to the scheduler: unattached to
// any batch and not stalled.
func (i *Item) Pending() bool {
	return i.BatchID == nil && !i.IsStalled
}

// BatchStatus is the lifecycle state of a Batch. Failed batches are deleted,
// not retained, so there is no "failed" status.
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusSuccess    BatchStatus = "success"
)

// Batch represents a single on-chain transaction bundling one or more Items.
type Batch struct {
	ID        int64
	TxHash    string
	SignedTx  []byte
	Status    BatchStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlightBatch is the shape ReplayInFlight returns at startup: everything the
// Executor needs to resubmit a batch that was durably recorded before a crash.
type InFlightBatch struct {
	BatchID  int64
	TxHash   string
	SignedTx []byte
	ItemIDs  []int64
}

// Stats is a point-in-time count of Items by state.
type Stats struct {
	Total      int64
	Pending    int64
	Processing int64
	Success    int64
	Stalled    int64
}

// ListFilter narrows ListItems to a receiver and/or stalled state.
type ListFilter struct {
	Receiver  *string
	IsStalled *bool
	Limit     int
}

// ParseAmount validates that s is a decimal string of a non-negative integer
// and returns it as an arbitrary-precision integer. Amounts are arbitrary
// precision because on-chain smallest-unit balances regularly exceed 64 bits.
func ParseAmount(ctx context.Context, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, i18n.NewError(ctx, msgs.MsgInvalidAmount, s)
	}
	return n, nil
}

// AddAmounts sums two validated decimal-integer amount strings with no loss
// of precision, regardless of how many digits either side has.
func AddAmounts(ctx context.Context, a, b string) (string, error) {
	an, err := ParseAmount(ctx, a)
	if err != nil {
		return "", err
	}
	bn, err := ParseAmount(ctx, b)
	if err != nil {
		return "", err
	}
	return new(big.Int).Add(an, bn).String(), nil
}
