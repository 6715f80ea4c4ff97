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

// Package relayconf is the configuration struct tree for the relay: plain
// structs with optional pointer fields that confutil resolves against a
// defaults instance.
package relayconf

import "github.com/saka-labs/near-ft-transfers/internal/confutil"

// StoreConfig selects and connects to the embedded relational store.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql". The embedded schema
	// migration is SQLite-dialect SQL, so "postgres" and "mysql" fail at the
	// migration step of store.Open.
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is a file
	// path, or ":memory:" for an ephemeral store.
	DSN string `json:"dsn" yaml:"dsn"`
}

// QueueConfig controls the Queue's coalescing behavior.
type QueueConfig struct {
	// Coalesce enables merging same-receiver pending enqueues.
	Coalesce *bool `json:"coalesce,omitempty" yaml:"coalesce,omitempty"`
	// DefaultHasStorageDeposit is used for enqueue calls that don't specify it.
	DefaultHasStorageDeposit *bool `json:"defaultHasStorageDeposit,omitempty" yaml:"defaultHasStorageDeposit,omitempty"`
}

// ExecutorConfig controls the periodic batch-construction loop.
type ExecutorConfig struct {
	// BatchSize is the maximum number of items considered per tick. Clamped to 1..100.
	BatchSize *int `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	// Interval is the minimum wall-time between ticks.
	Interval *string `json:"interval,omitempty" yaml:"interval,omitempty"`
	// MinQueueToProcess skips a tick if fewer candidates than this are available.
	MinQueueToProcess *int `json:"minQueueToProcess,omitempty" yaml:"minQueueToProcess,omitempty"`
	// MaxRetries is the retry_count threshold beyond which an item auto-stalls.
	MaxRetries *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	// MaxActionsPerTransaction is the chain-imposed action budget per batch.
	MaxActionsPerTransaction *int `json:"maxActionsPerTransaction,omitempty" yaml:"maxActionsPerTransaction,omitempty"`

	// FTContract is the fungible-token contract account actions are addressed to.
	FTContract string `json:"ftContract" yaml:"ftContract"`
	// StorageDepositAttached is the yoctoNEAR value attached to a storage_deposit action.
	StorageDepositAttached *string `json:"storageDepositAttached,omitempty" yaml:"storageDepositAttached,omitempty"`
	// StorageDepositGas is the gas budget for a storage_deposit action.
	StorageDepositGas *string `json:"storageDepositGas,omitempty" yaml:"storageDepositGas,omitempty"`
	// TransferGas is the gas budget for an ft_transfer action.
	TransferGas *string `json:"transferGas,omitempty" yaml:"transferGas,omitempty"`
}

// SignerConfig identifies the sender account and its signing key for the
// reference Ed25519 signer. Production deployments pointing at a remote
// signing service leave PrivateKey empty and wire their own Signer.
type SignerConfig struct {
	// SenderID is the relay's own account, the signer of every batch.
	SenderID string `json:"senderId" yaml:"senderId"`
	// PrivateKey is the base58-encoded 64-byte Ed25519 private key.
	PrivateKey string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
}

// BroadcasterConfig selects how signed transactions reach the chain.
type BroadcasterConfig struct {
	// URL is the JSON-RPC endpoint of the node to submit through.
	URL string `json:"url" yaml:"url"`
	// RequestTimeout bounds a single submission round-trip.
	RequestTimeout *string `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
}

// Config is the root configuration object for the relay process.
type Config struct {
	Store       StoreConfig       `json:"store" yaml:"store"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Executor    ExecutorConfig    `json:"executor" yaml:"executor"`
	Signer      SignerConfig      `json:"signer" yaml:"signer"`
	Broadcaster BroadcasterConfig `json:"broadcaster" yaml:"broadcaster"`
}

// ExecutorConfigDefaults holds the documented default for every optional field.
var ExecutorConfigDefaults = ExecutorConfig{
	BatchSize:                confutil.P(100),
	Interval:                 confutil.P("500ms"),
	MinQueueToProcess:        confutil.P(1),
	MaxRetries:               confutil.P(5),
	MaxActionsPerTransaction: confutil.P(100),
	StorageDepositAttached:   confutil.P("1250000000000000000000"), // 0.00125 NEAR, the standard NEP-145 registration deposit
	StorageDepositGas:        confutil.P("30000000000000"),         // 30 Tgas
	TransferGas:              confutil.P("30000000000000"),         // 30 Tgas
}

// BroadcasterConfigDefaults covers the optional transport settings.
var BroadcasterConfigDefaults = BroadcasterConfig{
	RequestTimeout: confutil.P("30s"),
}

// QueueConfigDefaults holds the Queue behavior defaults.
var QueueConfigDefaults = QueueConfig{
	Coalesce:                 confutil.P(true),
	DefaultHasStorageDeposit: confutil.P(false),
}
