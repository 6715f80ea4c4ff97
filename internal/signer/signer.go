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

// Package signer declares the Signer capability interface and a
// reference Ed25519 implementation suitable for a NEAR-shaped sender account.
// The Executor only ever depends on the Signer interface; production
// deployments are expected to swap in a remote KMS-backed implementation
// without touching queue or executor code.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/mr-tron/base58"

	"github.com/hyperledger/firefly-common/pkg/i18n"

	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
	"github.com/saka-labs/near-ft-transfers/internal/msgs"
)

// ActionKind names the two action shapes the Executor ever builds.
type ActionKind string

const (
	ActionStorageDeposit ActionKind = "storage_deposit"
	ActionFTTransfer     ActionKind = "ft_transfer"
)

// Action is one action descriptor inside a batch transaction. Exactly one of
// the kind-specific argument sets is populated, keyed by Kind.
type Action struct {
	Kind ActionKind

	// storage_deposit
	AccountID         string
	RegistrationOnly  bool
	AttachedDeposit   string
	StorageDepositGas string

	// ft_transfer
	ReceiverID  string
	Amount      string
	Memo        string
	AttachedOne string
	TransferGas string
}

// SignedTransaction is the output of Sign: the opaque serialized blob plus
// its content hash.
type SignedTransaction struct {
	// SignedBlob is opaque to the Queue and stored verbatim.
	SignedBlob []byte
	// ContentHash is the base58-encoded SHA-256 of SignedBlob.
	ContentHash string
}

// Signer is the external signing capability the Executor depends on.
// Implementations are not required to be safe for concurrent use: the
// Executor only ever calls Sign sequentially from its single tick loop.
type Signer interface {
	// Sign produces a signed transaction addressed to contract carrying
	// actions, in order.
	Sign(ctx context.Context, contract string, actions []Action) (*SignedTransaction, error)
}

// Ed25519Signer is a reference Signer implementation: it serializes the
// action list deterministically and signs the serialization with a single
// Ed25519 keypair, the way a NEAR account's access key would sign a
// transaction. It is suitable for tests and for a single-sender relay
// talking to a local or sandboxed network; a production deployment typically
// delegates this interface to a remote signing service instead.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	senderID   string
}

// NewEd25519Signer builds a signer from a raw 64-byte Ed25519 private key and
// the sender account id that will appear in the serialized transaction.
func NewEd25519Signer(ctx context.Context, privateKey ed25519.PrivateKey, senderID string) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, i18n.NewError(ctx, msgs.MsgSignerKeyRequired)
	}
	return &Ed25519Signer{privateKey: privateKey, senderID: senderID}, nil
}

// Sign serializes contract+actions into a deterministic byte string, signs
// it, and returns the signed blob (payload || signature) along with the
// base58 SHA-256 content hash of that blob.
func (s *Ed25519Signer) Sign(ctx context.Context, contract string, actions []Action) (*SignedTransaction, error) {
	payload := serializeActions(s.senderID, contract, actions)
	sig := ed25519.Sign(s.privateKey, payload)
	blob := append(append([]byte{}, payload...), sig...)

	sum := sha256.Sum256(blob)
	return &SignedTransaction{
		SignedBlob:  blob,
		ContentHash: base58.Encode(sum[:]),
	}, nil
}

func serializeActions(sender, contract string, actions []Action) []byte {
	buf := []byte(sender + "\x00" + contract + "\x00")
	for _, a := range actions {
		switch a.Kind {
		case ActionStorageDeposit:
			buf = append(buf, []byte(string(a.Kind)+"\x00"+a.AccountID+"\x00"+a.AttachedDeposit+"\x00"+a.StorageDepositGas+"\x01")...)
		case ActionFTTransfer:
			buf = append(buf, []byte(string(a.Kind)+"\x00"+a.ReceiverID+"\x00"+a.Amount+"\x00"+a.Memo+"\x00"+a.TransferGas+"\x01")...)
		}
	}
	return buf
}

// BuildActions flat-maps items to their 1 or 2 action descriptors, preserving
// order: an item prepends a storage_deposit action whenever it does not yet
// have a storage deposit.
func BuildActions(items []*ftcore.Item, storageDepositAttached, storageDepositGas, transferGas string) []Action {
	out := make([]Action, 0, len(items)*2)
	for _, it := range items {
		if !it.HasStorageDeposit {
			out = append(out, Action{
				Kind:              ActionStorageDeposit,
				AccountID:         it.Receiver,
				RegistrationOnly:  true,
				AttachedDeposit:   storageDepositAttached,
				StorageDepositGas: storageDepositGas,
			})
		}
		out = append(out, Action{
			Kind:        ActionFTTransfer,
			ReceiverID:  it.Receiver,
			Amount:      it.Amount,
			Memo:        it.Memo,
			AttachedOne: "1",
			TransferGas: transferGas,
		})
	}
	return out
}

// ActionCost is the action-budget cost of a single item: 1 if it already has a storage deposit, 2 otherwise (registration +
// transfer).
func ActionCost(it *ftcore.Item) int {
	if it.HasStorageDeposit {
		return 1
	}
	return 2
}
