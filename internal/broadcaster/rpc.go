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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hyperledger/firefly-common/pkg/log"
)

// RPC is the reference Broadcaster implementation: it submits the signed
// blob to a NEAR-style JSON-RPC node and folds the node's response into the
// structured Outcome the Executor dispatches on. The transaction blob is
// opaque here too - it goes over the wire base64-encoded, exactly as
// persisted.
type RPC struct {
	client *resty.Client
}

// NewRPC builds a broadcaster against the given JSON-RPC endpoint URL.
func NewRPC(url string, requestTimeout time.Duration) *RPC {
	return &RPC{
		client: resty.New().
			SetBaseURL(url).
			SetTimeout(requestTimeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type sendTxParams struct {
	SignedTxBase64 string `json:"signed_tx_base64"`
	WaitUntil      string `json:"wait_until"`
}

type rpcResponse struct {
	Result *txResult `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

type txResult struct {
	Status      txStatus `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

type txStatus struct {
	SuccessValue *string    `json:"SuccessValue,omitempty"`
	Failure      *txFailure `json:"Failure,omitempty"`
}

type txFailure struct {
	ActionError    *actionErrorDetail `json:"ActionError,omitempty"`
	InvalidTxError json.RawMessage    `json:"InvalidTxError,omitempty"`
}

type actionErrorDetail struct {
	Index *int            `json:"index"`
	Kind  json.RawMessage `json:"kind"`
}

// Send submits the blob and classifies the node's answer. Transport-level
// problems (connection, timeout, non-JSON body) come back as
// OutcomeTransport rather than a Go error, so callers have a single dispatch
// point.
func (r *RPC) Send(ctx context.Context, signedBlob []byte) (*Outcome, error) {
	var out rpcResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(&rpcRequest{
			JSONRPC: "2.0",
			ID:      uuid.New().String(),
			Method:  "send_tx",
			Params: &sendTxParams{
				SignedTxBase64: base64.StdEncoding.EncodeToString(signedBlob),
				WaitUntil:      "EXECUTED_OPTIMISTIC",
			},
		}).
		SetResult(&out).
		SetError(&out).
		Post("")
	if err != nil {
		return &Outcome{Kind: OutcomeTransport, Reason: err.Error(), Err: err}, nil
	}
	if resp.IsError() && out.Error == nil {
		err = fmt.Errorf("node returned HTTP %d", resp.StatusCode())
		return &Outcome{Kind: OutcomeTransport, Reason: err.Error(), Err: err}, nil
	}

	if out.Error != nil {
		// A handler-level INVALID_TRANSACTION is a pre-execution rejection
		// (malformed or stale nonce); anything else at this level is treated
		// as transport, since the node never evaluated the transaction.
		if out.Error.Cause.Name == "INVALID_TRANSACTION" {
			return &Outcome{Kind: OutcomeInvalidTx, Reason: rpcErrorText(out.Error)}, nil
		}
		err = fmt.Errorf("rpc error %s: %s", out.Error.Name, rpcErrorText(out.Error))
		return &Outcome{Kind: OutcomeTransport, Reason: err.Error(), Err: err}, nil
	}
	if out.Result == nil {
		err = fmt.Errorf("node returned neither result nor error")
		return &Outcome{Kind: OutcomeTransport, Reason: err.Error(), Err: err}, nil
	}

	if f := out.Result.Status.Failure; f != nil {
		if f.ActionError != nil {
			log.L(ctx).Debugf("Node reported action failure (index=%v): %s", f.ActionError.Index, string(f.ActionError.Kind))
			return &Outcome{
				Kind:        OutcomeActionError,
				ActionIndex: f.ActionError.Index,
				Reason:      string(f.ActionError.Kind),
			}, nil
		}
		if len(f.InvalidTxError) > 0 {
			return &Outcome{Kind: OutcomeInvalidTx, Reason: string(f.InvalidTxError)}, nil
		}
		return &Outcome{Kind: OutcomeActionError, Reason: "unspecified execution failure"}, nil
	}

	return &Outcome{Kind: OutcomeSuccess, TxHash: out.Result.Transaction.Hash}, nil
}

func rpcErrorText(e *rpcError) string {
	if len(e.Cause.Info) > 0 {
		return fmt.Sprintf("%s: %s", e.Cause.Name, string(e.Cause.Info))
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}
