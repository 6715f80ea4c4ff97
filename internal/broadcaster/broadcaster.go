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

// Package broadcaster declares the Broadcaster capability interface: submit
// a signed transaction blob, get back a structured outcome. The Executor's
// entire failure-dispatch table is driven by the OutcomeKind returned here.
package broadcaster

import "context"

// OutcomeKind discriminates the four shapes a broadcast can resolve to.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeActionError OutcomeKind = "action_error"
	OutcomeInvalidTx   OutcomeKind = "invalid_tx"
	OutcomeTransport   OutcomeKind = "transport"
)

// Outcome is the structured result of one Send call.
type Outcome struct {
	Kind OutcomeKind

	// OutcomeSuccess
	TxHash string

	// OutcomeActionError: ActionIndex is nil for whole-transaction action
	// failures (e.g. resource accounting), set for a specific offending
	// action.
	ActionIndex *int
	Reason      string // kind text for ActionError/InvalidTx/Transport

	// OutcomeTransport
	Err error
}

// Broadcaster is the external submission capability the Executor depends on.
// Redelivery of the same blob after prior acceptance must be safe: the chain
// is assumed to deduplicate by content, which is what makes blind
// resubmission on crash recovery correct.
//
// Send always resolves to a structured Outcome - including the transport
// case, carried as OutcomeTransport with Err set - rather than a Go error,
// so the Executor's dispatch table has exactly one thing to switch on.
type Broadcaster interface {
	Send(ctx context.Context, signedBlob []byte) (*Outcome, error)
}
