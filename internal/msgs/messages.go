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

// Package msgs registers every error message used by the relay, following the
// same firefly-common translation-catalog convention the rest of the codebase
// the executor was grounded on uses for its own errors.
package msgs

import (
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"golang.org/x/text/language"
)

var ffe = i18n.FFE

var _ = registerPrefix()

func registerPrefix() bool {
	i18n.RegisterPrefix("FT10", "NEAR FT Relay")
	return true
}

var (
	MsgInvalidAmount       = ffe(language.AmericanEnglish, "FT10001", "Amount '%s' is not a valid non-negative integer string", 400)
	MsgReceiverRequired    = ffe(language.AmericanEnglish, "FT10002", "Receiver must not be empty", 400)
	MsgItemNotFound        = ffe(language.AmericanEnglish, "FT10003", "Item %d not found", 404)
	MsgBatchNotFound       = ffe(language.AmericanEnglish, "FT10004", "Batch %d not found", 404)
	MsgSignerFailure       = ffe(language.AmericanEnglish, "FT10005", "Signer failed to produce a signed transaction: %s")
	MsgBroadcastTransport  = ffe(language.AmericanEnglish, "FT10006", "Broadcast transport error: %s")
	MsgInvalidTx           = ffe(language.AmericanEnglish, "FT10007", "Broadcaster rejected the transaction: %s")
	MsgActionError         = ffe(language.AmericanEnglish, "FT10008", "Action %d failed: %s")
	MsgActionErrorNoIndex  = ffe(language.AmericanEnglish, "FT10009", "Batch action failed: %s")
	MsgStoreFailure        = ffe(language.AmericanEnglish, "FT10010", "Store operation failed: %s")
	MsgNoItemFitsBudget    = ffe(language.AmericanEnglish, "FT10011", "No pending item fits within the configured action budget of %d actions")
	MsgConcurrentOwner     = ffe(language.AmericanEnglish, "FT10012", "Another executor process already holds the store lock: %s")
	MsgAttachBatchEmpty    = ffe(language.AmericanEnglish, "FT10013", "attachBatch requires at least one item id")
	MsgUnsupportedDriver   = ffe(language.AmericanEnglish, "FT10014", "Unsupported store driver '%s'")
	MsgMigrationFailed     = ffe(language.AmericanEnglish, "FT10015", "Schema migration failed: %s")
	MsgSignerKeyRequired   = ffe(language.AmericanEnglish, "FT10016", "Signer requires a non-empty Ed25519 private key")
	MsgOutcomeUnrecognized = ffe(language.AmericanEnglish, "FT10017", "Broadcaster returned an unrecognized outcome kind '%s'")
)
