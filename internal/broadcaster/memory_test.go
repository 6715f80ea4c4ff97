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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryReplaysAcceptedBlob(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	m.Enqueue(&Outcome{Kind: OutcomeSuccess, TxHash: "hash1"})

	out, err := m.Send(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)

	// redelivery of the same content reports the prior acceptance, without
	// consuming any queued outcome
	m.Enqueue(&Outcome{Kind: OutcomeTransport, Reason: "should not be used"})
	out, err = m.Send(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "hash1", out.TxHash)

	assert.Len(t, m.Sent(), 2)
}

func TestInMemoryEmptyQueueIsTransportError(t *testing.T) {
	out, err := NewInMemory().Send(context.Background(), []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransport, out.Kind)
}

func TestInMemoryConsumesOutcomesInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	m.Enqueue(
		&Outcome{Kind: OutcomeInvalidTx, Reason: "InvalidNonce"},
		&Outcome{Kind: OutcomeSuccess, TxHash: "hash2"},
	)

	out, _ := m.Send(ctx, []byte("b1"))
	assert.Equal(t, OutcomeInvalidTx, out.Kind)
	out, _ = m.Send(ctx, []byte("b2"))
	assert.Equal(t, OutcomeSuccess, out.Kind)
}
