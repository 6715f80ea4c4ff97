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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, handler func(req map[string]interface{}) string) (*httptest.Server, *RPC) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "send_tx", req["method"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv, NewRPC(srv.URL, 5*time.Second)
}

func TestRPCSendSuccess(t *testing.T) {
	blob := []byte("signed-tx-bytes")
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		params := req["params"].(map[string]interface{})
		assert.Equal(t, base64.StdEncoding.EncodeToString(blob), params["signed_tx_base64"])
		return `{"jsonrpc":"2.0","id":"1","result":{
			"status":{"SuccessValue":""},
			"transaction":{"hash":"4mfCEC8H"}}}`
	})

	out, err := rpc.Send(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "4mfCEC8H", out.TxHash)
}

func TestRPCSendActionErrorWithIndex(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		return `{"jsonrpc":"2.0","id":"1","result":{
			"status":{"Failure":{"ActionError":{"index":2,"kind":{"AccountDoesNotExist":{"account_id":"x.near"}}}}},
			"transaction":{"hash":"irrelevant"}}}`
	})

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeActionError, out.Kind)
	require.NotNil(t, out.ActionIndex)
	assert.Equal(t, 2, *out.ActionIndex)
	assert.Contains(t, out.Reason, "AccountDoesNotExist")
}

func TestRPCSendActionErrorWithoutIndex(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		return `{"jsonrpc":"2.0","id":"1","result":{
			"status":{"Failure":{"ActionError":{"kind":{"LackBalanceForState":{}}}}},
			"transaction":{"hash":"irrelevant"}}}`
	})

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeActionError, out.Kind)
	assert.Nil(t, out.ActionIndex)
}

func TestRPCSendInvalidTx(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		return `{"jsonrpc":"2.0","id":"1","error":{
			"name":"HANDLER_ERROR","message":"Invalid transaction",
			"cause":{"name":"INVALID_TRANSACTION","info":{"error":"InvalidNonce"}}}}`
	})

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidTx, out.Kind)
	assert.Contains(t, out.Reason, "InvalidNonce")
}

func TestRPCSendExecutionInvalidTx(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		return `{"jsonrpc":"2.0","id":"1","result":{
			"status":{"Failure":{"InvalidTxError":{"Expired":{}}}},
			"transaction":{"hash":"irrelevant"}}}`
	})

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidTx, out.Kind)
	assert.Contains(t, out.Reason, "Expired")
}

func TestRPCSendHandlerErrorIsTransport(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string {
		return `{"jsonrpc":"2.0","id":"1","error":{
			"name":"REQUEST_VALIDATION_ERROR","message":"busy",
			"cause":{"name":"TIMEOUT_ERROR"}}}`
	})

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransport, out.Kind)
	assert.Error(t, out.Err)
}

func TestRPCSendConnectionFailureIsTransport(t *testing.T) {
	srv, rpc := rpcServer(t, func(req map[string]interface{}) string { return "{}" })
	srv.Close()

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransport, out.Kind)
	assert.Error(t, out.Err)
}

func TestRPCSendEmptyBodyIsTransport(t *testing.T) {
	_, rpc := rpcServer(t, func(req map[string]interface{}) string { return "{}" })

	out, err := rpc.Send(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransport, out.Kind)
}
