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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saka-labs/near-ft-transfers/internal/queue"
)

var (
	enqueueReceiver   string
	enqueueAmount     string
	enqueueMemo       string
	enqueueRegistered bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add one transfer request to the durable queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, q, _, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		req := queue.EnqueueRequest{
			Receiver: enqueueReceiver,
			Amount:   enqueueAmount,
			Memo:     enqueueMemo,
		}
		if cmd.Flags().Changed("registered") {
			req.HasStorageDeposit = &enqueueRegistered
		}
		id, err := q.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued item %d\n", id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueReceiver, "receiver", "r", "", "recipient account id")
	enqueueCmd.Flags().StringVarP(&enqueueAmount, "amount", "a", "", "amount in the token's smallest unit")
	enqueueCmd.Flags().StringVarP(&enqueueMemo, "memo", "m", "", "optional transfer memo")
	enqueueCmd.Flags().BoolVar(&enqueueRegistered, "registered", false, "recipient already has a storage deposit with the contract")
	_ = enqueueCmd.MarkFlagRequired("receiver")
	_ = enqueueCmd.MarkFlagRequired("amount")
}
