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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/saka-labs/near-ft-transfers/internal/ftcore"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, q, _, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		s, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total=%d pending=%d processing=%d success=%d stalled=%d\n",
			s.Total, s.Pending, s.Processing, s.Success, s.Stalled)
		return nil
	},
}

var (
	itemsReceiver string
	itemsStalled  bool
	itemsLimit    int
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List items, optionally filtered by receiver and/or stalled state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, q, _, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := ftcore.ListFilter{Limit: itemsLimit}
		if itemsReceiver != "" {
			filter.Receiver = &itemsReceiver
		}
		if cmd.Flags().Changed("stalled") {
			filter.IsStalled = &itemsStalled
		}
		items, err := q.ListItems(ctx, filter)
		if err != nil {
			return err
		}
		for _, it := range items {
			state := "pending"
			switch {
			case it.IsStalled:
				state = "stalled"
			case it.BatchID != nil:
				state = fmt.Sprintf("batch=%d", *it.BatchID)
			}
			fmt.Printf("%d\t%s\t%s\tretries=%d\t%s\t%s\n",
				it.ID, it.Receiver, it.Amount, it.RetryCount, state, it.ErrorMessage)
		}
		return nil
	},
}

var unstallAll bool

var unstallCmd = &cobra.Command{
	Use:   "unstall [itemID...]",
	Short: "Return stalled items to the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, q, _, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var n int
		if unstallAll {
			n, err = q.UnstallAll(ctx)
		} else {
			if len(args) == 0 {
				return fmt.Errorf("give item ids, or --all")
			}
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, pErr := strconv.ParseInt(a, 10, 64)
				if pErr != nil {
					return fmt.Errorf("invalid item id %q", a)
				}
				ids = append(ids, id)
			}
			n, err = q.UnstallMany(ctx, ids)
		}
		if err != nil {
			return err
		}
		fmt.Printf("unstalled %d item(s)\n", n)
		return nil
	},
}

func init() {
	itemsCmd.Flags().StringVarP(&itemsReceiver, "receiver", "r", "", "filter by recipient account id")
	itemsCmd.Flags().BoolVar(&itemsStalled, "stalled", false, "filter by stalled state")
	itemsCmd.Flags().IntVarP(&itemsLimit, "limit", "n", 50, "maximum items to list (0 = unbounded)")
	unstallCmd.Flags().BoolVar(&unstallAll, "all", false, "unstall every stalled item")
}
