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
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperledger/firefly-common/pkg/log"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/saka-labs/near-ft-transfers/internal/broadcaster"
	"github.com/saka-labs/near-ft-transfers/internal/confutil"
	"github.com/saka-labs/near-ft-transfers/internal/executor"
	"github.com/saka-labs/near-ft-transfers/internal/queue"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
	"github.com/saka-labs/near-ft-transfers/internal/signer"
	"github.com/saka-labs/near-ft-transfers/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay: recover in-flight work, then process the queue until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func buildSigner(ctx context.Context, cfg relayconf.SignerConfig) (signer.Signer, error) {
	raw, err := base58.Decode(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signer.privateKey is not valid base58: %w", err)
	}
	return signer.NewEd25519Signer(ctx, ed25519.PrivateKey(raw), cfg.SenderID)
}

func runRelay(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Executor.FTContract == "" {
		return fmt.Errorf("executor.ftContract must be configured")
	}
	if cfg.Broadcaster.URL == "" {
		return fmt.Errorf("broadcaster.url must be configured")
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// Refuse to start against a store another relay process already owns.
	if err := st.TryLock(ctx); err != nil {
		return err
	}

	sgn, err := buildSigner(ctx, cfg.Signer)
	if err != nil {
		return err
	}
	bcast := broadcaster.NewRPC(cfg.Broadcaster.URL, confutil.DurationMin(
		cfg.Broadcaster.RequestTimeout, 0, *relayconf.BroadcasterConfigDefaults.RequestTimeout))

	q := queue.New(st, cfg.Queue)
	ex := executor.New(q, sgn, bcast, &cfg.Executor)

	done, err := ex.Start(ctx)
	if err != nil {
		return err
	}
	log.L(ctx).Infof("Relay started (sender=%s contract=%s node=%s)", cfg.Signer.SenderID, cfg.Executor.FTContract, cfg.Broadcaster.URL)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.L(ctx).Infof("Shutdown signal received, stopping after the current tick")

	ex.Stop()
	<-done
	return nil
}
