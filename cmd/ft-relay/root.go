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
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/saka-labs/near-ft-transfers/internal/queue"
	"github.com/saka-labs/near-ft-transfers/internal/relayconf"
	"github.com/saka-labs/near-ft-transfers/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ft-relay",
	Short: "A durable relay that batches fungible-token transfers into signed on-chain transactions",
	Long: "ft-relay accepts transfer requests into a durable queue, coalesces same-receiver\n" +
		"requests, and executes them as batched, signed transactions with crash-safe\n" +
		"exactly-once economic effect.",
}

func init() {
	viper.SetEnvPrefix("FTRELAY")
	viper.AutomaticEnv()

	logger := &log.Logger{
		Out:   os.Stderr,
		Level: log.InfoLevel,
		Formatter: &log.TextFormatter{
			DisableSorting:  false,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000",
		},
	}
	log.SetFormatter(logger.Formatter)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a yaml config file (default ./ft-relay.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(itemsCmd)
	rootCmd.AddCommand(unstallCmd)
}

func loadConfig() (*relayconf.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ft-relay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	var cfg relayconf.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// openQueue is the shared bootstrap for the inspection/control subcommands:
// config, store, queue, no executor and no advisory lock.
func openQueue(ctx context.Context) (*store.Store, *queue.Queue, *relayconf.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, nil, err
	}
	return st, queue.New(st, cfg.Queue), cfg, nil
}

func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		log.Errorln(err)
		return 1
	}
	return 0
}
