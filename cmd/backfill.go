// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/data"
	"github.com/arena-quant/aq-api/database"
)

var (
	backfillStart    string
	backfillEnd      string
	backfillInterval string
)

func init() {
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "First date to fetch (YYYY-MM-DD)")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "Last date to fetch (YYYY-MM-DD, default today)")
	backfillCmd.Flags().StringVar(&backfillInterval, "interval", "1d", "Bar interval")
	backfillCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [flags] SYMBOL...",
	Short: "Prefetch price bars for symbols through the cache",
	Long: `Fetch bars for the requested symbols and range from the configured
market data provider and persist them to the price store so later jobs
run from warm data.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ctx := context.Background()
		common.SetupLogging()
		common.SetupCache()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("could not connect to database")
		}

		interval, err := data.ParseInterval(backfillInterval)
		if err != nil {
			log.Fatal().Err(err).Str("Interval", backfillInterval).Msg("invalid interval")
		}
		start, err := time.Parse("2006-01-02", backfillStart)
		if err != nil {
			log.Fatal().Str("Start", backfillStart).Msg("start must be formatted YYYY-MM-DD")
		}
		end := time.Now().UTC().Truncate(24 * time.Hour)
		if backfillEnd != "" {
			if end, err = time.Parse("2006-01-02", backfillEnd); err != nil {
				log.Fatal().Str("End", backfillEnd).Msg("end must be formatted YYYY-MM-DD")
			}
		}

		symbols := append([]string{}, args...)
		common.ArrToUpper(symbols)

		manager := data.GetManagerInstance()
		concurrency := viper.GetInt("worker.prefetch_concurrency")
		if concurrency <= 0 {
			concurrency = 5
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(concurrency)
		for _, symbol := range symbols {
			symbol := symbol
			group.Go(func() error {
				bars, err := manager.GetBars(groupCtx, symbol, interval, start, end)
				if err != nil {
					log.Error().Stack().Err(err).Str("Symbol", symbol).Msg("could not fetch bars")
					return err
				}
				log.Info().Str("Symbol", symbol).Int("Bars", len(bars)).Msg("backfilled symbol")
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			log.Fatal().Err(err).Msg("backfill finished with errors")
		}
		log.Info().Int("Symbols", len(symbols)).Msg("backfill complete")
	},
}
