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

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/database"
)

func init() {
	viper.BindEnv("database.purge_max_age", "PURGE_MAX_AGE")
	purgeCmd.Flags().Duration("max-age", 720*time.Hour, "Delete terminal jobs older than this")
	viper.BindPFlag("database.purge_max_age", purgeCmd.Flags().Lookup("max-age"))

	rootCmd.AddCommand(purgeCmd)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal jobs older than max-age",
	Long: `Hard-delete completed, failed, and cancelled simulations, soft-deleted
screening runs, and soft-deleted recommendations older than max-age.
Child rows are removed by foreign key cascade.`,
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()
		common.SetupLogging()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("could not connect to database")
		}

		if err := purgeExpired(ctx, purgeMaxAge()); err != nil {
			log.Fatal().Stack().Err(err).Msg("purge failed")
		}
	},
}

func purgeMaxAge() time.Duration {
	if maxAge := viper.GetDuration("database.purge_max_age"); maxAge > 0 {
		return maxAge
	}
	return 720 * time.Hour
}

// purgeExpired removes terminal jobs past their retention window in one
// transaction.
func purgeExpired(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	subLog := log.With().Time("Cutoff", cutoff).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	statements := []struct {
		name string
		sql  string
	}{
		{"simulations", `DELETE FROM arena_simulations WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`},
		{"runs", `DELETE FROM live20_runs WHERE deleted_at IS NOT NULL AND deleted_at < $1`},
		{"recommendations", `DELETE FROM recommendations WHERE deleted_at IS NOT NULL AND deleted_at < $1`},
	}

	for _, statement := range statements {
		tag, err := trx.Exec(ctx, statement.sql, cutoff)
		if err != nil {
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
		subLog.Info().Str("Table", statement.name).Int64("Deleted", tag.RowsAffected()).Msg("purged expired rows")
	}

	return trx.Commit(ctx)
}
