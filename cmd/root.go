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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arena-quant/aq-api/common"
)

func init() {
	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))

	// Logging configuration
	viper.BindEnv("log.level", "AQ_LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-level", "warning", "Logging level")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.BindEnv("log.report_caller", "AQ_LOG_REPORT_CALLER")
	rootCmd.PersistentFlags().Bool("log-report-caller", false, "Log function name that called log statement")
	viper.BindPFlag("log.report_caller", rootCmd.PersistentFlags().Lookup("log-report-caller"))

	viper.BindEnv("log.output", "AQ_LOG_OUTPUT")
	rootCmd.PersistentFlags().String("log-output", "stdout", "Write logs to specified output one of: file path, `stdout`, or `stderr`")
	viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output"))

	viper.BindEnv("log.pretty", "AQ_LOG_PRETTY")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "Print logs in a human friendly console format")
	viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))

	viper.BindEnv("log.loki_url", "LOKI_URL")
	rootCmd.PersistentFlags().String("log-loki-url", "", "Loki server to send log messages to, if blank don't send to Loki")
	viper.BindPFlag("log.loki_url", rootCmd.PersistentFlags().Lookup("log-loki-url"))

	// Tracing
	viper.BindEnv("otlp.endpoint", "OTLP_ENDPOINT")
	rootCmd.PersistentFlags().String("otlp-endpoint", "", "OTLP trace collector endpoint, if blank tracing is disabled")
	viper.BindPFlag("otlp.endpoint", rootCmd.PersistentFlags().Lookup("otlp-endpoint"))

	viper.BindEnv("otlp.http", "OTLP_HTTP")
	rootCmd.PersistentFlags().Bool("otlp-http", false, "Send OTLP traces over HTTP instead of gRPC")
	viper.BindPFlag("otlp.http", rootCmd.PersistentFlags().Lookup("otlp-http"))

	// Market data
	viper.BindEnv("marketdata.provider", "MARKET_DATA_PROVIDER")
	rootCmd.PersistentFlags().String("market-data-provider", "yahoo", "Market data provider: yahoo, ib, alpaca, or mock")
	viper.BindPFlag("marketdata.provider", rootCmd.PersistentFlags().Lookup("market-data-provider"))

	viper.BindEnv("marketdata.default_history_days", "DEFAULT_HISTORY_DAYS")
	viper.BindEnv("marketdata.timeout", "MARKET_DATA_TIMEOUT")
	viper.BindEnv("marketdata.max_retries", "YAHOO_MAX_RETRIES")
	viper.BindEnv("marketdata.retry_delay", "YAHOO_RETRY_DELAY")
	viper.BindEnv("marketdata.l1_size", "CACHE_L1_SIZE")
	viper.BindEnv("marketdata.l1_ttl", "CACHE_L1_TTL")
	viper.BindEnv("marketdata.market_hours_ttl", "MARKET_HOURS_TTL")

	// Cache
	viper.BindEnv("cache.local_size", "CACHE_LOCAL_SIZE")
	viper.BindEnv("cache.redis", "CACHE_REDIS")
	viper.BindEnv("cache.redis_url", "CACHE_REDIS_URL")
	viper.BindEnv("cache.ttl", "CACHE_TTL")

	// Workers
	viper.BindEnv("worker.poll_interval", "WORKER_POLL_INTERVAL")
	viper.BindEnv("worker.heartbeat_interval", "WORKER_HEARTBEAT_INTERVAL")
	viper.BindEnv("worker.stale_threshold", "WORKER_STALE_THRESHOLD")
	viper.BindEnv("worker.sweep_interval", "WORKER_SWEEP_INTERVAL")
	viper.BindEnv("worker.prefetch_concurrency", "WORKER_PREFETCH_CONCURRENCY")

	// Broker
	viper.BindEnv("broker.type", "BROKER_TYPE")
	rootCmd.PersistentFlags().String("broker-type", "mock", "Broker backend: mock or ib")
	viper.BindPFlag("broker.type", rootCmd.PersistentFlags().Lookup("broker-type"))

	viper.BindEnv("ib.account", "IB_ACCOUNT")
	viper.BindEnv("ib.port", "IB_PORT")
	viper.BindEnv("ib.gateway_url", "IB_GATEWAY_URL")
	viper.BindEnv("ib.client_id", "IB_CLIENT_ID")

	// Alpaca
	viper.BindEnv("alpaca.api_key", "APCA_API_KEY_ID")
	viper.BindEnv("alpaca.api_secret", "APCA_API_SECRET_KEY")
	viper.BindEnv("alpaca.base_url", "APCA_API_BASE_URL")

	// Messaging
	viper.BindEnv("nats.server", "NATS_URL")
	viper.BindEnv("nats.credentials", "NATS_CREDENTIALS")
}

var rootCmd = &cobra.Command{
	Use:     "aqapi",
	Version: common.CurrentVersion.String(),
	Short:   "Arena Quant runs durable quantitative-analysis jobs",
	Long: `Arena Quant API server: a claim-based job queue for stock screening and
day-stepped trading simulations over a market-aware price cache.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
