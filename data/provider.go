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

package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Provider fetches bars and symbol metadata from an external market data
// source. Implementations classify their failures with the package error
// sentinels so callers can decide what is retryable.
type Provider interface {
	Name() string
	FetchPriceData(ctx context.Context, symbol string, interval Interval, begin, end time.Time, includePrePost bool) ([]*PriceBar, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
}

type providerFactory func() (Provider, error)

var providerRegistry = map[string]providerFactory{
	"yahoo":  func() (Provider, error) { return NewYahooProvider(), nil },
	"ib":     func() (Provider, error) { return NewIBProvider(), nil },
	"alpaca": func() (Provider, error) { return NewAlpacaProvider() },
	"mock":   func() (Provider, error) { return NewMockProvider(), nil },
}

// NewProvider builds the named provider. An empty name selects yahoo.
func NewProvider(name string) (Provider, error) {
	if name == "" {
		name = "yahoo"
	}
	factory, ok := providerRegistry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return factory()
}

// withRetries runs fn, retrying transient failures with doubling delay.
// marketdata.max_retries bounds the total number of calls (default 3).
// Validation and unknown-symbol failures surface immediately.
func withRetries(ctx context.Context, subLog zerolog.Logger, fn func() error) error {
	maxAttempts := viper.GetInt("marketdata.max_retries")
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := viper.GetDuration("marketdata.retry_delay")
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			subLog.Warn().Err(err).Int("Attempt", attempt).Dur("Delay", delay).Msg("retrying provider request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
	}
	return err
}

func providerTimeout() time.Duration {
	if timeout := viper.GetDuration("marketdata.timeout"); timeout > 0 {
		return timeout
	}
	return 30 * time.Second
}
