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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
)

// AlpacaProvider serves bars from the Alpaca market data API. Requires api
// credentials; construction fails without them so a misconfigured deployment
// surfaces at startup instead of on first request.
type AlpacaProvider struct {
	md      *marketdata.Client
	trading *alpaca.Client
}

func NewAlpacaProvider() (*AlpacaProvider, error) {
	apiKey := viper.GetString("alpaca.api_key")
	apiSecret := viper.GetString("alpaca.api_secret")
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: alpaca api credentials are not configured", ErrValidation)
	}

	md := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   viper.GetString("alpaca.base_url"),
	})

	return &AlpacaProvider{md: md, trading: trading}, nil
}

func (provider *AlpacaProvider) Name() string {
	return "alpaca"
}

func (provider *AlpacaProvider) FetchPriceData(ctx context.Context, symbol string, interval Interval, begin, end time.Time, _ bool) ([]*PriceBar, error) {
	_, span := otel.Tracer(opentelemetry.Name).Start(ctx, "alpaca.FetchPriceData")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Logger()

	timeframe, err := alpacaTimeFrame(interval)
	if err != nil {
		return nil, err
	}

	feed := viper.GetString("alpaca.feed")
	if feed == "" {
		feed = "iex"
	}

	var raw []marketdata.Bar
	err = withRetries(ctx, subLog, func() error {
		var err error
		raw, err = provider.md.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  timeframe,
			Start:      begin,
			End:        end.AddDate(0, 0, 1),
			Adjustment: marketdata.Split,
			Feed:       marketdata.Feed(feed),
			TotalLimit: 10000,
		})
		return classifyAlpacaError(err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "alpaca bars request failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch bars from alpaca")
		return nil, err
	}

	bars := make([]*PriceBar, 0, len(raw))
	for _, bar := range raw {
		bars = append(bars, &PriceBar{
			Symbol:        symbol,
			TS:            barTimestamp(bar.Timestamp.Unix(), interval),
			Interval:      interval,
			Open:          bar.Open,
			High:          bar.High,
			Low:           bar.Low,
			Close:         bar.Close,
			AdjustedClose: bar.Close,
			Volume:        int64(bar.Volume),
			DataSource:    "alpaca",
		})
	}

	subLog.Debug().Int("NumBars", len(bars)).Msg("fetched bars from alpaca")
	return bars, nil
}

func (provider *AlpacaProvider) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	_, span := otel.Tracer(opentelemetry.Name).Start(ctx, "alpaca.GetSymbolInfo")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Logger()

	var asset *alpaca.Asset
	err := withRetries(ctx, subLog, func() error {
		var err error
		asset, err = provider.trading.GetAsset(symbol)
		return classifyAlpacaError(err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "alpaca asset request failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch asset from alpaca")
		return nil, err
	}

	// alpaca assets do not carry sector membership; the manager fills it in
	// from another source when available
	return &SymbolInfo{
		Symbol:   symbol,
		Name:     asset.Name,
		Exchange: asset.Exchange,
	}, nil
}

func alpacaTimeFrame(interval Interval) (marketdata.TimeFrame, error) {
	switch interval {
	case Interval1Min:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case Interval2Min:
		return marketdata.NewTimeFrame(2, marketdata.Min), nil
	case Interval5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case Interval15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case Interval30Min:
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case Interval60Min, Interval1Hour:
		return marketdata.OneHour, nil
	case Interval1Day:
		return marketdata.OneDay, nil
	case Interval1Week:
		return marketdata.OneWeek, nil
	case Interval1Month:
		return marketdata.OneMonth, nil
	case Interval3Month:
		return marketdata.NewTimeFrame(3, marketdata.Month), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("%w: alpaca does not serve %s bars", ErrInvalidInterval, interval)
	}
}

func classifyAlpacaError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return ErrSymbolNotFound
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ErrRateLimited
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrTransport, apiErr.Error())
		default:
			return fmt.Errorf("%w: %s", ErrValidation, apiErr.Error())
		}
	}
	return fmt.Errorf("%w: %s", ErrTransport, err.Error())
}
