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
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
)

const yahooUserAgent = "Mozilla/5.0 (compatible; aqapi/1.0)"

// YahooProvider pulls bars from the Yahoo Finance chart API and symbol
// metadata from the quoteSummary API. A circuit breaker sits in front of
// every request so a Yahoo outage fails fast instead of stacking up
// timeouts.
type YahooProvider struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

func NewYahooProvider() *YahooProvider {
	return &YahooProvider{
		client: &http.Client{
			Timeout: providerTimeout(),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "yahoo",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
		}),
		baseURL: "https://query1.finance.yahoo.com",
	}
}

func (yahoo *YahooProvider) Name() string {
	return "yahoo"
}

type yahooAPIError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *yahooAPIError     `json:"error"`
	} `json:"chart"`
}

type yahooChartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

type yahooQuoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"assetProfile"`
			Price struct {
				LongName     string `json:"longName"`
				ShortName    string `json:"shortName"`
				ExchangeName string `json:"exchangeName"`
			} `json:"price"`
		} `json:"result"`
		Error *yahooAPIError `json:"error"`
	} `json:"quoteSummary"`
}

// FetchPriceData downloads bars for [begin, end]. Slots Yahoo reports with
// null prices (halted sessions, partial bars) are skipped.
func (yahoo *YahooProvider) FetchPriceData(ctx context.Context, symbol string, interval Interval, begin, end time.Time, includePrePost bool) ([]*PriceBar, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "yahoo.FetchPriceData")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Time("Begin", begin).Time("End", end).Logger()

	query := url.Values{}
	query.Set("period1", fmt.Sprintf("%d", begin.Unix()))
	// push period2 past the end date so its own bar is included
	query.Set("period2", fmt.Sprintf("%d", end.AddDate(0, 0, 1).Unix()))
	query.Set("interval", string(interval))
	query.Set("includePrePost", fmt.Sprintf("%t", includePrePost))
	query.Set("events", "div,split")
	chartURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", yahoo.baseURL, url.PathEscape(symbol), query.Encode())

	var body []byte
	err := withRetries(ctx, subLog, func() error {
		var err error
		body, err = yahoo.get(ctx, chartURL)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chart request failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch bars from yahoo")
		return nil, err
	}

	response := yahooChartResponse{}
	if err := json.Unmarshal(body, &response); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chart response malformed")
		subLog.Error().Stack().Err(err).Msg("could not parse yahoo chart response")
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	if response.Chart.Error != nil {
		if response.Chart.Error.Code == "Not Found" {
			return nil, ErrSymbolNotFound
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrValidation, response.Chart.Error.Code, response.Chart.Error.Description)
	}

	if len(response.Chart.Result) == 0 {
		return []*PriceBar{}, nil
	}

	result := response.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return []*PriceBar{}, nil
	}
	quote := result.Indicators.Quote[0]

	var adjClose []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]*PriceBar, 0, len(result.Timestamp))
	for idx, unixTS := range result.Timestamp {
		if idx >= len(quote.Open) || idx >= len(quote.High) || idx >= len(quote.Low) || idx >= len(quote.Close) {
			break
		}
		if quote.Open[idx] == nil || quote.High[idx] == nil || quote.Low[idx] == nil || quote.Close[idx] == nil {
			continue
		}

		bar := &PriceBar{
			Symbol:        symbol,
			TS:            barTimestamp(unixTS, interval),
			Interval:      interval,
			Open:          *quote.Open[idx],
			High:          *quote.High[idx],
			Low:           *quote.Low[idx],
			Close:         *quote.Close[idx],
			AdjustedClose: *quote.Close[idx],
			DataSource:    "yahoo",
		}
		if idx < len(adjClose) && adjClose[idx] != nil {
			bar.AdjustedClose = *adjClose[idx]
		}
		if idx < len(quote.Volume) && quote.Volume[idx] != nil {
			bar.Volume = *quote.Volume[idx]
		}
		bars = append(bars, bar)
	}

	subLog.Debug().Int("NumBars", len(bars)).Msg("fetched bars from yahoo")
	return bars, nil
}

// GetSymbolInfo resolves company profile details through the quoteSummary
// API.
func (yahoo *YahooProvider) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "yahoo.GetSymbolInfo")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Logger()

	query := url.Values{}
	query.Set("modules", "assetProfile,price")
	summaryURL := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?%s", yahoo.baseURL, url.PathEscape(symbol), query.Encode())

	var body []byte
	err := withRetries(ctx, subLog, func() error {
		var err error
		body, err = yahoo.get(ctx, summaryURL)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quote summary request failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch symbol info from yahoo")
		return nil, err
	}

	response := yahooQuoteSummaryResponse{}
	if err := json.Unmarshal(body, &response); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quote summary response malformed")
		subLog.Error().Stack().Err(err).Msg("could not parse yahoo quote summary response")
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	if response.QuoteSummary.Error != nil {
		if response.QuoteSummary.Error.Code == "Not Found" {
			return nil, ErrSymbolNotFound
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrValidation, response.QuoteSummary.Error.Code, response.QuoteSummary.Error.Description)
	}

	if len(response.QuoteSummary.Result) == 0 {
		return nil, ErrSymbolNotFound
	}

	result := response.QuoteSummary.Result[0]
	name := result.Price.LongName
	if name == "" {
		name = result.Price.ShortName
	}

	info := &SymbolInfo{
		Symbol:    symbol,
		Name:      name,
		Sector:    result.AssetProfile.Sector,
		SectorETF: SectorETF(result.AssetProfile.Sector),
		Industry:  result.AssetProfile.Industry,
		Exchange:  result.Price.ExchangeName,
	}
	return info, nil
}

// get performs one HTTP request through the circuit breaker and maps status
// codes onto the package error sentinels.
func (yahoo *YahooProvider) get(ctx context.Context, requestURL string) ([]byte, error) {
	response, err := yahoo.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		req.Header.Set("User-Agent", yahooUserAgent)

		resp, err := yahoo.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrSymbolNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, ErrRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: status %d", ErrValidation, resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
		}
		return nil, err
	}
	return response.([]byte), nil
}

// barTimestamp converts a provider epoch into the stored timestamp. Daily
// and coarser bars reduce to the Eastern trading date at midnight UTC;
// intraday bars keep their true instant.
func barTimestamp(unixSeconds int64, interval Interval) time.Time {
	ts := time.Unix(unixSeconds, 0)
	if interval.Intraday() {
		return ts.UTC()
	}
	et := ts.In(common.GetTimezone())
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
}
