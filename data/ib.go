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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/arena-quant/aq-api/common"
	"github.com/arena-quant/aq-api/observability/opentelemetry"
)

// IBProvider serves bars through the Interactive Brokers Client Portal
// gateway REST API. Contract ids are resolved once per symbol and kept in
// the byte cache.
type IBProvider struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

func NewIBProvider() *IBProvider {
	baseURL := viper.GetString("ib.gateway_url")
	if baseURL == "" {
		baseURL = "https://localhost:5000/v1/api"
	}

	return &IBProvider{
		client: &http.Client{
			Timeout: providerTimeout(),
			Transport: &http.Transport{
				// the local gateway serves a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ib-gateway",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
		}),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (ib *IBProvider) Name() string {
	return "ib"
}

type ibSearchResult struct {
	ConID         json.Number `json:"conid"`
	CompanyName   string      `json:"companyName"`
	CompanyHeader string      `json:"companyHeader"`
	Symbol        string      `json:"symbol"`
	SecType       string      `json:"secType"`
	Description   string      `json:"description"`
}

type ibHistoryResponse struct {
	Data []struct {
		T int64   `json:"t"`
		O float64 `json:"o"`
		C float64 `json:"c"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		V float64 `json:"v"`
	} `json:"data"`
}

func (ib *IBProvider) FetchPriceData(ctx context.Context, symbol string, interval Interval, begin, end time.Time, includePrePost bool) ([]*PriceBar, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "ib.FetchPriceData")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Interval", string(interval)).Logger()

	barSize, err := ibBarSize(interval)
	if err != nil {
		return nil, err
	}

	conid, err := ib.resolveConID(ctx, symbol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conid resolution failed")
		return nil, err
	}

	// the gateway measures period back from now; cover from begin forward
	days := int(time.Since(begin).Hours()/24) + 2
	period := fmt.Sprintf("%dd", days)
	if days > 365 {
		period = fmt.Sprintf("%dy", (days+364)/365)
	}

	query := url.Values{}
	query.Set("conid", strconv.FormatInt(conid, 10))
	query.Set("period", period)
	query.Set("bar", barSize)
	query.Set("outsideRth", fmt.Sprintf("%t", includePrePost))
	historyURL := fmt.Sprintf("%s/iserver/marketdata/history?%s", ib.baseURL, query.Encode())

	var body []byte
	err = withRetries(ctx, subLog, func() error {
		var err error
		body, err = ib.get(ctx, historyURL)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history request failed")
		subLog.Error().Stack().Err(err).Msg("could not fetch bars from ib gateway")
		return nil, err
	}

	response := ibHistoryResponse{}
	if err := json.Unmarshal(body, &response); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history response malformed")
		subLog.Error().Stack().Err(err).Msg("could not parse ib history response")
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	cutoff := end.AddDate(0, 0, 1)
	bars := make([]*PriceBar, 0, len(response.Data))
	for _, point := range response.Data {
		ts := barTimestamp(point.T/1000, interval)
		if ts.Before(begin) || !ts.Before(cutoff) {
			continue
		}
		bars = append(bars, &PriceBar{
			Symbol:        symbol,
			TS:            ts,
			Interval:      interval,
			Open:          point.O,
			High:          point.H,
			Low:           point.L,
			Close:         point.C,
			AdjustedClose: point.C,
			Volume:        int64(point.V),
			DataSource:    "ib",
		})
	}

	subLog.Debug().Int("NumBars", len(bars)).Msg("fetched bars from ib gateway")
	return bars, nil
}

func (ib *IBProvider) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "ib.GetSymbolInfo")
	defer span.End()

	symbol = common.NormalizeSymbol(symbol)
	result, err := ib.search(ctx, symbol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "symbol search failed")
		return nil, err
	}

	// companyHeader reads "APPLE INC - NASDAQ"
	exchange := ""
	if parts := strings.SplitN(result.CompanyHeader, " - ", 2); len(parts) == 2 {
		exchange = strings.TrimSpace(parts[1])
	}

	return &SymbolInfo{
		Symbol:   symbol,
		Name:     result.CompanyName,
		Exchange: exchange,
	}, nil
}

// resolveConID maps a ticker to the gateway's contract id, consulting the
// byte cache first.
func (ib *IBProvider) resolveConID(ctx context.Context, symbol string) (int64, error) {
	key := fmt.Sprintf("ib:conid:%s", symbol)
	if bytes, err := common.CacheGet(key); err == nil {
		if conid, err := strconv.ParseInt(string(bytes), 10, 64); err == nil {
			return conid, nil
		}
	}

	result, err := ib.search(ctx, symbol)
	if err != nil {
		return 0, err
	}

	conid, err := result.ConID.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: malformed conid %q", ErrValidation, result.ConID.String())
	}

	if err := common.CacheSet(key, []byte(strconv.FormatInt(conid, 10))); err != nil {
		log.Warn().Err(err).Str("Symbol", symbol).Msg("could not cache conid")
	}
	return conid, nil
}

func (ib *IBProvider) search(ctx context.Context, symbol string) (*ibSearchResult, error) {
	subLog := log.With().Str("Symbol", symbol).Logger()

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("secType", "STK")
	searchURL := fmt.Sprintf("%s/iserver/secdef/search?%s", ib.baseURL, query.Encode())

	var body []byte
	err := withRetries(ctx, subLog, func() error {
		var err error
		body, err = ib.get(ctx, searchURL)
		return err
	})
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not search ib gateway")
		return nil, err
	}

	results := []ibSearchResult{}
	if err := json.Unmarshal(body, &results); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not parse ib search response")
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	for idx := range results {
		result := &results[idx]
		if common.NormalizeSymbol(result.Symbol) == symbol && (result.SecType == "STK" || result.SecType == "") {
			return result, nil
		}
	}
	return nil, ErrSymbolNotFound
}

func (ib *IBProvider) get(ctx context.Context, requestURL string) ([]byte, error) {
	response, err := ib.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}

		resp, err := ib.client.Do(req)
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
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: gateway session is not authenticated", ErrValidation)
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

func ibBarSize(interval Interval) (string, error) {
	switch interval {
	case Interval1Min:
		return "1min", nil
	case Interval2Min:
		return "2min", nil
	case Interval5Min:
		return "5min", nil
	case Interval15Min:
		return "15min", nil
	case Interval30Min:
		return "30min", nil
	case Interval60Min, Interval1Hour:
		return "1h", nil
	case Interval1Day:
		return "1d", nil
	case Interval1Week:
		return "1w", nil
	case Interval1Month:
		return "1m", nil
	default:
		return "", fmt.Errorf("%w: ib gateway does not serve %s bars", ErrInvalidInterval, interval)
	}
}
