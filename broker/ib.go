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

package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
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

// IBBroker places orders through the Interactive Brokers Client Portal
// gateway REST API. The session must already be authenticated in the
// gateway; Connect only verifies the configured account is reachable.
type IBBroker struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
	account string

	mutex  sync.Mutex
	status ConnStatus
}

func NewIBBroker() *IBBroker {
	baseURL := viper.GetString("ib.gateway_url")
	if baseURL == "" {
		baseURL = "https://localhost:5000/v1/api"
	}

	return &IBBroker{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// the local gateway serves a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ib-broker",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
		}),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		account: viper.GetString("ib.account"),
		status:  StatusDisconnected,
	}
}

type ibAccountsResponse struct {
	Accounts []string `json:"accounts"`
}

type ibOrderResponse struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
}

type ibOrderStatusResponse struct {
	OrderStatus  string      `json:"order_status"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	TotalSize    json.Number `json:"total_size"`
	AveragePrice json.Number `json:"average_price"`
}

type ibSecdefResult struct {
	ConID   json.Number `json:"conid"`
	Symbol  string      `json:"symbol"`
	SecType string      `json:"secType"`
}

// Connect verifies the gateway session and that the configured account is
// among the session's managed accounts.
func (ib *IBBroker) Connect(ctx context.Context) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "broker.ib.Connect")
	defer span.End()

	if ib.account == "" {
		return fmt.Errorf("%w: ib.account is not configured", ErrAccountMismatch)
	}

	body, err := ib.request(ctx, http.MethodGet, fmt.Sprintf("%s/iserver/accounts", ib.baseURL), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accounts request failed")
		log.Error().Stack().Err(err).Msg("could not query managed accounts from ib gateway")
		return err
	}

	accounts := ibAccountsResponse{}
	if err := json.Unmarshal(body, &accounts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accounts response malformed")
		return fmt.Errorf("could not parse managed accounts response: %w", err)
	}

	found := false
	for _, account := range accounts.Accounts {
		if account == ib.account {
			found = true
			break
		}
	}
	if !found {
		err := fmt.Errorf("%w: %s not in %v", ErrAccountMismatch, ib.account, accounts.Accounts)
		span.RecordError(err)
		span.SetStatus(codes.Error, "account mismatch")
		return err
	}

	ib.mutex.Lock()
	ib.status = StatusConnected
	ib.mutex.Unlock()

	log.Info().Str("Account", ib.account).Msg("connected to ib gateway")
	return nil
}

func (ib *IBBroker) Disconnect(_ context.Context) error {
	ib.mutex.Lock()
	defer ib.mutex.Unlock()
	ib.status = StatusDisconnected
	return nil
}

func (ib *IBBroker) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "broker.ib.PlaceOrder")
	defer span.End()

	if ib.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	symbol := common.NormalizeSymbol(req.Symbol)
	subLog := log.With().Str("Symbol", symbol).Str("Side", string(req.Side)).Int("Quantity", req.Quantity).Logger()

	conid, err := ib.resolveConID(ctx, symbol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conid resolution failed")
		return nil, err
	}

	order := map[string]interface{}{
		"conid":     conid,
		"secType":   fmt.Sprintf("%d:STK", conid),
		"orderType": string(req.OrderType),
		"side":      string(req.Side),
		"quantity":  req.Quantity,
		"tif":       "DAY",
	}
	if req.OrderType == OrderLimit {
		order["price"] = req.LimitPrice
	}
	payload, err := json.Marshal(map[string]interface{}{"orders": []interface{}{order}})
	if err != nil {
		return nil, err
	}

	orderURL := fmt.Sprintf("%s/iserver/account/%s/orders", ib.baseURL, url.PathEscape(ib.account))
	body, err := ib.request(ctx, http.MethodPost, orderURL, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order request failed")
		subLog.Error().Stack().Err(err).Msg("could not place order with ib gateway")
		return nil, err
	}

	responses := []ibOrderResponse{}
	if err := json.Unmarshal(body, &responses); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order response malformed")
		subLog.Error().Stack().Err(err).Msg("could not parse ib order response")
		return nil, fmt.Errorf("could not parse order response: %w", err)
	}
	if len(responses) == 0 || responses[0].OrderID == "" {
		return nil, fmt.Errorf("%w: gateway returned no order id", ErrOrderRejected)
	}

	subLog.Info().Str("OrderID", responses[0].OrderID).Msg("order placed with ib gateway")
	return &OrderResult{
		OrderID:  responses[0].OrderID,
		Symbol:   symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		State:    ibOrderState(responses[0].OrderStatus),
	}, nil
}

func (ib *IBBroker) OrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "broker.ib.OrderStatus")
	defer span.End()

	if ib.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	statusURL := fmt.Sprintf("%s/iserver/account/order/status/%s", ib.baseURL, url.PathEscape(orderID))
	body, err := ib.request(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status request failed")
		return nil, err
	}

	status := ibOrderStatusResponse{}
	if err := json.Unmarshal(body, &status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status response malformed")
		return nil, fmt.Errorf("could not parse order status response: %w", err)
	}

	result := &OrderResult{
		OrderID: orderID,
		Symbol:  common.NormalizeSymbol(status.Symbol),
		Side:    Side(strings.ToUpper(status.Side)),
		State:   ibOrderState(status.OrderStatus),
	}
	if quantity, err := status.TotalSize.Int64(); err == nil {
		result.Quantity = int(quantity)
	}
	if price, err := status.AveragePrice.Float64(); err == nil {
		result.FillPrice = price
	}
	return result, nil
}

func (ib *IBBroker) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "broker.ib.CancelOrder")
	defer span.End()

	if ib.Status() != StatusConnected {
		return ErrNotConnected
	}

	cancelURL := fmt.Sprintf("%s/iserver/account/%s/order/%s", ib.baseURL, url.PathEscape(ib.account), url.PathEscape(orderID))
	if _, err := ib.request(ctx, http.MethodDelete, cancelURL, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel request failed")
		log.Error().Stack().Err(err).Str("OrderID", orderID).Msg("could not cancel order with ib gateway")
		return err
	}
	return nil
}

func (ib *IBBroker) Status() ConnStatus {
	ib.mutex.Lock()
	defer ib.mutex.Unlock()
	return ib.status
}

// resolveConID maps a ticker to the gateway's contract id.
func (ib *IBBroker) resolveConID(ctx context.Context, symbol string) (int64, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("secType", "STK")
	searchURL := fmt.Sprintf("%s/iserver/secdef/search?%s", ib.baseURL, query.Encode())

	body, err := ib.request(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return 0, err
	}

	results := []ibSecdefResult{}
	if err := json.Unmarshal(body, &results); err != nil {
		return 0, fmt.Errorf("could not parse secdef search response: %w", err)
	}

	for idx := range results {
		result := &results[idx]
		if common.NormalizeSymbol(result.Symbol) == symbol && (result.SecType == "STK" || result.SecType == "") {
			conid, err := result.ConID.Int64()
			if err != nil {
				return 0, fmt.Errorf("malformed conid %q for %s", result.ConID.String(), symbol)
			}
			return conid, nil
		}
	}
	return 0, fmt.Errorf("%w: no contract found for %s", ErrOrderRejected, symbol)
}

func (ib *IBBroker) request(ctx context.Context, method, requestURL string, payload []byte) ([]byte, error) {
	response, err := ib.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := ib.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, errors.New("gateway session is not authenticated")
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrOrderNotFound
		default:
			return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("ib gateway circuit open: %w", err)
		}
		return nil, err
	}
	return response.([]byte), nil
}

func ibOrderState(status string) OrderState {
	switch strings.ToLower(status) {
	case "filled":
		return OrderFilled
	case "cancelled", "canceled":
		return OrderCancelled
	default:
		return OrderSubmitted
	}
}
