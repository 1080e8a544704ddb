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

// Package broker abstracts order execution. The screening and simulation
// paths never place orders; the broker sits off the hot path behind the
// account endpoints and future execution hooks.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownBroker   = errors.New("unknown broker type")
	ErrNotConnected    = errors.New("broker is not connected")
	ErrAccountMismatch = errors.New("configured account is not in the session's managed accounts")
	ErrInvalidPort     = errors.New("gateway port does not match the account type")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderRejected   = errors.New("order rejected")
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the execution style.
type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
)

// OrderState is the lifecycle state of a placed order.
type OrderState string

const (
	OrderSubmitted OrderState = "submitted"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
)

// ConnStatus reports the broker session state.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnected    ConnStatus = "connected"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   int       `json:"quantity"`
	OrderType  OrderType `json:"order_type"`
	LimitPrice float64   `json:"limit_price,omitempty"`
}

// OrderResult is the broker's view of an order.
type OrderResult struct {
	OrderID   string     `json:"order_id"`
	Symbol    string     `json:"symbol"`
	Side      Side       `json:"side"`
	Quantity  int        `json:"quantity"`
	State     OrderState `json:"state"`
	FillPrice float64    `json:"fill_price,omitempty"`
	FilledAt  *time.Time `json:"filled_at,omitempty"`
}

// Broker is the execution capability.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	Status() ConnStatus
}

// New builds the configured broker. An empty kind defaults to the mock.
func New(kind string) (Broker, error) {
	switch kind {
	case "", "mock":
		return NewMockBroker(), nil
	case "ib":
		return NewIBBroker(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, kind)
	}
}

// ValidatePortForAccount enforces the gateway port convention: paper
// accounts (DU…) connect on 4001, live accounts (U…) on 4002.
func ValidatePortForAccount(account string, port int) error {
	switch {
	case strings.HasPrefix(account, "DU"):
		if port != 4001 {
			return fmt.Errorf("%w: paper account %s requires port 4001, got %d", ErrInvalidPort, account, port)
		}
	case strings.HasPrefix(account, "U"):
		if port != 4002 {
			return fmt.Errorf("%w: live account %s requires port 4002, got %d", ErrInvalidPort, account, port)
		}
	}
	return nil
}
