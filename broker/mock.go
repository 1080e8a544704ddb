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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockBroker fills every order immediately at the limit price (or a flat
// synthetic price for market orders). It keeps orders in memory so status
// and cancel behave like a real session.
type MockBroker struct {
	mutex  sync.Mutex
	status ConnStatus
	orders map[string]*OrderResult
}

// mockMarketFill is the synthetic fill price used when no limit is given.
const mockMarketFill = 100.0

func NewMockBroker() *MockBroker {
	return &MockBroker{
		status: StatusDisconnected,
		orders: make(map[string]*OrderResult),
	}
}

func (mock *MockBroker) Connect(_ context.Context) error {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()
	mock.status = StatusConnected
	return nil
}

func (mock *MockBroker) Disconnect(_ context.Context) error {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()
	mock.status = StatusDisconnected
	return nil
}

func (mock *MockBroker) PlaceOrder(_ context.Context, req *OrderRequest) (*OrderResult, error) {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()

	if mock.status != StatusConnected {
		return nil, ErrNotConnected
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrOrderRejected)
	}

	fillPrice := req.LimitPrice
	if req.OrderType == OrderMarket || fillPrice <= 0 {
		fillPrice = mockMarketFill
	}

	now := time.Now()
	result := &OrderResult{
		OrderID:   uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		State:     OrderFilled,
		FillPrice: fillPrice,
		FilledAt:  &now,
	}
	mock.orders[result.OrderID] = result
	return result, nil
}

func (mock *MockBroker) OrderStatus(_ context.Context, orderID string) (*OrderResult, error) {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()

	order, ok := mock.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (mock *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()

	order, ok := mock.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.State == OrderFilled {
		return fmt.Errorf("%w: order %s already filled", ErrOrderRejected, orderID)
	}
	order.State = OrderCancelled
	return nil
}

func (mock *MockBroker) Status() ConnStatus {
	mock.mutex.Lock()
	defer mock.mutex.Unlock()
	return mock.status
}
