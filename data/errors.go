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

import "errors"

var (
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrInvalidInterval  = errors.New("unsupported bar interval")
	ErrInvalidTimeRange = errors.New("start must be before end")
	ErrIntradayRange    = errors.New("intraday history is limited to 60 days")
	ErrValidation       = errors.New("provider rejected request")
	ErrRateLimited      = errors.New("provider rate limit exceeded")
	ErrTransport        = errors.New("provider request failed")
	ErrUnknownProvider  = errors.New("unknown market data provider")
	ErrNoBars           = errors.New("no bars available for range")
)

// Retryable reports whether an error is worth retrying with backoff. Only
// transport failures and rate limits qualify; validation and not-found
// errors are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}
