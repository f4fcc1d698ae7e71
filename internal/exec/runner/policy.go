// Copyright 2026 fanjia1024
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

package runner

import (
	"math"
	"time"
)

// RetryPolicy 沙箱可重试失败的退避策略
type RetryPolicy struct {
	// MaxAttempts 最大尝试次数（含首次），<=0 视为 1
	MaxAttempts int
	// InitialDelay 第一次重试前的等待
	InitialDelay time.Duration
	// BackoffFactor 每次重试的乘数，<1 视为 1
	BackoffFactor float64
	// MaxDelay 等待上限，0 表示不设上限
	MaxDelay time.Duration
}

// DefaultRetryPolicy 与 configs/exec.yaml 的默认值一致
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
	}
}

// Attempts 归一化后的最大尝试次数
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay 第 attempt 次尝试失败后的等待：initial * factor^(attempt-1)，不超过 MaxDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
