// Copyright 2024 The Traceprof Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package vm

import "time"

// Clock provides the two time bases the core needs. Monotonic readings
// order samples and activations; the wall reading anchors emitted
// timestamps to the epoch.
type Clock interface {
	// HrTime returns monotonic nanoseconds from an arbitrary origin.
	HrTime() int64
	// WallTimeNanos returns wall-clock nanoseconds since the epoch.
	WallTimeNanos() int64
}

// SystemClock reads the process clocks.
type SystemClock struct {
	origin time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

func (c *SystemClock) HrTime() int64 {
	return int64(time.Since(c.origin))
}

func (c *SystemClock) WallTimeNanos() int64 {
	return time.Now().UnixNano()
}
