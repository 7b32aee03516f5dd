// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"sync"
	"time"
)

const (
	// DefaultMinHoldTime is the shortest non-zero hold time accepted from a
	// peer. RFC 4271 requires at least 3 seconds.
	DefaultMinHoldTime = 3 * time.Second
	// DefaultMinKeepAliveInterval is a lower bound on the computed keepalive
	// interval.
	DefaultMinKeepAliveInterval = 1 * time.Second
	// DefaultOpenHoldTime is how long an accepted connection may stay silent
	// before its OPEN arrives. RFC 4271 suggests 4 minutes.
	DefaultOpenHoldTime = 4 * time.Minute
	// defaultMessageTimeout is the timeout for most messages sent.
	defaultMessageTimeout = 30 * time.Second
	// defaultNotificationTimeout is the transmit timeout for NOTIFICATIONs.
	defaultNotificationTimeout = 3 * time.Second
)

// keepAliveInterval returns the interval between KEEPALIVEs for a negotiated
// hold time: a third of it in whole seconds but no less than floor. A zero
// hold time disables keepalives.
func keepAliveInterval(holdTime, floor time.Duration) time.Duration {
	if holdTime == 0 {
		return 0
	}
	secs := int64(holdTime/time.Second) / 3
	return max(time.Duration(secs)*time.Second, floor)
}

// A timer is a pending callback.
type timer interface {
	Stop() bool
}

// timerService schedules callbacks. Tests may substitute a manual clock.
type timerService interface {
	AfterFunc(d time.Duration, f func()) timer
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// sessionTimers holds the keepalive and hold timers of one session. All
// methods are safe to call concurrently and after stop.
type sessionTimers struct {
	svc timerService

	mu        sync.Mutex
	hold      timer
	keepAlive timer
	stopped   bool
}

func (t *sessionTimers) restartHold(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		t.hold.Stop()
		t.hold = nil
	}
	if t.stopped || d <= 0 {
		return
	}
	t.hold = t.svc.AfterFunc(d, f)
}

func (t *sessionTimers) scheduleKeepAlive(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keepAlive != nil {
		t.keepAlive.Stop()
		t.keepAlive = nil
	}
	if t.stopped || d <= 0 {
		return
	}
	t.keepAlive = t.svc.AfterFunc(d, f)
}

// stop cancels both timers. No timer is scheduled afterwards.
func (t *sessionTimers) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, tm := range []timer{t.hold, t.keepAlive} {
		if tm != nil {
			tm.Stop()
		}
	}
	t.hold = nil
	t.keepAlive = nil
}
