// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"sync"
	"syscall"
	"time"
)

var cpuMu sync.Mutex
var lastCPU time.Duration
var lastWall time.Time

// cpuPercent returns process CPU usage since the previous call, as a
// percentage of one core. The first call returns 0.
func cpuPercent() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	used := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	now := time.Now()

	cpuMu.Lock()
	defer cpuMu.Unlock()
	if lastWall.IsZero() {
		lastCPU, lastWall = used, now
		return 0
	}
	wall := now.Sub(lastWall)
	burn := used - lastCPU
	lastCPU, lastWall = used, now
	if wall <= 0 {
		return 0
	}
	return float64(burn) / float64(wall) * 100
}
