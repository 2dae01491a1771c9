// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semaphore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "stepagent"
	metricsSubsystem = "lock"
)

var (
	lockDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "decisions_total",
		Help:      "Arbitration decisions by outcome",
	}, []string{"decision"})

	lockRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "recoveries_total",
		Help:      "Locks taken from crashed, corrupt or timed out holders",
	}, []string{"reason"})

	lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "acquire_total",
		Help:      "Lock acquisition attempts by backend and result",
	}, []string{"backend", "result"})

	lockReleaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "release_total",
		Help:      "Lock releases by backend and result",
	}, []string{"backend", "result"})

	lockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a lock",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
	}, []string{"backend"})
)
