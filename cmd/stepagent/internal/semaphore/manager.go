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
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stepagent.semaphore")

// Manager acquires named locks.
//
// # Description
//
// Every call creates a fresh Semaphore, so two goroutines in one process
// exclude each other just as two processes do. Obtain a Manager from a
// Factory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, name, waitDescription string) (*Handle, error)

	// TryAcquire makes one attempt. A contended lock returns a *LockError
	// wrapping ErrLockHeld.
	TryAcquire(name string) (*Handle, error)

	// AcquireTimeout waits up to timeout. Expiry returns a *LockError
	// wrapping ErrLockTimeout.
	AcquireTimeout(name string, timeout time.Duration) (*Handle, error)

	// Backend reports the backend in use.
	Backend() Backend
}

// holderReporter is implemented by semaphores that can name the current
// holder of their lock.
type holderReporter interface {
	Holder() *Identity
}

type semaphoreManager struct {
	backend      Backend
	logger       *slog.Logger
	newSemaphore func(name string) (Semaphore, error)
}

func (m *semaphoreManager) Backend() Backend { return m.backend }

func (m *semaphoreManager) Acquire(ctx context.Context, name, waitDescription string) (*Handle, error) {
	ctx, span := m.startSpan(ctx, "semaphore.Acquire", name)
	defer span.End()

	sem, err := m.newSemaphore(name)
	if err != nil {
		return nil, m.fail(span, err)
	}

	start := time.Now()
	err = sem.Wait(ctx, waitDescription)
	lockWaitSeconds.WithLabelValues(string(m.backend)).Observe(time.Since(start).Seconds())
	if err != nil {
		result := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = "canceled"
		}
		lockAcquireTotal.WithLabelValues(string(m.backend), result).Inc()
		return nil, m.fail(span, err)
	}
	return m.acquired(span, sem), nil
}

func (m *semaphoreManager) TryAcquire(name string) (*Handle, error) {
	_, span := m.startSpan(context.Background(), "semaphore.TryAcquire", name)
	defer span.End()

	sem, err := m.newSemaphore(name)
	if err != nil {
		return nil, m.fail(span, err)
	}
	ok, err := sem.TryAcquire()
	if err != nil {
		lockAcquireTotal.WithLabelValues(string(m.backend), "error").Inc()
		return nil, m.fail(span, err)
	}
	if !ok {
		lockAcquireTotal.WithLabelValues(string(m.backend), "held").Inc()
		return nil, m.fail(span, &LockError{Name: name, Holder: holderOf(sem), Err: ErrLockHeld})
	}
	return m.acquired(span, sem), nil
}

func (m *semaphoreManager) AcquireTimeout(name string, timeout time.Duration) (*Handle, error) {
	_, span := m.startSpan(context.Background(), "semaphore.AcquireTimeout", name)
	defer span.End()
	span.SetAttributes(attribute.String("lock.timeout", timeout.String()))

	sem, err := m.newSemaphore(name)
	if err != nil {
		return nil, m.fail(span, err)
	}

	start := time.Now()
	ok, err := sem.WaitOne(timeout)
	lockWaitSeconds.WithLabelValues(string(m.backend)).Observe(time.Since(start).Seconds())
	if err != nil {
		lockAcquireTotal.WithLabelValues(string(m.backend), "error").Inc()
		return nil, m.fail(span, err)
	}
	if !ok {
		lockAcquireTotal.WithLabelValues(string(m.backend), "timeout").Inc()
		return nil, m.fail(span, &LockError{Name: name, Holder: holderOf(sem), Err: ErrLockTimeout})
	}
	return m.acquired(span, sem), nil
}

func (m *semaphoreManager) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("lock.name", name),
			attribute.String("lock.backend", string(m.backend)),
		),
	)
}

func (m *semaphoreManager) acquired(span trace.Span, sem Semaphore) *Handle {
	lockAcquireTotal.WithLabelValues(string(m.backend), "acquired").Inc()
	span.SetStatus(codes.Ok, "")
	m.logger.Debug("Lock acquired",
		"lock", sem.Name(),
		"backend", string(m.backend))
	return newHandle(sem, m.backend, m.logger)
}

func (m *semaphoreManager) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func holderOf(sem Semaphore) *Identity {
	if hr, ok := sem.(holderReporter); ok {
		return hr.Holder()
	}
	return nil
}
