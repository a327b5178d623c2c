// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetry_ServerErrorsAndTransportFailuresRetry(t *testing.T) {
	require.True(t, shouldRetry(http.StatusInternalServerError, nil).Retryable)
	require.True(t, shouldRetry(http.StatusTooManyRequests, nil).Retryable)
	require.True(t, shouldRetry(0, errors.New("dial tcp: timeout")).Retryable)
	require.False(t, shouldRetry(http.StatusOK, nil).Retryable)
	require.False(t, shouldRetry(http.StatusBadRequest, nil).Retryable)
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second}
	for attempt := 0; attempt < 6; attempt++ {
		d := p.backoff(attempt, 0)
		require.LessOrEqual(t, d, p.MaxDelay+p.MaxDelay*3/10)
	}
}

func TestBackoff_RetryAfterOverridesComputedDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 5*time.Second, p.backoff(0, 5))
}

func TestWithRetry_StopsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (int, int, error) {
		attempts++
		return http.StatusInternalServerError, 0, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_StopsImmediatelyOnNonRetryableStatus(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), DefaultRetryPolicy(), func() (int, int, error) {
		attempts++
		return http.StatusBadRequest, 0, errors.New("bad request")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_SucceedsOnLaterAttempt(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (int, int, error) {
		attempts++
		if attempts < 2 {
			return http.StatusInternalServerError, 0, errors.New("transient")
		}
		return http.StatusOK, 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}, func() (int, int, error) {
		return http.StatusInternalServerError, 0, errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
}
