// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLedger_AdmitsFirstRequest(t *testing.T) {
	ledger := NewRateLedger()
	admitted, wait := ledger.Check("client-1", time.Now())
	require.True(t, admitted)
	require.Zero(t, wait)
}

func TestRateLedger_RefusesWithinMinInterval(t *testing.T) {
	ledger := NewRateLedger()
	now := time.Now()
	admitted, _ := ledger.Check("client-1", now)
	require.True(t, admitted)

	admitted, wait := ledger.Check("client-1", now.Add(5*time.Second))
	require.False(t, admitted)
	require.InDelta(t, 5.0, wait, 0.01)
}

func TestRateLedger_AdmitsAfterMinInterval(t *testing.T) {
	ledger := NewRateLedger()
	now := time.Now()
	ledger.Check("client-1", now)

	admitted, _ := ledger.Check("client-1", now.Add(11*time.Second))
	require.True(t, admitted)
}

func TestRateLedger_ClientsAreIndependent(t *testing.T) {
	ledger := NewRateLedger()
	now := time.Now()
	admitted1, _ := ledger.Check("client-1", now)
	admitted2, _ := ledger.Check("client-2", now)
	require.True(t, admitted1)
	require.True(t, admitted2)
}

func TestRateLedger_PrunesEntriesOlderThanWindow(t *testing.T) {
	ledger := NewRateLedger()
	now := time.Now()
	ledger.Check("client-1", now)

	admitted, _ := ledger.Check("client-1", now.Add(pruneWindow+time.Second))
	require.True(t, admitted, "an entry older than the prune window must not block a later request")

	ledger.mu.Lock()
	count := len(ledger.byClient["client-1"])
	ledger.mu.Unlock()
	require.Equal(t, 1, count, "stale entries should have been pruned, leaving only the new admission")
}
