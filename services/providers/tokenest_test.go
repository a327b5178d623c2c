// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokens_NonEmptyTextCountsAtLeastOneToken(t *testing.T) {
	require.Greater(t, EstimateTokens("hello, world"), 0)
}

func TestEstimateTokens_EmptyTextIsZero(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
}

func TestEstimateTokens_LongerTextCountsMoreTokens(t *testing.T) {
	short := EstimateTokens("hi")
	long := EstimateTokens("hi there, this is a considerably longer sentence with many more words in it")
	require.Greater(t, long, short)
}
