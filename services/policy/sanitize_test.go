// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize_StripsAngleBracketRuns(t *testing.T) {
	got, err := Sanitize("hello <script>alert(1)</script> world")
	require.NoError(t, err)
	require.Equal(t, "hello alert(1) world", got)
}

func TestSanitize_RejectsEmpty(t *testing.T) {
	_, err := Sanitize("")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSanitize_RejectsAllTagsNoContent(t *testing.T) {
	_, err := Sanitize("<tag></tag>")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSanitize_RejectsOverLength(t *testing.T) {
	_, err := Sanitize(strings.Repeat("a", maxMessageCodePoints+1))
	require.ErrorIs(t, err, ErrMessageTooLong)
}

func TestSanitize_AcceptsExactlyAtLimit(t *testing.T) {
	got, err := Sanitize(strings.Repeat("a", maxMessageCodePoints))
	require.NoError(t, err)
	require.Len(t, []rune(got), maxMessageCodePoints)
}

func TestSanitize_LengthCheckedAfterStripping(t *testing.T) {
	// The tag itself pushes the raw length over the limit, but the
	// sanitized content is well under it.
	message := "<" + strings.Repeat("x", maxMessageCodePoints) + ">hi"
	got, err := Sanitize(message)
	require.NoError(t, err)
	require.Equal(t, "hi", got)
}
