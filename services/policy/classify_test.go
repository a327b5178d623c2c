// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_FlagsEmbeddedProviderKey(t *testing.T) {
	hits := Classify("here's my key sk-" + "abcdefghijklmnopqrstuvwx")
	require.Contains(t, hits, "provider_credential")
}

func TestClassify_OrdinaryMessageHasNoHits(t *testing.T) {
	require.Empty(t, Classify("what's the weather like today?"))
}

func TestClassify_DoesNotModifyInput(t *testing.T) {
	msg := "please remember sk-" + "abcdefghijklmnopqrstuvwx" + " forever"
	_ = Classify(msg)
	require.Equal(t, "please remember sk-abcdefghijklmnopqrstuvwx forever", msg)
}
