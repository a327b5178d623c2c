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

func TestDefaultRegistry_ResolvesByModelPrefix(t *testing.T) {
	registry := NewDefaultRegistry(nil, nil)

	gpt, err := registry.Resolve("gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "openai", gpt.Name())

	claude, err := registry.Resolve("claude-3-5-sonnet")
	require.NoError(t, err)
	require.Equal(t, "anthropic", claude.Name())

	unrecognized, err := registry.Resolve("some-weird-model")
	require.NoError(t, err)
	require.Equal(t, "deepseek", unrecognized.Name(), "unmatched models fall back to DeepSeek")

	ds, err := registry.Resolve("deepseek-chat")
	require.NoError(t, err)
	require.Equal(t, "deepseek", ds.Name())
}

func TestNewRegistry_PanicsOnEmpty(t *testing.T) {
	require.Panics(t, func() { NewRegistry() })
}
