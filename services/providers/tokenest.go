// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens counts text's tokens under the cl100k_base encoding used by
// GPT-3.5/4-family models, for pre-call observability (logging an expected
// prompt size before dispatch) — it never substitutes for the spec's
// conservative 1000-token default applied when a provider's response omits
// a usage block (costForModel's rule, left untouched). Falls back to a
// ~4-bytes-per-token heuristic if the encoding table fails to load.
func EstimateTokens(text string) int {
	enc := cl100kEncoding()
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

var (
	cl100kOnce sync.Once
	cl100k     *tiktoken.Tiktoken
)

func cl100kEncoding() *tiktoken.Tiktoken {
	cl100kOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			cl100k = enc
		}
	})
	return cl100k
}
