// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package governor

import (
	"strings"
	"testing"

	"github.com/engram-labs/engram/pkg/knowledge"
	"github.com/engram-labs/engram/pkg/memory"
)

func TestCountTokens(t *testing.T) {
	tc := GetTokenCounter()

	if got := tc.CountTokens(""); got != 0 {
		t.Errorf("empty string should cost 0 tokens, got %d", got)
	}

	short := tc.CountTokens("hello world")
	long := tc.CountTokens(strings.Repeat("hello world ", 50))
	if short <= 0 {
		t.Errorf("expected positive count, got %d", short)
	}
	if long <= short {
		t.Errorf("longer text should cost more: %d vs %d", long, short)
	}
}

func TestTurnAndPatternOverhead(t *testing.T) {
	tc := GetTokenCounter()

	turn := memory.Turn{Role: "user", Content: "hello"}
	if got, want := tc.TurnTokens(turn), tc.CountTokens("hello")+turnOverheadTokens; got != want {
		t.Errorf("TurnTokens = %d, want %d", got, want)
	}

	p := knowledge.Pattern{Title: "title", Body: "body"}
	want := tc.CountTokens("title") + tc.CountTokens("body") + patternOverheadTokens
	if got := tc.PatternTokens(p); got != want {
		t.Errorf("PatternTokens = %d, want %d", got, want)
	}
}

func TestEstimateSums(t *testing.T) {
	tc := GetTokenCounter()

	turns := []memory.Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}
	sum := 0
	for _, tr := range turns {
		sum += tc.TurnTokens(tr)
	}
	if got := tc.EstimateTurnsTokens(turns); got != sum {
		t.Errorf("EstimateTurnsTokens = %d, want %d", got, sum)
	}

	patterns := []knowledge.Pattern{
		{Title: "a", Body: "first"},
		{Title: "b", Body: "second"},
	}
	sum = 0
	for _, p := range patterns {
		sum += tc.PatternTokens(p)
	}
	if got := tc.EstimatePatternsTokens(patterns); got != sum {
		t.Errorf("EstimatePatternsTokens = %d, want %d", got, sum)
	}
}
