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
package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/engram-labs/engram/pkg/distill"
)

// Absorb persists the candidates distilled from an evicted conversation.
// Pattern candidates go through the normal Upsert path (so near-duplicates
// merge); edge candidates accumulate into relationship edges. Absorption is
// best-effort per candidate: one bad candidate doesn't drop the rest, and
// the first error is returned after the sweep.
func (g *Graph) Absorb(ctx context.Context, res distill.Result) error {
	var firstErr error

	for _, c := range res.Patterns {
		p := Pattern{
			Title:      c.Title,
			Body:       c.Body,
			Scope:      ScopeNamespace,
			Namespaces: c.Namespaces,
			Confidence: c.Confidence,
		}
		if len(c.Namespaces) == 0 {
			// A candidate with no consumer scope applies everywhere.
			p.Scope = ScopeCore
		}
		if _, err := g.Upsert(ctx, p); err != nil {
			g.logger.Warn("failed to absorb pattern candidate",
				zap.String("title", c.Title), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("absorb pattern %q: %w", c.Title, err)
			}
		}
	}

	for _, e := range res.Edges {
		if err := g.ObserveEdge(ctx, e.Subject, e.Object, e.CoOccurrence); err != nil {
			g.logger.Warn("failed to absorb edge candidate",
				zap.String("subject", e.Subject),
				zap.String("object", e.Object),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("absorb edge %s->%s: %w", e.Subject, e.Object, err)
			}
		}
	}

	return firstErr
}
