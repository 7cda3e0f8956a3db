// internal/decision/rules.go
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Rules returns the deterministic fallback backend. It renders the facts
// into a terse recommendation without any external call, which keeps the
// core testable offline and makes scoring-path tests reproducible.
func Rules() Func {
	return func(_ context.Context, req Request) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s", req.Role, req.Prompt)

		if len(req.Facts) > 0 {
			keys := make([]string, 0, len(req.Facts))
			for k := range req.Facts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" |")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, req.Facts[k])
			}
		}
		return b.String(), nil
	}
}
