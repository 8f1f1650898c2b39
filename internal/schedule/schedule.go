// Package schedule parses the next-run expressions accepted by
// `quill project schedule --next`.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseNextRun resolves expr relative to now. It accepts, in order:
// an RFC 3339 timestamp, a Go duration ("90m", read as now+d) and natural
// language ("tomorrow 9am", "next monday").
func ParseNextRun(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty schedule expression")
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration %q must be positive", expr)
		}
		return now.Add(d).UTC(), nil
	}

	r, err := parser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized schedule expression %q", expr)
	}
	if !r.Time.After(now) {
		return time.Time{}, fmt.Errorf("%q resolves to %s, which is not in the future", expr, r.Time.Format(time.RFC3339))
	}
	return r.Time.UTC(), nil
}
