package stats

import (
	"fmt"
	"io"
)

// ConsoleSink wraps a Registry and renders it as the reference's
// cache_stats(): one formatted line per counter/formula, in
// registration order.
type ConsoleSink struct {
	*Registry
}

// NewConsoleSink creates a ConsoleSink backed by a fresh Registry.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{Registry: NewRegistry()}
}

// WriteTo prints every registered metric's current value to w.
func (s *ConsoleSink) WriteTo(w io.Writer) error {
	for _, snap := range s.Snapshot() {
		if _, err := fmt.Fprintf(w, "%-32s %12.4f  # %s\n", snap.Name, snap.Value, snap.Help); err != nil {
			return err
		}
	}
	return nil
}
