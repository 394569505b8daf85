package core

import "sync/atomic"

// Sequence issues the monotonically increasing message numbers stamped on
// outbound POS frames. The zero value is ready to use; numbers restart on
// process restart because replies are correlated per connection, not across
// runs.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the most recently issued number.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}
