package trace

// Frame is the position assigned to a newly opened instruction.
type Frame struct {
	Ordinal       uint32
	ParentOrdinal uint32
	Depth         uint32
}

// CallStack tracks the open instructions of one transaction and hands out ordinals.
// Ordinals are pre-order: assigned when a frame opens, starting at 1, never reused.
// The zero value is ready to use.
type CallStack struct {
	assigned uint32
	open     []uint32
}

// Open pushes a new frame and returns its ordinal, parent ordinal and depth.
func (c *CallStack) Open() Frame {
	var parent uint32
	if n := len(c.open); n > 0 {
		parent = c.open[n-1]
	}
	c.assigned++
	f := Frame{
		Ordinal:       c.assigned,
		ParentOrdinal: parent,
		Depth:         uint32(len(c.open)),
	}
	c.open = append(c.open, f.Ordinal)
	return f
}

// Close pops the innermost open frame and returns its ordinal.
func (c *CallStack) Close() (uint32, error) {
	n := len(c.open)
	if n == 0 {
		return 0, &ProtocolError{Kind: UnbalancedFrame, Detail: "end instruction without open instruction"}
	}
	ordinal := c.open[n-1]
	c.open = c.open[:n-1]
	return ordinal, nil
}

// Top returns the ordinal of the innermost open frame.
func (c *CallStack) Top() (uint32, bool) {
	n := len(c.open)
	if n == 0 {
		return 0, false
	}
	return c.open[n-1], true
}

// Len is the number of open frames.
func (c *CallStack) Len() int {
	return len(c.open)
}

// Assigned is the number of ordinals handed out so far.
func (c *CallStack) Assigned() uint32 {
	return c.assigned
}
