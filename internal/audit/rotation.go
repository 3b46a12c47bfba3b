package audit

// DefaultMaxFileBytes is the rotation threshold used when none is configured.
const DefaultMaxFileBytes int64 = 32 << 20

// RotationPolicy decides whether the live file must be rotated before the
// next write.
//
// MaxFileBytes == 0 means DefaultMaxFileBytes; a negative value disables
// rotation entirely.
type RotationPolicy struct {
	MaxFileBytes int64
}

// Limit returns the effective threshold, or -1 when rotation is disabled.
func (p RotationPolicy) Limit() int64 {
	switch {
	case p.MaxFileBytes == 0:
		return DefaultMaxFileBytes
	case p.MaxFileBytes < 0:
		return -1
	default:
		return p.MaxFileBytes
	}
}

// ShouldRotate is evaluated before each write with the live file's current
// size and the size of the pending line. An empty file is never rotated, so
// the first write always lands in place even when a single entry is larger
// than the threshold.
func (p RotationPolicy) ShouldRotate(currentSize, pendingSize int64) bool {
	limit := p.Limit()
	if limit < 0 || currentSize <= 0 {
		return false
	}
	return currentSize+pendingSize > limit
}
