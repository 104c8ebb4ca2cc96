package nbx

// MapConfig defines configurable options for MapOf and SetOf creation.
type MapConfig struct {
	sizeHint int
}

// WithPresize configures the instance with capacity for sizeHint entries
// up front, avoiding early resizes. The hint is rounded up to a power of
// two. Zero or negative hints select the default capacity; hints above
// 2^26 are out of range and panic at construction.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}
