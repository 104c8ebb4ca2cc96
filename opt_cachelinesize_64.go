//go:build nbx_opt_cachelinesize_64

package nbx

// CacheLineSize can be pinned at build time when the target's line size
// is known to differ from what golang.org/x/sys/cpu reports.
const CacheLineSize = 64
