//go:build nbx_opt_cachelinesize_128

package nbx

const CacheLineSize = 128
