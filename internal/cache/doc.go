// Package cache provides a small generic LRU cache.
//
// It memoizes derived values such as reflected pipeline layouts, where
// building a value is far more expensive than looking it up and a failed
// build must not be remembered.
//
//	c := cache.New[string, *layout.PipelineLayout](64)
//	l, err := c.GetOrCreate(src, func() (*layout.PipelineLayout, error) {
//	    return layout.FromWGSL("", src)
//	})
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
