package db

import (
	"strings"
	"sync"
	"testing"
)

// TestRandomIDConcurrent generates IDs from several goroutines at once, the
// way concurrent imports do. The race detector covers the generator state;
// the assertions cover length and charset.
func TestRandomIDConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	ids := make([][]string, 8)
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ids[n] = append(ids[n], RandomID(10))
			}
		}(n)
	}
	wg.Wait()

	for _, batch := range ids {
		equals(t, 100, len(batch))
		for _, id := range batch {
			equals(t, 10, len(id))
			for i := 0; i < len(id); i++ {
				assert(t, strings.IndexByte(idCharset, id[i]) >= 0, "id %q contains a byte outside the charset", id)
			}
		}
	}
}
