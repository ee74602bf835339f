package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	var km KeyedMutex[string]
	counts := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := []string{"a", "b"}[i%2]
			for j := 0; j < 100; j++ {
				unlock := km.Lock(key)
				*counts[key]++
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, *counts["a"])
	assert.Equal(t, 800, *counts["b"])
	assert.Zero(t, km.Len())
}
