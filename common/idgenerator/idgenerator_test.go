package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeUnique(t *testing.T) {
	gen, err := NewSnowflake(3, 1)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				id, err := gen.NextId()
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8000)
}

func TestSnowflakeRange(t *testing.T) {
	_, err := NewSnowflake(MaxNodeId+1, 0)
	assert.Error(t, err)
	_, err = NewSnowflake(0, MaxDataCenterId+1)
	assert.Error(t, err)
}

func TestUUID(t *testing.T) {
	gen := NewUUID()
	a, err := gen.NextId()
	require.NoError(t, err)
	b, err := gen.NextId()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
