package ids

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := 0; i < total; i++ {
		generated[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		require.Len(t, generated[i], 26)
		_, err := ulid.Parse(generated[i])
		require.NoError(t, err)
	}

	for i := 1; i < total; i++ {
		assert.Less(t, generated[i-1], generated[i])
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestPrefixedIDs(t *testing.T) {
	msgID := NewMessageID()
	execID := NewExecutionID()

	assert.True(t, strings.HasPrefix(msgID, "msg_"))
	assert.True(t, strings.HasPrefix(execID, "exec_"))
	assert.True(t, strings.HasPrefix(NewValidationID(), "val_"))
	assert.True(t, strings.HasPrefix(NewTransformationID(), "xfm_"))

	ts, ok := Time(msgID)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestTimeRejectsGarbage(t *testing.T) {
	_, ok := Time("not-a-ulid")
	assert.False(t, ok)
}
