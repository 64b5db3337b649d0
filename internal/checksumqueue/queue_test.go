package checksumqueue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueComputesChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	q := New(nil)
	q.Start(context.Background())
	defer q.Stop()

	sum, err := q.Enqueue(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, sum)

	// A second hash of the same content must match (deterministic).
	sum2, err := q.Enqueue(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, sum, sum2)
}

func TestQueue_MissingFileReturnsError(t *testing.T) {
	q := New(nil)
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(context.Background(), "/does/not/exist")
	require.Error(t, err)
}

func TestQueue_SerializesConcurrentRequests(t *testing.T) {
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 8; i++ {
		p := filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(p, []byte{byte(i)}, 0o644))
		paths = append(paths, p)
	}

	q := New(nil)
	q.Start(context.Background())
	defer q.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, len(paths))

	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), p)
			errs <- err
		}(p)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestQueue_StopUnblocksPendingEnqueue(t *testing.T) {
	q := New(nil)
	q.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Stop is called right below, so the worker may or may not get to
		// this request; either way Stop() must not leave the caller hanging.
		_, _ = q.Enqueue(context.Background(), "/tmp/whatever-checksumqueue-test")
	}()

	q.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue did not unblock after Stop")
	}
}

func TestQueue_InFlightIsZeroWhenIdle(t *testing.T) {
	q := New(nil)
	require.EqualValues(t, 0, q.InFlight())
}
