package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "wand-monitor", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		got <- GetName(ctx)
	})
	assert.Equal(t, "wand-monitor", <-got)
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil is handled
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var done atomic.Int32

	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			done.Add(1)
		})
	}
	g.Wait()

	assert.Equal(t, int32(5), done.Load(), "Wait MUST return only after all goroutines finished")
}
