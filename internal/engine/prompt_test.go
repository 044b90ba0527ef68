package engine

import (
	"context"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptBoardConfirm(t *testing.T) {
	b := NewPromptBoard(util.Discard())
	assert.False(t, b.Confirm("A"))

	done := make(chan error, 1)
	go func() { done <- b.Ask(context.Background(), "A", "replace reagent rack", 0) }()
	require.Eventually(t, func() bool { return len(b.Open()) == 1 }, time.Second, time.Millisecond)

	open := b.Open()[0]
	assert.Equal(t, "replace reagent rack", open.Message)
	assert.True(t, open.Deadline.IsZero())
	assert.True(t, b.Confirm("A"))
	require.NoError(t, <-done)
	assert.Empty(t, b.Open())
}

func TestPromptBoardTimeoutAndCancel(t *testing.T) {
	b := NewPromptBoard(util.Discard())

	err := b.Ask(context.Background(), "A", "check bubbles", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrPromptTimeout)
	assert.Empty(t, b.Open())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Ask(ctx, "B", "wait", time.Hour) }()
	require.Eventually(t, func() bool { return len(b.Open()) == 1 }, time.Second, time.Millisecond)
	assert.False(t, b.Open()[0].Deadline.IsZero())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, b.Confirm("B"))
}
