package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"config", Config("missing rpc url for chain %d", 1), KindConfig},
		{"upstream", Upstream("pools fetch failed", errors.New("503")), KindUpstream},
		{"chain retriable", Chain("rpc timeout", errors.New("deadline"), true), KindChain},
		{"consensus", Consensus("no candidate above threshold"), KindConsensus},
		{"state", State("illegal transition %s -> %s", "Created", "InFlight"), KindState},
		{"cancelled", Cancelled(context.Canceled), KindCancelled},
		{"plain error", errors.New("boom"), Kind("")},
		{"nil", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrappingPreservesKind(t *testing.T) {
	base := Upstream("yield api unavailable", errors.New("connection refused"))
	wrapped := fmt.Errorf("feed poll: %w", base)

	assert.Equal(t, KindUpstream, KindOf(wrapped))
	assert.True(t, IsRetriable(wrapped))
	assert.Equal(t, "yield api unavailable", ReasonOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.ErrorContains(t, e, "connection refused")
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FromContext(ctx.Err())
	assert.Equal(t, KindCancelled, KindOf(err))

	plain := errors.New("not a ctx error")
	assert.Equal(t, plain, FromContext(plain))
	assert.NoError(t, FromContext(nil))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(Upstream("timeout", nil)))
	assert.True(t, IsRetriable(Chain("nonce too low", nil, true)))
	assert.False(t, IsRetriable(Chain("execution reverted", nil, false)))
	assert.False(t, IsRetriable(State("double submit")))
	assert.False(t, IsRetriable(errors.New("unclassified")))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(Config("bad threshold")))
	assert.Equal(t, ExitUpstream, ExitCode(Upstream("startup fetch", nil)))
	assert.Equal(t, ExitInternal, ExitCode(State("bad transition")))
	assert.Equal(t, ExitInternal, ExitCode(errors.New("anything else")))

	// Wrapping must not change the exit code.
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("load: %w", Config("bad"))))
}

func TestReasonOfPlainError(t *testing.T) {
	assert.Equal(t, "plain failure", ReasonOf(errors.New("plain failure")))
	assert.Equal(t, "", ReasonOf(nil))
}
