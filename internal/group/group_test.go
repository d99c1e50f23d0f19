package group

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestGroup(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("first return cancels the rest", func(t *testing.T) {
		require := require.New(t)
		g := New(context.Background(), logger)
		g.Go("waiter", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		g.Go("quitter", func(context.Context) error { return nil })
		require.NoError(g.Wait())
	})
	t.Run("errors are returned", func(t *testing.T) {
		require := require.New(t)
		boom := errors.New("boom")
		g := New(context.Background(), logger)
		g.Go("waiter", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		g.Go("failer", func(context.Context) error { return boom })
		err := g.Wait()
		require.ErrorIs(err, boom)
		require.ErrorIs(err, context.Canceled)
	})
	t.Run("parent cancellation stops the group", func(t *testing.T) {
		require := require.New(t)
		ctx, cancel := context.WithCancel(context.Background())
		g := New(ctx, logger)
		g.Go("waiter", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		cancel()
		require.NoError(g.Wait())
	})
}
