package domain

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "domain.yml")
	require.NoError(t, os.WriteFile(path, []byte("intents: [greet]\n"), 0644))

	reloaded := make(chan *Domain, 4)
	w, err := NewWatcher(path, func(d *Domain) { reloaded <- d }, zap.NewNop())
	require.NoError(t, err)
	w.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("intents: [greet, bye]\n"), 0644))

	select {
	case d := <-reloaded:
		require.True(t, d.HasIntent("bye"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for domain reload")
	}
}

func TestWatcherKeepsPreviousDomainOnParseError(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "domain.yml")
	require.NoError(t, os.WriteFile(path, []byte("intents: [greet]\n"), 0644))

	reloaded := make(chan *Domain, 4)
	w, err := NewWatcher(path, func(d *Domain) { reloaded <- d }, zap.NewNop())
	require.NoError(t, err)
	w.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("intents: [greet, greet]\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid domain should not trigger a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
