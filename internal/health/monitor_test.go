package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorConvergesSuspectThenDead(t *testing.T) {
	var mu sync.Mutex
	failing := map[string]bool{"srv-1": true}

	m := New(Config{Interval: time.Hour, SuspectThreshold: 2, DeadThreshold: 3}, func(ctx context.Context, server string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing[server] {
			return errors.New("unreachable")
		}
		return nil
	}, []string{"srv-0", "srv-1"})

	require.Equal(t, StatusAlive, m.Status("srv-0"))
	require.Equal(t, StatusAlive, m.Status("srv-1"))

	m.PollOnce(context.Background())
	require.Equal(t, StatusAlive, m.Status("srv-1")) // 1 failure, below suspect threshold

	m.PollOnce(context.Background())
	require.Equal(t, StatusSuspect, m.Status("srv-1")) // 2 failures

	m.PollOnce(context.Background())
	require.Equal(t, StatusDead, m.Status("srv-1")) // 3 failures

	require.Equal(t, StatusAlive, m.Status("srv-0")) // never failed
}

func TestMonitorRecoversOnSuccess(t *testing.T) {
	attempt := 0
	m := New(DefaultConfig(), func(ctx context.Context, server string) error {
		attempt++
		if attempt <= 2 {
			return errors.New("down")
		}
		return nil
	}, []string{"srv-0"})

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())
	require.Equal(t, StatusSuspect, m.Status("srv-0"))

	m.PollOnce(context.Background())
	require.Equal(t, StatusAlive, m.Status("srv-0"))
}

func TestUnknownServerReportsDead(t *testing.T) {
	m := New(DefaultConfig(), func(ctx context.Context, server string) error { return nil }, nil)
	require.Equal(t, StatusDead, m.Status("ghost"))
}

func TestAddRemoveServer(t *testing.T) {
	m := New(DefaultConfig(), func(ctx context.Context, server string) error { return nil }, nil)
	m.AddServer("srv-9")
	require.Equal(t, StatusAlive, m.Status("srv-9"))
	m.RemoveServer("srv-9")
	require.Equal(t, StatusDead, m.Status("srv-9"))
}
