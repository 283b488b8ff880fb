package admin_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ScreenRelay/internal/admin"
	"ScreenRelay/internal/capture"
	"ScreenRelay/internal/media"
	"ScreenRelay/internal/relay"
	"ScreenRelay/internal/student"
	"ScreenRelay/internal/testutil"
)

func channel(url string) *relay.Channel {
	cfg := relay.DefaultConfig(url)
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectTries = 5
	return relay.New(cfg)
}

func newStudent(t *testing.T, url, userID, name string) *student.Agent {
	t.Helper()

	engCfg := capture.DefaultConfig()
	engCfg.ReadyTimeout = 2 * time.Second
	engCfg.ReadyPollInterval = 10 * time.Millisecond
	engCfg.AudioChunkInterval = 50 * time.Millisecond

	cfg := student.DefaultConfig()
	cfg.CaptureInterval = 30 * time.Millisecond
	cfg.SettleDelay = 30 * time.Millisecond
	cfg.Audio.AudioQuality = capture.QualityLow

	a := student.New(student.Identity{UserID: userID, Name: name}, channel(url),
		capture.New(media.NewSyntheticDevices(), engCfg), cfg)
	t.Cleanup(a.Unmount)
	return a
}

func newAdmin(t *testing.T, url string) *admin.Aggregator {
	t.Helper()
	agg := admin.New(admin.Identity{UserID: "t1", Name: "Teacher"}, channel(url), nil)
	t.Cleanup(agg.Unmount)
	return agg
}

// TestAliceSharesScreen 测试学生共享画面到管理端的完整流程
func TestAliceSharesScreen(t *testing.T) {
	server := testutil.NewTestServer(t)
	url := server.GetWebSocketURL()

	agg := newAdmin(t, url)
	require.NoError(t, agg.Mount(context.Background()))

	alice := newStudent(t, url, "u-alice", "Alice")
	require.NoError(t, alice.Mount(context.Background()))

	require.Eventually(t, func() bool { return len(agg.Roster()) == 1 }, 3*time.Second, 10*time.Millisecond)
	record := agg.Roster()[0]
	assert.Equal(t, "Alice", record.Name)
	assert.Equal(t, "u-alice", record.UserID)

	require.Eventually(t, func() bool {
		return alice.Status().Connection == relay.StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.StartSharing(context.Background()))

	require.Eventually(t, func() bool {
		e, ok := agg.Entry(record.ConnectionID)
		return ok && e.ScreenData != "" && e.HasAudio
	}, 3*time.Second, 10*time.Millisecond)

	e, _ := agg.Entry(record.ConnectionID)
	assert.Equal(t, "Alice", e.StudentName)
	assert.Equal(t, "u-alice", e.StudentID)
	assert.True(t, strings.HasPrefix(e.ScreenData, "data:"+media.MimeJPEG+";base64,"))
	assert.Greater(t, e.Seq, uint64(0))
	assert.Equal(t, 1, agg.SinkCount())
	assert.Zero(t, agg.GetStats().DecodeErrors)

	alice.Unmount()

	require.Eventually(t, func() bool { return len(agg.Roster()) == 0 }, 3*time.Second, 10*time.Millisecond)
	_, ok := agg.Entry(record.ConnectionID)
	assert.False(t, ok)
	assert.Equal(t, 0, agg.SinkCount())
}

// TestRosterAfterReconnect 测试断线重连后名单与中继一致
func TestRosterAfterReconnect(t *testing.T) {
	server := testutil.NewTestServer(t)
	url := server.GetWebSocketURL()

	agg := newAdmin(t, url)
	require.NoError(t, agg.Mount(context.Background()))

	alice := newStudent(t, url, "u-alice", "Alice")
	require.NoError(t, alice.Mount(context.Background()))
	require.Eventually(t, func() bool { return len(agg.Roster()) == 1 }, 3*time.Second, 10*time.Millisecond)
	oldConn := agg.Roster()[0].ConnectionID

	server.ForceDisconnectAll()

	require.Eventually(t, func() bool {
		roster := agg.Roster()
		return len(roster) == 1 && roster[0].ConnectionID != oldConn
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, relay.StateConnected, agg.Connection())
	require.Eventually(t, func() bool {
		stats := server.RegistryStats()
		return stats.Students == 1 && stats.Admins == 1
	}, 3*time.Second, 10*time.Millisecond)
}

// TestAdminJoinsAfterAlice 测试管理端后加入时从学生列表中看到已在共享的学生
func TestAdminJoinsAfterAlice(t *testing.T) {
	server := testutil.NewTestServer(t)
	url := server.GetWebSocketURL()

	alice := newStudent(t, url, "u-alice", "Alice")
	require.NoError(t, alice.Mount(context.Background()))
	require.Eventually(t, func() bool {
		return alice.Status().Connection == relay.StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.StartSharing(context.Background()))
	require.Eventually(t, func() bool { return len(server.Students()) == 1 }, 3*time.Second, 10*time.Millisecond)
	connID := server.Students()[0].ConnectionID

	agg := newAdmin(t, url)
	var rosterChanges atomic.Int32
	agg.OnChange(func(c admin.Change) {
		if c.Kind == admin.ChangeRoster {
			rosterChanges.Add(1)
		}
	})
	require.NoError(t, agg.Mount(context.Background()))

	require.Eventually(t, func() bool { return len(agg.Roster()) == 1 }, 3*time.Second, 10*time.Millisecond)
	record := agg.Roster()[0]
	assert.Equal(t, "Alice", record.Name)
	assert.Equal(t, connID, record.ConnectionID)
	assert.Equal(t, int32(1), rosterChanges.Load())

	require.Eventually(t, func() bool {
		e, ok := agg.Entry(connID)
		return ok && strings.HasPrefix(e.ScreenData, "data:"+media.MimeJPEG+";base64,")
	}, 3*time.Second, 10*time.Millisecond)

	alice.Unmount()
	require.Eventually(t, func() bool { return len(agg.Roster()) == 0 }, 3*time.Second, 10*time.Millisecond)
	_, ok := agg.Entry(connID)
	assert.False(t, ok)
}
