package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/media"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
)

func testAggregator(t *testing.T, cfg *Config) *Aggregator {
	t.Helper()
	channel := relay.New(relay.DefaultConfig("ws://127.0.0.1:1/ws"))
	return New(Identity{UserID: "t1", Name: "Teacher"}, channel, cfg)
}

func value(t *testing.T, p protocol.Valuer) *structpb.Value {
	t.Helper()
	v, err := p.ToValue()
	require.NoError(t, err)
	return v
}

func screen(t *testing.T, connID, data string, seq uint64) *structpb.Value {
	return value(t, protocol.StudentScreenPayload{
		StudentID:    "u-" + connID,
		StudentName:  "Student " + connID,
		ConnectionID: connID,
		Data:         data,
		Seq:          seq,
	})
}

func audio(t *testing.T, connID, data string, seq uint64) *structpb.Value {
	return value(t, protocol.StudentAudioPayload{
		StudentID:    "u-" + connID,
		StudentName:  "Student " + connID,
		ConnectionID: connID,
		Data:         data,
		Seq:          seq,
	})
}

func wavDataURL(t *testing.T, samples int) string {
	t.Helper()
	data, err := media.EncodeWAV(make([]int16, samples), 16000, 1)
	require.NoError(t, err)
	return media.EncodeDataURL(media.MimeWAV, data)
}

func participant(connID, name string) protocol.ParticipantRecord {
	return protocol.ParticipantRecord{
		UserID:       "u-" + connID,
		Name:         name,
		Role:         protocol.RoleStudent,
		ConnectionID: connID,
		JoinedAt:     time.Now(),
	}
}

// TestLastWriteWins 测试同一连接的后一帧覆盖前一帧
func TestLastWriteWins(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentScreen(screen(t, "c1", "F2", 2))

	e, ok := a.Entry("c1")
	require.True(t, ok)
	assert.Equal(t, "F2", e.ScreenData)
	assert.Equal(t, uint64(2), e.Seq)
	assert.Equal(t, "Student c1", e.StudentName)
	assert.Len(t, a.View(), 1)
	assert.Equal(t, uint64(2), a.GetStats().Screens)
}

// TestStudentLeftWithoutScreen 测试没有画面的学生离开
func TestStudentLeftWithoutScreen(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentJoined(value(t, participant("c1", "Alice")))
	require.Len(t, a.Roster(), 1)

	a.HandleStudentLeft(value(t, protocol.StudentLeftPayload{ConnectionID: "c1"}))
	assert.Empty(t, a.Roster())
	_, ok := a.Entry("c1")
	assert.False(t, ok)
}

// TestStudentLeftRemovesEntryAndSink 测试离开时清除画面和音频输出
func TestStudentLeftRemovesEntryAndSink(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentJoined(value(t, participant("c1", "Alice")))
	a.HandleStudentJoined(value(t, participant("c2", "Bob")))
	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 2))
	a.HandleStudentScreen(screen(t, "c2", "B1", 1))

	sink, ok := a.Sink("c1")
	require.True(t, ok)

	a.HandleStudentLeft(value(t, protocol.StudentLeftPayload{ConnectionID: "c1"}))

	_, ok = a.Entry("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, a.SinkCount())
	assert.True(t, sink.(*MemorySink).Closed())

	roster := a.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "Bob", roster[0].Name)
	e, ok := a.Entry("c2")
	require.True(t, ok)
	assert.Equal(t, "B1", e.ScreenData)
}

// TestStudentJoinedReplaces 测试同一连接重复加入时替换记录
func TestStudentJoinedReplaces(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentJoined(value(t, participant("c1", "Alice")))
	a.HandleStudentJoined(value(t, participant("c2", "Bob")))
	a.HandleStudentJoined(value(t, participant("c1", "Alice Liddell")))

	roster := a.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "Alice Liddell", roster[0].Name)
	assert.Equal(t, "Bob", roster[1].Name)
}

// TestStudentsListPrunes 测试完整列表替换名单并清除多余画面
func TestStudentsListPrunes(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 2))
	a.HandleStudentScreen(screen(t, "c2", "B1", 1))

	a.HandleStudentsList(value(t, protocol.ParticipantList{participant("c2", "Bob"), participant("c3", "Carol")}))

	roster := a.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "c2", roster[0].ConnectionID)
	assert.Equal(t, "c3", roster[1].ConnectionID)

	_, ok := a.Entry("c1")
	assert.False(t, ok)
	_, ok = a.Entry("c2")
	assert.True(t, ok)
	assert.Equal(t, 0, a.SinkCount())
}

// TestDiscardStale 测试乱序更新被丢弃，未编号的更新总是生效
func TestDiscardStale(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentScreen(screen(t, "c1", "F2", 2))
	a.HandleStudentScreen(screen(t, "c1", "F1", 1))

	e, _ := a.Entry("c1")
	assert.Equal(t, "F2", e.ScreenData)
	assert.Equal(t, uint64(1), a.GetStats().Stale)

	a.HandleStudentScreen(screen(t, "c1", "F0", 0))
	e, _ = a.Entry("c1")
	assert.Equal(t, "F0", e.ScreenData)

	cfg := DefaultConfig()
	cfg.DiscardStale = false
	b := testAggregator(t, cfg)
	b.HandleStudentScreen(screen(t, "c1", "F2", 2))
	b.HandleStudentScreen(screen(t, "c1", "F1", 1))
	e, _ = b.Entry("c1")
	assert.Equal(t, "F1", e.ScreenData)
}

// TestAudioRouting 测试音频按连接送到各自的输出
func TestAudioRouting(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 1600), 1))
	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 1600), 2))
	a.HandleStudentAudio(audio(t, "c2", wavDataURL(t, 800), 1))

	assert.Equal(t, 2, a.SinkCount())
	s1, ok := a.Sink("c1")
	require.True(t, ok)
	assert.Equal(t, 2, s1.(*MemorySink).Units())
	assert.Equal(t, 200*time.Millisecond, s1.(*MemorySink).Duration())
	assert.Equal(t, 16000, s1.(*MemorySink).Last().SampleRate)

	e, ok := a.Entry("c1")
	require.True(t, ok)
	assert.True(t, e.HasAudio)
	assert.Empty(t, e.ScreenData)
	assert.Equal(t, uint64(2), e.AudioSeq)

	// 画面更新保留音频标记
	a.HandleStudentScreen(screen(t, "c1", "F1", 3))
	e, _ = a.Entry("c1")
	assert.True(t, e.HasAudio)
	assert.Equal(t, "F1", e.ScreenData)
}

// TestAudioDecodeFailure 测试解码失败只跳过这一段，不影响其他连接
func TestAudioDecodeFailure(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentScreen(screen(t, "c2", "B1", 1))
	a.HandleStudentAudio(audio(t, "c1", "not a data url", 1))
	a.HandleStudentAudio(audio(t, "c1", media.EncodeDataURL(media.MimeJPEG, []byte{1, 2, 3}), 2))
	a.HandleStudentAudio(audio(t, "c1", media.EncodeDataURL(media.MimeWAV, []byte("RIFF")), 3))

	assert.Equal(t, uint64(3), a.GetStats().DecodeErrors)
	assert.Equal(t, 0, a.SinkCount())
	_, ok := a.Entry("c1")
	assert.False(t, ok)
	e, ok := a.Entry("c2")
	require.True(t, ok)
	assert.Equal(t, "B1", e.ScreenData)

	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 4))
	assert.Equal(t, 1, a.SinkCount())
}

// TestMalformedEventsSkipped 测试格式错误的事件被忽略
func TestMalformedEventsSkipped(t *testing.T) {
	a := testAggregator(t, nil)
	a.HandleStudentJoined(value(t, participant("c1", "Alice")))

	a.HandleStudentScreen(structpb.NewStringValue("F1"))
	a.HandleStudentLeft(structpb.NewNumberValue(1))
	a.HandleStudentsList(structpb.NewBoolValue(true))

	assert.Len(t, a.Roster(), 1)
	assert.Empty(t, a.View())
	assert.Equal(t, uint64(1), a.GetStats().DecodeErrors)
}

// TestCapacity 测试超过上限的新连接被忽略
func TestCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipants = 1
	a := testAggregator(t, cfg)

	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentScreen(screen(t, "c2", "B1", 1))
	a.HandleStudentAudio(audio(t, "c2", wavDataURL(t, 160), 2))

	assert.Len(t, a.View(), 1)
	assert.Equal(t, 0, a.SinkCount())
	assert.Equal(t, uint64(2), a.GetStats().OverCapacity)

	// 已有连接继续更新
	a.HandleStudentScreen(screen(t, "c1", "F2", 2))
	e, _ := a.Entry("c1")
	assert.Equal(t, "F2", e.ScreenData)

	a.HandleStudentLeft(value(t, protocol.StudentLeftPayload{ConnectionID: "c1"}))
	a.HandleStudentScreen(screen(t, "c2", "B2", 3))
	_, ok := a.Entry("c2")
	assert.True(t, ok)
}

// TestIdleEviction 测试长时间没有更新的画面被清除，名单保留
func TestIdleEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	a := testAggregator(t, cfg)

	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	a.HandleStudentJoined(value(t, participant("c1", "Alice")))
	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 2))
	clock = clock.Add(45 * time.Second)
	a.HandleStudentScreen(screen(t, "c2", "B1", 1))

	clock = clock.Add(30 * time.Second)
	assert.Equal(t, 1, a.Sweep())

	_, ok := a.Entry("c1")
	assert.False(t, ok)
	_, ok = a.Entry("c2")
	assert.True(t, ok)
	assert.Equal(t, 0, a.SinkCount())
	assert.Len(t, a.Roster(), 1)
	assert.Equal(t, uint64(1), a.GetStats().Evicted)

	cfg = DefaultConfig()
	cfg.IdleTimeout = 0
	b := testAggregator(t, cfg)
	b.HandleStudentScreen(screen(t, "c1", "F1", 1))
	assert.Equal(t, 0, b.Sweep())
}

// TestOnChange 测试变化通知和取消订阅
func TestOnChange(t *testing.T) {
	a := testAggregator(t, nil)

	var changes []Change
	off := a.OnChange(func(c Change) { changes = append(changes, c) })

	a.HandleStudentJoined(value(t, participant("c1", "Alice")))
	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 2))
	a.HandleStudentLeft(value(t, protocol.StudentLeftPayload{ConnectionID: "c1"}))

	require.Len(t, changes, 5)
	assert.Equal(t, Change{Kind: ChangeRoster}, changes[0])
	assert.Equal(t, Change{Kind: ChangeScreen, ConnectionID: "c1"}, changes[1])
	assert.Equal(t, Change{Kind: ChangeAudio, ConnectionID: "c1"}, changes[2])
	assert.Equal(t, Change{Kind: ChangeRoster}, changes[3])
	assert.Equal(t, Change{Kind: ChangeRemoved, ConnectionID: "c1"}, changes[4])
	assert.Equal(t, "removed", changes[4].Kind.String())

	off()
	a.HandleStudentScreen(screen(t, "c2", "B1", 1))
	assert.Len(t, changes, 5)
}

// TestSweepLoopNotifies 测试挂载后清理协程自行清除空闲画面并发出通知
func TestSweepLoopNotifies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	a := testAggregator(t, cfg)
	t.Cleanup(a.Unmount)

	removed := make(chan Change, 4)
	a.OnChange(func(c Change) {
		if c.Kind == ChangeRemoved {
			removed <- c
		}
	})

	a.HandleStudentScreen(screen(t, "c1", "F1", 1))
	// 中继不可达，连接失败但清理协程已启动
	assert.Error(t, a.Mount(context.Background()))

	select {
	case c := <-removed:
		assert.Equal(t, "c1", c.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("idle screen was not evicted by the sweep loop")
	}
	_, ok := a.Entry("c1")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), a.GetStats().Evicted)
}

// TestUnmountClosesSinks 测试卸载时关闭所有音频输出
func TestUnmountClosesSinks(t *testing.T) {
	a := testAggregator(t, nil)

	a.HandleStudentAudio(audio(t, "c1", wavDataURL(t, 160), 1))
	a.HandleStudentAudio(audio(t, "c2", wavDataURL(t, 160), 1))
	s1, _ := a.Sink("c1")
	s2, _ := a.Sink("c2")

	a.Unmount()

	assert.Equal(t, 0, a.SinkCount())
	assert.True(t, s1.(*MemorySink).Closed())
	assert.True(t, s2.(*MemorySink).Closed())
	assert.Equal(t, relay.StateDisconnected, a.Connection())
}

// TestChannelBadFramesCounted 测试通道层丢弃的坏帧计入解码错误
func TestChannelBadFramesCounted(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.BinaryMessage, []byte{0x00})
		raw, _ := protocol.EncodeMessage(protocol.EventStudentScreen, protocol.StudentScreenPayload{ConnectionID: "c1", Data: "F1", Seq: 1})
		conn.WriteMessage(websocket.BinaryMessage, raw)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	channel := relay.New(relay.DefaultConfig("ws" + strings.TrimPrefix(server.URL, "http") + "/ws"))
	a := New(Identity{UserID: "t1", Name: "Teacher"}, channel, nil)
	defer a.Unmount()
	require.NoError(t, a.Mount(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := a.Entry("c1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), a.GetStats().DecodeErrors)

	a.HandleStudentScreen(structpb.NewStringValue("F2"))
	assert.Equal(t, uint64(2), a.GetStats().DecodeErrors)
}
