package relayserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ScreenRelay/internal/grpcserver"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
	"ScreenRelay/internal/relayserver"
	"ScreenRelay/internal/testutil"
)

// TestAdminReceivesStudentsList 测试管理端注册后收到按加入顺序的学生列表
func TestAdminReceivesStudentsList(t *testing.T) {
	server := testutil.NewTestServer(t)

	bob := testutil.NewTestClient(t, server.GetWebSocketURL())
	bob.ConnectAndRegister(protocol.RoleStudent, "u2", "Bob")
	require.Eventually(t, func() bool { return len(server.Students()) == 1 }, 2*time.Second, 10*time.Millisecond)

	alice := testutil.NewTestClient(t, server.GetWebSocketURL())
	alice.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	require.Eventually(t, func() bool { return len(server.Students()) == 2 }, 2*time.Second, 10*time.Millisecond)

	admin := testutil.NewTestClient(t, server.GetWebSocketURL())
	admin.ConnectAndRegister(protocol.RoleAdmin, "t1", "Teacher")

	events := admin.MustWaitForEvents(protocol.EventStudentsList, 1)
	list, err := protocol.ParseParticipantList(events[0].Payload)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Bob", list[0].Name)
	assert.Equal(t, "Alice", list[1].Name)
	assert.NotEqual(t, list[0].ConnectionID, list[1].ConnectionID)

	// 学生不会收到成员事件
	assert.Empty(t, bob.Events(protocol.EventStudentJoined))
}

// TestStudentJoinRelayLeave 测试学生加入、画面转发和离开通知
func TestStudentJoinRelayLeave(t *testing.T) {
	server := testutil.NewTestServer(t)
	ta := testutil.NewTestAssertions(t)

	admin := testutil.NewTestClient(t, server.GetWebSocketURL())
	admin.ConnectAndRegister(protocol.RoleAdmin, "t1", "Teacher")
	admin.MustWaitForEvents(protocol.EventStudentsList, 1)

	student := testutil.NewTestClient(t, server.GetWebSocketURL())
	student.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")

	joined := admin.MustWaitForEvents(protocol.EventStudentJoined, 1)
	record, err := protocol.ParseParticipant(joined[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "Alice", record.Name)
	assert.Equal(t, protocol.RoleStudent, record.Role)

	for _, f := range []string{"F1", "F2", "F3"} {
		require.True(t, student.Emit(protocol.EventScreenData, f))
	}
	require.True(t, student.Emit(protocol.EventAudioData, "A1"))

	screens := admin.MustWaitForEvents(protocol.EventStudentScreen, 3)
	var frames []string
	for _, e := range screens {
		p, err := protocol.ParseStudentScreen(e.Payload)
		require.NoError(t, err)
		assert.Equal(t, "u1", p.StudentID)
		assert.Equal(t, "Alice", p.StudentName)
		assert.Equal(t, record.ConnectionID, p.ConnectionID)
		frames = append(frames, p.Data)
	}
	assert.Equal(t, []string{"F1", "F2", "F3"}, frames)
	ta.AssertScreenSequence(admin)

	audio := admin.MustWaitForEvents(protocol.EventStudentAudio, 1)
	ap, err := protocol.ParseStudentAudio(audio[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "A1", ap.Data)
	assert.Equal(t, uint64(4), ap.Seq)

	student.Disconnect()
	left := admin.MustWaitForEvents(protocol.EventStudentLeft, 1)
	lp, err := protocol.ParseStudentLeft(left[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, record.ConnectionID, lp.ConnectionID)
	require.Eventually(t, func() bool { return len(server.Students()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestMediaRequiresStudent 测试未注册或非学生连接发送画面
func TestMediaRequiresStudent(t *testing.T) {
	server := testutil.NewTestServer(t)
	ta := testutil.NewTestAssertions(t)

	anon := testutil.NewTestClient(t, server.GetWebSocketURL())
	require.NoError(t, anon.Connect(context.Background(), ""))
	anon.Emit(protocol.EventScreenData, "F1")
	ta.AssertErrorCode(anon, "not_registered")

	admin := testutil.NewTestClient(t, server.GetWebSocketURL())
	admin.ConnectAndRegister(protocol.RoleAdmin, "t1", "Teacher")
	admin.MustWaitForEvents(protocol.EventStudentsList, 1)
	admin.Emit(protocol.EventScreenData, "F1")
	ta.AssertErrorCode(admin, "not_student")
	ta.AssertNoEvent(admin, protocol.EventStudentScreen, 50*time.Millisecond)
}

// TestInvalidPayloads 测试非法负载返回错误事件且不影响连接
func TestInvalidPayloads(t *testing.T) {
	server := testutil.NewTestServer(t)
	ta := testutil.NewTestAssertions(t)

	client := testutil.NewTestClient(t, server.GetWebSocketURL())
	require.NoError(t, client.Connect(context.Background(), ""))

	client.Emit(protocol.EventRegister, map[string]interface{}{"userId": "u1"})
	ta.AssertErrorCode(client, "invalid_payload")

	client.Clear()
	client.Emit(protocol.EventRegister, map[string]interface{}{"userId": "u1", "role": "teacher"})
	ta.AssertErrorCode(client, "invalid_payload")

	client.Clear()
	client.Emit(protocol.EventStudentsList, nil)
	ta.AssertErrorCode(client, "unsupported_event")

	client.Clear()
	client.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	client.Emit(protocol.EventScreenData, 42)
	ta.AssertErrorCode(client, "invalid_payload")
	ta.AssertConnected(client)
}

// TestOversizedFrameNotRelayed 测试转发后超过上限的画面只退回给发送者，管理端保持连接
func TestOversizedFrameNotRelayed(t *testing.T) {
	server := testutil.NewTestServer(t, func(c *relayserver.Config) {
		c.EnableCompression = false
	})
	ta := testutil.NewTestAssertions(t)

	admin := testutil.NewTestClient(t, server.GetWebSocketURL())
	admin.ConnectAndRegister(protocol.RoleAdmin, "t1", "Teacher")
	admin.MustWaitForEvents(protocol.EventStudentsList, 1)

	student := testutil.NewTestClient(t, server.GetWebSocketURL())
	student.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	admin.MustWaitForEvents(protocol.EventStudentJoined, 1)

	// 收到时未超限，加上学生信息后超限
	huge := "data:image/jpeg;base64," + strings.Repeat("A", protocol.MaxFrameSize-64)
	require.True(t, student.Emit(protocol.EventScreenData, huge))
	ta.AssertErrorCode(student, "frame_too_large")
	ta.AssertNoEvent(admin, protocol.EventStudentScreen, 100*time.Millisecond)

	student.Emit(protocol.EventScreenData, "F1")
	screens := admin.MustWaitForEvents(protocol.EventStudentScreen, 1)
	p, err := protocol.ParseStudentScreen(screens[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "F1", p.Data)

	for _, change := range admin.StateChanges() {
		assert.NotEqual(t, relay.StateReconnecting, change.NewState)
		assert.NotEqual(t, relay.StateDisconnected, change.NewState)
	}
	ta.AssertConnected(admin)

	stats := server.GetStats()
	assert.Equal(t, uint64(1), stats["oversized_messages"])
	assert.Equal(t, uint64(1), stats["relayed_messages"])
}

// TestBadFrame 测试无法解析的帧
func TestBadFrame(t *testing.T) {
	server := testutil.NewTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(server.GetWebSocketURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x03, 0xE9, 0, 0, 0, 9}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventError, msg.Event)
	p, err := protocol.ParseError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bad_frame", p.Code)
}

// TestReRegisterAsAdmin 测试学生改为管理端时广播离开
func TestReRegisterAsAdmin(t *testing.T) {
	server := testutil.NewTestServer(t)

	admin := testutil.NewTestClient(t, server.GetWebSocketURL())
	admin.ConnectAndRegister(protocol.RoleAdmin, "t1", "Teacher")
	admin.MustWaitForEvents(protocol.EventStudentsList, 1)

	client := testutil.NewTestClient(t, server.GetWebSocketURL())
	client.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	admin.MustWaitForEvents(protocol.EventStudentJoined, 1)

	client.Emit(protocol.EventRegister, protocol.RegisterPayload{UserID: "u1", Name: "Alice", Role: protocol.RoleAdmin})
	admin.MustWaitForEvents(protocol.EventStudentLeft, 1)

	lists := client.MustWaitForEvents(protocol.EventStudentsList, 1)
	list, err := protocol.ParseParticipantList(lists[0].Payload)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestCapacity 测试连接数上限
func TestCapacity(t *testing.T) {
	server := testutil.NewTestServer(t, func(c *relayserver.Config) {
		c.MaxConnections = 1
	})

	first := testutil.NewTestClient(t, server.GetWebSocketURL())
	require.NoError(t, first.Connect(context.Background(), ""))

	_, resp, err := websocket.DefaultDialer.Dial(server.GetWebSocketURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Equal(t, uint64(1), server.GetStats()["rejected"])
}

// TestForceDisconnect 测试强制断开后管理端收到离开通知
func TestForceDisconnect(t *testing.T) {
	server := testutil.NewTestServer(t)

	student := testutil.NewTestClient(t, server.GetWebSocketURL())
	student.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	require.Eventually(t, func() bool { return len(server.Students()) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(server.GetHTTPURL()+"/control?action=disconnect_all", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return !student.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(server.Students()) == 0 }, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Post(server.GetHTTPURL()+"/control?action=unknown", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestHTTPEndpoints 测试健康检查、统计和学生列表接口
func TestHTTPEndpoints(t *testing.T) {
	server := testutil.NewTestServer(t)

	student := testutil.NewTestClient(t, server.GetWebSocketURL())
	student.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")
	require.Eventually(t, func() bool { return len(server.Students()) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(server.GetHTTPURL() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.GetHTTPURL() + "/api/students")
	require.NoError(t, err)
	var students []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&students))
	resp.Body.Close()
	require.Len(t, students, 1)
	assert.Equal(t, "Alice", students[0]["name"])

	resp, err = http.Get(server.GetHTTPURL() + "/stats")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, true, stats["running"])
	assert.Equal(t, float64(1), stats["students"])
}

// TestLogStream 测试运维日志流
func TestLogStream(t *testing.T) {
	server := testutil.NewTestServer(t)

	logs, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws/logs", nil)
	require.NoError(t, err)
	defer logs.Close()

	logs.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome map[string]interface{}
	require.NoError(t, logs.ReadJSON(&welcome))
	assert.Equal(t, "logstream", welcome["module"])

	require.Eventually(t, func() bool { return server.GetStats()["log_subscribers"] == 1 }, 2*time.Second, 10*time.Millisecond)

	student := testutil.NewTestClient(t, server.GetWebSocketURL())
	student.ConnectAndRegister(protocol.RoleStudent, "u1", "Alice")

	for {
		var entry map[string]interface{}
		require.NoError(t, logs.ReadJSON(&entry))
		if entry["module"] == "registry" {
			assert.Contains(t, entry["message"], "Alice")
			break
		}
	}
}

// TestGRPCHealth 测试gRPC健康检查随服务器启停
func TestGRPCHealth(t *testing.T) {
	server := testutil.NewTestServer(t, func(c *relayserver.Config) {
		c.GRPCHealthAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serving, err := grpcserver.CheckHealth(ctx, server.HealthAddr())
	require.NoError(t, err)
	assert.True(t, serving)
}
