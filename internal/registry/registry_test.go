package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ScreenRelay/internal/protocol"
)

func student(id, name string) protocol.RegisterPayload {
	return protocol.RegisterPayload{UserID: id, Name: name, Role: protocol.RoleStudent}
}

// TestRegisterStudentsInOrder 测试学生按加入顺序排列
func TestRegisterStudentsInOrder(t *testing.T) {
	r := New(0)

	c1, err := r.Open()
	require.NoError(t, err)
	c2, err := r.Open()
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	_, err = r.Register(c2, student("u2", "Bob"))
	require.NoError(t, err)
	reg, err := r.Register(c1, student("u1", "Alice"))
	require.NoError(t, err)
	assert.Nil(t, reg.Previous)
	assert.Equal(t, c1, reg.Record.ConnectionID)
	assert.False(t, reg.Record.JoinedAt.IsZero())

	list := r.Students()
	require.Len(t, list, 2)
	assert.Equal(t, "Bob", list[0].Name)
	assert.Equal(t, "Alice", list[1].Name)
}

// TestReRegister 测试同一连接再次注册
func TestReRegister(t *testing.T) {
	r := New(0)
	conn, _ := r.Open()

	_, err := r.Register(conn, student("u1", "Alice"))
	require.NoError(t, err)

	reg, err := r.Register(conn, protocol.RegisterPayload{UserID: "u1", Name: "Alice", Role: protocol.RoleAdmin})
	require.NoError(t, err)
	require.NotNil(t, reg.Previous)
	assert.Equal(t, protocol.RoleStudent, reg.Previous.Role)

	assert.Empty(t, r.Students())
	assert.Equal(t, []string{conn}, r.Admins())
}

// TestCloseConnection 测试关闭连接
func TestCloseConnection(t *testing.T) {
	r := New(0)
	conn, _ := r.Open()
	anon, _ := r.Open()

	_, err := r.Register(conn, student("u1", "Alice"))
	require.NoError(t, err)

	rec, ok := r.Close(conn)
	require.True(t, ok)
	assert.Equal(t, "u1", rec.UserID)
	assert.Empty(t, r.Students())

	_, ok = r.Close(conn)
	assert.False(t, ok)

	// 未注册的连接关闭时没有记录
	_, ok = r.Close(anon)
	assert.False(t, ok)

	_, err = r.Register(conn, student("u1", "Alice"))
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

// TestCapacityAndValidation 测试容量与角色校验
func TestCapacityAndValidation(t *testing.T) {
	r := New(1)
	conn, err := r.Open()
	require.NoError(t, err)

	_, err = r.Open()
	assert.ErrorIs(t, err, ErrFull)

	_, err = r.Register(conn, protocol.RegisterPayload{UserID: "u1", Role: "teacher"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	r.Close(conn)
	_, err = r.Open()
	assert.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, uint64(2), stats.TotalOpened)
}

// TestNextSeq 测试序列号单调递增
func TestNextSeq(t *testing.T) {
	r := New(0)
	a, _ := r.Open()
	b, _ := r.Open()

	assert.Equal(t, uint64(1), r.NextSeq(a))
	assert.Equal(t, uint64(2), r.NextSeq(a))
	assert.Equal(t, uint64(1), r.NextSeq(b))
	assert.Equal(t, uint64(0), r.NextSeq("missing"))

	_, ok := r.Lookup(a)
	assert.False(t, ok)
}
