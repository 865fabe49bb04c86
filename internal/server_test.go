package internal_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-rhythm-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI 記憶體假實作，取代外部遊戲 API。
type fakeAPI struct {
	users   map[string]*internal.AuthInfo
	charts  map[int32]*internal.Chart
	records map[int32]*internal.Record
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users: map[string]*internal.AuthInfo{
			"token-alice": {ID: 1, Name: "alice", Language: "en-US"},
			"token-bob":   {ID: 2, Name: "bob", Language: "zh-TW"},
			"token-carol": {ID: 3, Name: "carol", Language: "zh-CN"},
		},
		charts: map[int32]*internal.Chart{
			100: {ID: 100, Name: "測試譜面"},
		},
		records: map[int32]*internal.Record{
			500: {ID: 500, Player: 1, Score: 1000000, Accuracy: 1.0, FullCombo: true},
		},
	}
}

func (f *fakeAPI) FetchUser(_ context.Context, token string) (*internal.AuthInfo, error) {
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func (f *fakeAPI) FetchChart(_ context.Context, id int32) (*internal.Chart, error) {
	if c, ok := f.charts[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("chart not found: %d", id)
}

func (f *fakeAPI) FetchRecord(_ context.Context, id int32) (*internal.Record, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("record not found: %d", id)
}

// startTestServer 在臨時埠上啟動完整伺服器。
func startTestServer(t *testing.T) (*internal.ServerState, string) {
	t.Helper()

	cfg := internal.DefaultConfig()
	cfg.Port = 0
	cfg.BanFile = filepath.Join(t.TempDir(), "banned.txt")
	cfg.LocalesDir = filepath.Join(t.TempDir(), "locales")
	cfg.DangleGrace = 200 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	st := internal.NewServerState(cfg, newFakeAPI(), newFakeAPI(), newFakeAPI(), testLogger())
	require.NoError(t, st.Start())
	t.Cleanup(st.Stop)

	return st, st.Addr().String()
}

// testClient 測試用的原生協定客戶端。
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// 版本握手
	_, err = conn.Write([]byte{1})
	require.NoError(t, err)

	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) send(build func(w *internal.BinaryWriter)) {
	c.t.Helper()
	w := internal.NewBinaryWriter()
	build(w)
	_, err := c.conn.Write(internal.WritePacket(w.Bytes()))
	require.NoError(c.t, err)
}

// recvType 讀封包直到看到指定 discriminant（中途的廣播事件跳過）。
func (c *testClient) recvType(want internal.ServerCommandType) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		body, err := internal.ReadPacket(c.br)
		require.NoError(c.t, err)
		require.NotEmpty(c.t, body)
		if body[0] == byte(want) {
			return body
		}
	}
}

func (c *testClient) authenticate(token string) []byte {
	c.t.Helper()
	c.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdAuthenticate))
		w.WriteString(token)
	})
	return c.recvType(internal.SrvAuthenticate)
}

// TestServer_Authenticate 認證成功與失敗
func TestServer_Authenticate(t *testing.T) {
	_, addr := startTestServer(t)

	t.Run("valid token", func(t *testing.T) {
		c := dialClient(t, addr)
		body := c.authenticate("token-alice")

		r := internal.NewBinaryReader(body[1:])
		ok, err := r.ReadBool()
		require.NoError(t, err)
		require.True(t, ok)

		id, err := r.ReadI32()
		require.NoError(t, err)
		assert.Equal(t, int32(1), id)

		name, err := r.ReadVarchar(64)
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
	})

	t.Run("invalid token", func(t *testing.T) {
		c := dialClient(t, addr)
		body := c.authenticate("token-nobody")

		r := internal.NewBinaryReader(body[1:])
		ok, err := r.ReadBool()
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// TestServer_AuthenticateBanned 封禁名單在認證時生效
func TestServer_AuthenticateBanned(t *testing.T) {
	st, addr := startTestServer(t)
	require.True(t, st.Bans().Ban(2))

	c := dialClient(t, addr)
	body := c.authenticate("token-bob")

	r := internal.NewBinaryReader(body[1:])
	ok, err := r.ReadBool()
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestServer_PingPong 未認證也能 ping
func TestServer_PingPong(t *testing.T) {
	_, addr := startTestServer(t)

	c := dialClient(t, addr)
	c.send(func(w *internal.BinaryWriter) { w.WriteU8(uint8(internal.CmdPing)) })
	body := c.recvType(internal.SrvPong)
	assert.Equal(t, []byte{byte(internal.SrvPong)}, body)
}

// TestServer_CreateJoinFlow 創建與加入房間的端到端流程
func TestServer_CreateJoinFlow(t *testing.T) {
	st, addr := startTestServer(t)

	alice := dialClient(t, addr)
	alice.authenticate("token-alice")

	// 創建房間
	alice.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdCreateRoom))
		w.WriteString("flow-room")
	})
	body := alice.recvType(internal.SrvCreateRoom)
	assert.Equal(t, byte(1), body[1], "創建應該成功")

	room := st.GetRoom("flow-room")
	require.NotNil(t, room)
	assert.Len(t, room.Users(), 1)

	// 第二人加入
	bob := dialClient(t, addr)
	bob.authenticate("token-bob")
	bob.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdJoinRoom))
		w.WriteString("flow-room")
		w.WriteBool(false)
	})
	body = bob.recvType(internal.SrvJoinRoom)
	require.Equal(t, byte(1), body[1], "加入應該成功")

	// 加入回應帶完整成員清單
	r := internal.NewBinaryReader(body[2:])
	stateType, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(internal.RoomStateSelectChart), stateType)
	hasChart, err := r.ReadBool()
	require.NoError(t, err)
	assert.False(t, hasChart)
	n, err := r.ReadUleb()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// 房主會收到新成員事件
	alice.recvType(internal.SrvOnJoinRoom)

	assert.Len(t, room.Users(), 2)

	// 佔用的 ID 不能再創建
	carol := dialClient(t, addr)
	carol.authenticate("token-carol")
	carol.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdCreateRoom))
		w.WriteString("flow-room")
	})
	body = carol.recvType(internal.SrvCreateRoom)
	assert.Equal(t, byte(0), body[1])
}

// TestServer_JoinMissingRoom 加入不存在的房間
func TestServer_JoinMissingRoom(t *testing.T) {
	_, addr := startTestServer(t)

	c := dialClient(t, addr)
	c.authenticate("token-alice")
	c.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdJoinRoom))
		w.WriteString("nope")
		w.WriteBool(false)
	})
	body := c.recvType(internal.SrvJoinRoom)
	assert.Equal(t, byte(0), body[1])
}

// TestServer_ReconnectKeepsRoom 寬限期內重連保留房間位置
func TestServer_ReconnectKeepsRoom(t *testing.T) {
	st, addr := startTestServer(t)

	c1 := dialClient(t, addr)
	c1.authenticate("token-alice")
	c1.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdCreateRoom))
		w.WriteString("sticky")
	})
	c1.recvType(internal.SrvCreateRoom)

	// 硬斷線
	require.NoError(t, c1.conn.Close())

	// 寬限期內重連
	time.Sleep(50 * time.Millisecond)
	c2 := dialClient(t, addr)
	body := c2.authenticate("token-alice")

	r := internal.NewBinaryReader(body[1:])
	ok, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, ok)

	// 跳過 UserInfo
	_, err = r.ReadI32()
	require.NoError(t, err)
	_, err = r.ReadVarchar(64)
	require.NoError(t, err)
	_, err = r.ReadBool()
	require.NoError(t, err)

	hasRoom, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, hasRoom, "重連的認證回應應該附帶房間快照")

	require.NotNil(t, st.GetRoom("sticky"))
}

// TestServer_DisconnectExpiry 寬限期過後使用者與空房間被回收
func TestServer_DisconnectExpiry(t *testing.T) {
	st, addr := startTestServer(t)

	c := dialClient(t, addr)
	c.authenticate("token-alice")
	c.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdCreateRoom))
		w.WriteString("doomed")
	})
	c.recvType(internal.SrvCreateRoom)

	require.NoError(t, c.conn.Close())

	// 寬限期（200ms）過後房間應該消失
	assert.Eventually(t, func() bool {
		return st.GetRoom("doomed") == nil && st.GetUser(1) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

// TestServer_AdminCapabilities 管理能力直接作用在登記表上
func TestServer_AdminCapabilities(t *testing.T) {
	st, addr := startTestServer(t)

	c := dialClient(t, addr)
	c.authenticate("token-alice")
	c.send(func(w *internal.BinaryWriter) {
		w.WriteU8(uint8(internal.CmdCreateRoom))
		w.WriteString("admin-rm")
	})
	c.recvType(internal.SrvCreateRoom)

	t.Run("set max users", func(t *testing.T) {
		require.NoError(t, st.SetRoomMaxUsers("admin-rm", 2))
		assert.Equal(t, 2, st.GetRoom("admin-rm").MaxPlayers())
		assert.Error(t, st.SetRoomMaxUsers("admin-rm", 0))
		assert.Error(t, st.SetRoomMaxUsers("missing", 4))
	})

	t.Run("roomsay and broadcast do not panic", func(t *testing.T) {
		require.NoError(t, st.Roomsay("admin-rm", "notice"))
		assert.ErrorIs(t, st.Roomsay("missing", "x"), internal.ErrRoomNotFound)
		st.Broadcast("server notice")
	})

	t.Run("ban kicks the online user", func(t *testing.T) {
		require.NoError(t, st.BanUser(1))
		assert.True(t, st.Bans().IsBanned(1))
		// 再封一次是錯誤
		assert.Error(t, st.BanUser(1))
		require.NoError(t, st.UnbanUser(1))
		assert.Error(t, st.UnbanUser(1))
	})

	t.Run("kick unknown user", func(t *testing.T) {
		assert.Error(t, st.KickUser(9999))
	})

	t.Run("disband room", func(t *testing.T) {
		assert.ErrorIs(t, st.DisbandRoom("missing"), internal.ErrRoomNotFound)
	})
}
