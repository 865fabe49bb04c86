package internal_test

import (
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-rhythm-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeClientCommand 從手工組出的線路位元組解碼指令
func TestDecodeClientCommand(t *testing.T) {
	tests := []struct {
		name      string
		build     func(w *internal.BinaryWriter)
		expectErr bool
		validate  func(t *testing.T, cmd *internal.ClientCommand)
	}{
		{
			name:  "ping has no fields",
			build: func(w *internal.BinaryWriter) { w.WriteU8(uint8(internal.CmdPing)) },
			validate: func(t *testing.T, cmd *internal.ClientCommand) {
				assert.Equal(t, internal.CmdPing, cmd.Type)
			},
		},
		{
			name: "authenticate carries token",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdAuthenticate))
				w.WriteString("token-abc")
			},
			validate: func(t *testing.T, cmd *internal.ClientCommand) {
				assert.Equal(t, internal.CmdAuthenticate, cmd.Type)
				assert.Equal(t, "token-abc", cmd.Token)
			},
		},
		{
			name: "join room carries id and monitor flag",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdJoinRoom))
				w.WriteString("my-room")
				w.WriteBool(true)
			},
			validate: func(t *testing.T, cmd *internal.ClientCommand) {
				assert.Equal(t, internal.RoomID("my-room"), cmd.RoomID)
				assert.True(t, cmd.Monitor)
			},
		},
		{
			name: "select chart carries chart id",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdSelectChart))
				w.WriteI32(4071)
			},
			validate: func(t *testing.T, cmd *internal.ClientCommand) {
				assert.Equal(t, int32(4071), cmd.ChartID)
			},
		},
		{
			name: "invalid room id rejected",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdCreateRoom))
				w.WriteString("bad room!")
			},
			expectErr: true,
		},
		{
			name: "chat over limit rejected",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdChat))
				w.WriteString(string(make([]byte, internal.MaxChatLen+1)))
			},
			expectErr: true,
		},
		{
			name: "touches with absurd count rejected",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdTouches))
				w.WriteUleb(1 << 40)
			},
			expectErr: true,
		},
		{
			name: "truncated judge events rejected",
			build: func(w *internal.BinaryWriter) {
				w.WriteU8(uint8(internal.CmdJudges))
				w.WriteUleb(3)
				w.WriteU32(100) // 不足一個完整事件
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := internal.NewBinaryWriter()
			tt.build(w)

			cmd, err := internal.DecodeClientCommand(w.Bytes())
			if tt.expectErr {
				require.Error(t, err)
				var fe *internal.FramingError
				assert.ErrorAs(t, err, &fe)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cmd)
		})
	}
}

// TestServerCommandEncode 伺服器事件編碼的重點檢查：
// discriminant 在第一個 byte，Result 型事件的 OK 旗標緊隨其後。
func TestServerCommandEncode(t *testing.T) {
	t.Run("pong is a single byte", func(t *testing.T) {
		body := internal.Pong().Encode()
		assert.Equal(t, []byte{byte(internal.SrvPong)}, body)
	})

	t.Run("simple ok", func(t *testing.T) {
		body := internal.SimpleOK(internal.SrvReady).Encode()
		assert.Equal(t, []byte{byte(internal.SrvReady), 1}, body)
	})

	t.Run("simple err carries message", func(t *testing.T) {
		body := internal.SimpleErr(internal.SrvJoinRoom, "房間已滿").Encode()
		require.Greater(t, len(body), 2)
		assert.Equal(t, byte(internal.SrvJoinRoom), body[0])
		assert.Equal(t, byte(0), body[1])

		r := internal.NewBinaryReader(body[2:])
		msg, err := r.ReadVarchar(200)
		require.NoError(t, err)
		assert.Equal(t, "房間已滿", msg)
	})

	t.Run("authenticate ok without room", func(t *testing.T) {
		cmd := internal.AuthenticateOK(internal.UserInfo{ID: 7, Name: "alice"}, nil)
		body := cmd.Encode()
		assert.Equal(t, byte(internal.SrvAuthenticate), body[0])
		assert.Equal(t, byte(1), body[1])

		r := internal.NewBinaryReader(body[2:])
		id, err := r.ReadI32()
		require.NoError(t, err)
		assert.Equal(t, int32(7), id)
		name, err := r.ReadVarchar(64)
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
		monitor, err := r.ReadBool()
		require.NoError(t, err)
		assert.False(t, monitor)
		hasRoom, err := r.ReadBool()
		require.NoError(t, err)
		assert.False(t, hasRoom)
		assert.Equal(t, 0, r.Remaining())
	})

	t.Run("touches relay frame", func(t *testing.T) {
		frames := []internal.TouchFrame{{
			Time:   1.5,
			Points: []internal.TouchPoint{{ID: 0, Pos: internal.NewCompactPos(0.25, -0.5)}},
		}}
		body := internal.TouchesCommand(42, frames).Encode()
		assert.Equal(t, byte(internal.SrvTouches), body[0])

		r := internal.NewBinaryReader(body[1:])
		player, err := r.ReadI32()
		require.NoError(t, err)
		assert.Equal(t, int32(42), player)
		n, err := r.ReadUleb()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
	})
}

// TestRoomStateEncode SelectChart 附帶可選譜面 ID
func TestRoomStateEncode(t *testing.T) {
	chartID := int32(17)

	w := internal.NewBinaryWriter()
	cmd := internal.ChangeStateCommand(internal.SelectChartState(&chartID))
	w.WriteBytes(cmd.Encode())

	r := internal.NewBinaryReader(w.Bytes())
	typ, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(internal.SrvChangeState), typ)

	stateType, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(internal.RoomStateSelectChart), stateType)

	has, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, has)

	id, err := r.ReadI32()
	require.NoError(t, err)
	assert.Equal(t, int32(17), id)
}
