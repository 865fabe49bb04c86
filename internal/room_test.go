package internal_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-rhythm-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUser(id int32, name string) *internal.User {
	return internal.NewUser(id, name, internal.LangEnUS)
}

// newReadyRoom 建好一個已選譜的房間，回傳房主與其他玩家。
func newReadyRoom(t *testing.T, extra int) (*internal.Room, *internal.User, []*internal.User) {
	t.Helper()

	host := newTestUser(1, "host")
	room := internal.NewRoom("test-room", host, 8, testLogger())

	others := make([]*internal.User, 0, extra)
	for i := 0; i < extra; i++ {
		u := newTestUser(int32(10+i), "player")
		require.True(t, room.AddUser(u, false))
		others = append(others, u)
	}

	require.NoError(t, room.SelectChartFor(host, &internal.Chart{ID: 100, Name: "測試譜面"}))
	return room, host, others
}

// TestNewRoom 測試創建新房間
func TestNewRoom(t *testing.T) {
	host := newTestUser(1, "host")
	room := internal.NewRoom("my-room", host, 4, testLogger())

	require.NotNil(t, room)
	assert.Equal(t, internal.RoomID("my-room"), room.ID)
	assert.Equal(t, internal.StateSelectChart, room.StateType())
	assert.Equal(t, 4, room.MaxPlayers())
	assert.True(t, room.CheckHost(host))
	assert.Len(t, room.Users(), 1)
	assert.Empty(t, room.Monitors())
	assert.False(t, room.IsLocked())
	assert.False(t, room.IsCycle())
	assert.False(t, room.IsLive())
}

// TestRoom_AddUser 測試加入：玩家受容量限制，觀戰者不受限
func TestRoom_AddUser(t *testing.T) {
	host := newTestUser(1, "host")
	room := internal.NewRoom("cap-room", host, 2, testLogger())

	assert.True(t, room.AddUser(newTestUser(2, "p2"), false))
	assert.False(t, room.AddUser(newTestUser(3, "p3"), false), "房間滿了應該拒絕")
	assert.Len(t, room.Users(), 2)

	// 觀戰者不計入容量
	assert.True(t, room.AddUser(newTestUser(4, "mon"), true))
	assert.Len(t, room.Monitors(), 1)
	assert.Len(t, room.Users(), 2)
}

// TestRoom_FullGameFlow 一整局的狀態機流程：
// 選譜 → 發起開局 → 全員準備 → 遊玩 → 全員交成績 → 回到選譜
func TestRoom_FullGameFlow(t *testing.T) {
	room, host, others := newReadyRoom(t, 2)
	p2, p3 := others[0], others[1]

	// 發起開局：準備集合以房主起始
	require.NoError(t, room.RequestStart(host))
	assert.Equal(t, internal.StateWaitForReady, room.StateType())

	// 部分準備還不夠
	require.NoError(t, room.Ready(p2))
	assert.Equal(t, internal.StateWaitForReady, room.StateType())

	// 最後一人準備，邊緣觸發轉換
	require.NoError(t, room.Ready(p3))
	assert.Equal(t, internal.StatePlaying, room.StateType())

	// 交成績
	require.NoError(t, room.RecordPlayed(host, internal.Record{Player: host.ID, Score: 1000000}))
	require.NoError(t, room.RecordPlayed(p2, internal.Record{Player: p2.ID, Score: 950000}))
	assert.Equal(t, internal.StatePlaying, room.StateType())

	// 最後一人放棄，本局結束
	require.NoError(t, room.RecordAbort(p3))
	assert.Equal(t, internal.StateSelectChart, room.StateType())

	// 譜面保留供重玩
	require.NotNil(t, room.Chart())
	assert.Equal(t, int32(100), room.Chart().ID)
}

// TestRoom_RequestStart 開局的前置條件
func TestRoom_RequestStart(t *testing.T) {
	host := newTestUser(1, "host")
	room := internal.NewRoom("start-room", host, 8, testLogger())
	p2 := newTestUser(2, "p2")
	require.True(t, room.AddUser(p2, false))

	// 沒選譜不能開局
	assert.ErrorIs(t, room.RequestStart(host), internal.ErrNoChartSelected)

	// 非房主不能開局
	require.NoError(t, room.SelectChartFor(host, &internal.Chart{ID: 1, Name: "c"}))
	assert.ErrorIs(t, room.RequestStart(p2), internal.ErrNotHost)

	// 重複開局是狀態錯誤
	require.NoError(t, room.RequestStart(host))
	assert.ErrorIs(t, room.RequestStart(host), internal.ErrInvalidState)
}

// TestRoom_SelectChart 選譜的權限與狀態限制
func TestRoom_SelectChart(t *testing.T) {
	room, host, others := newReadyRoom(t, 1)

	assert.ErrorIs(t,
		room.SelectChartFor(others[0], &internal.Chart{ID: 2, Name: "x"}),
		internal.ErrNotHost)

	require.NoError(t, room.RequestStart(host))
	assert.ErrorIs(t,
		room.SelectChartFor(host, &internal.Chart{ID: 2, Name: "x"}),
		internal.ErrInvalidState)
}

// TestRoom_ReadySemantics 準備/取消準備的語意
func TestRoom_ReadySemantics(t *testing.T) {
	t.Run("duplicate ready is an error", func(t *testing.T) {
		room, host, others := newReadyRoom(t, 2)
		require.NoError(t, room.RequestStart(host))

		require.NoError(t, room.Ready(others[0]))
		assert.ErrorIs(t, room.Ready(others[0]), internal.ErrAlreadyReady)
	})

	t.Run("cancel ready for absent mark is a no-op", func(t *testing.T) {
		room, host, others := newReadyRoom(t, 2)
		require.NoError(t, room.RequestStart(host))

		// 從未準備過的玩家取消：不報錯、狀態不變
		require.NoError(t, room.CancelReady(others[0]))
		assert.Equal(t, internal.StateWaitForReady, room.StateType())

		// 再取消一次還是 no-op
		require.NoError(t, room.CancelReady(others[0]))
		assert.Equal(t, internal.StateWaitForReady, room.StateType())
	})

	t.Run("host cancel aborts the whole handshake", func(t *testing.T) {
		room, host, others := newReadyRoom(t, 2)
		require.NoError(t, room.RequestStart(host))
		require.NoError(t, room.Ready(others[0]))

		// 房主取消 → 回到選譜（唯一的回退轉換）
		require.NoError(t, room.CancelReady(host))
		assert.Equal(t, internal.StateSelectChart, room.StateType())
	})

	t.Run("ready outside wait phase is silently ignored", func(t *testing.T) {
		room, _, others := newReadyRoom(t, 1)
		// SelectChart 階段的慢封包
		require.NoError(t, room.Ready(others[0]))
		assert.Equal(t, internal.StateSelectChart, room.StateType())
	})
}

// TestRoom_PlayedSemantics 成績回報的冪等性保護
func TestRoom_PlayedSemantics(t *testing.T) {
	room, host, others := newReadyRoom(t, 1)
	p2 := others[0]
	require.NoError(t, room.RequestStart(host))
	require.NoError(t, room.Ready(p2))
	require.Equal(t, internal.StatePlaying, room.StateType())

	require.NoError(t, room.RecordPlayed(host, internal.Record{Player: host.ID}))

	// 重複交成績
	assert.ErrorIs(t, room.RecordPlayed(host, internal.Record{Player: host.ID}), internal.ErrAlreadyPlayed)
	// 交過成績後不能放棄
	assert.ErrorIs(t, room.RecordAbort(host), internal.ErrAlreadyPlayed)

	require.NoError(t, room.RecordAbort(p2))
	// 放棄後不能補交
	assert.Equal(t, internal.StateSelectChart, room.StateType())
}

// TestRoom_LeaveTriggersTransition 玩家離開可能讓轉換條件瞬間成立
func TestRoom_LeaveTriggersTransition(t *testing.T) {
	room, host, others := newReadyRoom(t, 1)
	straggler := others[0]

	require.NoError(t, room.RequestStart(host))
	assert.Equal(t, internal.StateWaitForReady, room.StateType())

	// 唯一沒準備的人離開 → 剩下的人全準備好了 → 開打
	drop := room.OnUserLeave(straggler)
	assert.False(t, drop)
	assert.Equal(t, internal.StatePlaying, room.StateType())
}

// TestRoom_HostMigration 房主離開時的遷移
func TestRoom_HostMigration(t *testing.T) {
	t.Run("random successor among remaining", func(t *testing.T) {
		room, host, others := newReadyRoom(t, 2)

		drop := room.OnUserLeave(host)
		assert.False(t, drop)

		newHost := room.Host()
		require.NotNil(t, newHost)
		assert.Contains(t, []int32{others[0].ID, others[1].ID}, newHost.ID)
	})

	t.Run("last player leaving drops the room", func(t *testing.T) {
		host := newTestUser(1, "host")
		room := internal.NewRoom("solo", host, 8, testLogger())

		assert.True(t, room.OnUserLeave(host))
	})

	t.Run("monitor leaving never drops the room", func(t *testing.T) {
		host := newTestUser(1, "host")
		room := internal.NewRoom("mon-room", host, 8, testLogger())
		mon := newTestUser(2, "mon")
		mon.SetMonitor(true)
		require.True(t, room.AddUser(mon, true))
		room.SetLive(true)

		assert.False(t, room.OnUserLeave(mon))
		assert.Empty(t, room.Monitors())
		assert.False(t, room.IsLive(), "最後一個觀戰者離開後停止轉播")
	})
}

// playRound 讓一局完整跑完（全員準備、全員交成績）。
func playRound(t *testing.T, room *internal.Room, users []*internal.User) {
	t.Helper()

	host := room.Host()
	require.NotNil(t, host)
	require.NoError(t, room.RequestStart(host))
	for _, u := range users {
		if u.ID == host.ID {
			continue
		}
		require.NoError(t, room.Ready(u))
	}
	require.Equal(t, internal.StatePlaying, room.StateType())
	for _, u := range users {
		require.NoError(t, room.RecordPlayed(u, internal.Record{Player: u.ID}))
	}
	require.Equal(t, internal.StateSelectChart, room.StateType())
}

// TestRoom_MonitorReadyHandshake 觀戰者也計入準備集合：
// 未準備的觀戰者擋住開局，確認準備或離開都會讓轉換條件成立。
func TestRoom_MonitorReadyHandshake(t *testing.T) {
	setup := func(t *testing.T) (*internal.Room, *internal.User) {
		t.Helper()

		host := newTestUser(1, "host")
		room := internal.NewRoom("mon-room", host, 8, testLogger())

		monitor := newTestUser(50, "monitor")
		monitor.SetMonitor(true)
		require.True(t, room.AddUser(monitor, true))
		room.SetLive(true)

		require.NoError(t, room.SelectChartFor(host, &internal.Chart{ID: 100, Name: "測試譜面"}))
		require.NoError(t, room.RequestStart(host))
		return room, monitor
	}

	t.Run("monitor not ready blocks the transition", func(t *testing.T) {
		room, _ := setup(t)
		// 房主在 RequestStart 時已就緒，觀戰者還沒
		assert.Equal(t, internal.StateWaitForReady, room.StateType())
	})

	t.Run("monitor ready completes the transition", func(t *testing.T) {
		room, monitor := setup(t)
		require.NoError(t, room.Ready(monitor))
		assert.Equal(t, internal.StatePlaying, room.StateType())
	})

	t.Run("monitor departure completes the transition", func(t *testing.T) {
		room, monitor := setup(t)
		dropped := room.OnUserLeave(monitor)
		assert.False(t, dropped, "觀戰者離開不會清空房間")
		assert.Equal(t, internal.StatePlaying, room.StateType())
		assert.False(t, room.IsLive(), "最後一個觀戰者離開後停止轉播")
	})
}

// TestRoom_CycleRotation 循環模式的確定性輪替：
// 依 roster 順序取當前房主的下一位，到尾端回繞。
func TestRoom_CycleRotation(t *testing.T) {
	room, host, others := newReadyRoom(t, 2)
	room.SetCycle(true)
	all := append([]*internal.User{host}, others...)

	// roster 是 [host, p2, p3]
	playRound(t, room, all)
	require.NotNil(t, room.Host())
	assert.Equal(t, others[0].ID, room.Host().ID)

	playRound(t, room, all)
	assert.Equal(t, others[1].ID, room.Host().ID)

	// 回繞到開頭
	playRound(t, room, all)
	assert.Equal(t, host.ID, room.Host().ID)
}

// TestRoom_ContestWhitelist 比賽白名單外的玩家不影響轉換判定
func TestRoom_ContestWhitelist(t *testing.T) {
	room, host, _ := newReadyRoom(t, 2)
	room.SetContest(&internal.ContestConfig{
		Whitelist: map[int32]struct{}{host.ID: {}},
	})

	// 只有房主在白名單內，開局時準備集合已含房主 → 立即開打
	require.NoError(t, room.RequestStart(host))
	assert.Equal(t, internal.StatePlaying, room.StateType())

	// 成績判定同樣只看白名單
	require.NoError(t, room.RecordPlayed(host, internal.Record{Player: host.ID}))
	assert.Equal(t, internal.StateSelectChart, room.StateType())
}

// TestRoom_ContestManualStart 手動開局模式停用自動轉換
func TestRoom_ContestManualStart(t *testing.T) {
	room, host, others := newReadyRoom(t, 1)
	room.SetContest(&internal.ContestConfig{ManualStart: true})

	require.NoError(t, room.RequestStart(host))
	require.NoError(t, room.Ready(others[0]))

	// 全員準備也不自動開打
	assert.Equal(t, internal.StateWaitForReady, room.StateType())

	// 管理端強制開局
	assert.True(t, room.ForceStart())
	assert.Equal(t, internal.StatePlaying, room.StateType())

	// 非等待階段的強制開局是 no-op
	assert.False(t, room.ForceStart())
}

// TestRoom_ClientState 給重連客戶端的快照
func TestRoom_ClientState(t *testing.T) {
	room, host, others := newReadyRoom(t, 1)
	require.NoError(t, room.RequestStart(host))

	cs := room.ClientState(host)
	assert.Equal(t, internal.RoomID("test-room"), cs.ID)
	assert.True(t, cs.IsHost)
	assert.True(t, cs.IsReady, "開局發起者已在準備集合中")
	assert.Equal(t, internal.RoomStateWaitingForReady, cs.State.Type)
	assert.Len(t, cs.Users, 2)

	cs2 := room.ClientState(others[0])
	assert.False(t, cs2.IsHost)
	assert.False(t, cs2.IsReady)
}

// TestRoom_LockAndCycleFlags 鎖定與循環旗標
func TestRoom_LockAndCycleFlags(t *testing.T) {
	host := newTestUser(1, "host")
	room := internal.NewRoom("flag-room", host, 8, testLogger())

	room.SetLocked(true)
	assert.True(t, room.IsLocked())
	room.SetLocked(false)
	assert.False(t, room.IsLocked())

	room.SetCycle(true)
	assert.True(t, room.IsCycle())
}
