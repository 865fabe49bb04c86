package internal

import (
	"context"
	"math"
	"time"
)

// 指令處理。
//
// Result 型指令只回覆發出指令的那條連接（OK 或翻譯過的錯誤訊息），
// 狀態變更的廣播由房間層負責。Touches/Judges 是串流，沒有回覆，
// 條件不滿足時靜默丟棄（慢封包在狀態轉換後才到是正常時序）。

const providerTimeout = 10 * time.Second

// Process 處理一個已認證的指令。
func (st *ServerState) Process(s *Session, user *User, cmd *ClientCommand) {
	switch cmd.Type {
	case CmdChat:
		s.TrySend(st.result(SrvChat, user, st.handleChat(user, cmd.Message)))
	case CmdTouches:
		st.handleTouches(user, cmd.Frames)
	case CmdJudges:
		st.handleJudges(user, cmd.Judges)
	case CmdCreateRoom:
		s.TrySend(st.result(SrvCreateRoom, user, st.handleCreateRoom(user, cmd.RoomID)))
	case CmdJoinRoom:
		st.handleJoinRoom(s, user, cmd.RoomID, cmd.Monitor)
	case CmdLeaveRoom:
		s.TrySend(st.result(SrvLeaveRoom, user, st.handleLeaveRoom(user)))
	case CmdLockRoom:
		s.TrySend(st.result(SrvLockRoom, user, st.handleLockRoom(user, cmd.Flag)))
	case CmdCycleRoom:
		s.TrySend(st.result(SrvCycleRoom, user, st.handleCycleRoom(user, cmd.Flag)))
	case CmdSelectChart:
		s.TrySend(st.result(SrvSelectChart, user, st.handleSelectChart(user, cmd.ChartID)))
	case CmdRequestStart:
		s.TrySend(st.result(SrvRequestStart, user, st.handleRequestStart(user)))
	case CmdReady:
		s.TrySend(st.result(SrvReady, user, st.handleReady(user)))
	case CmdCancelReady:
		s.TrySend(st.result(SrvCancelReady, user, st.handleCancelReady(user)))
	case CmdPlayed:
		s.TrySend(st.result(SrvPlayed, user, st.handlePlayed(user, cmd.ChartID)))
	case CmdAbort:
		s.TrySend(st.result(SrvAbort, user, st.handleAbort(user)))
	default:
		st.logger.Warn("未處理的指令", "type", cmd.Type, "user_id", user.ID)
	}
}

// result 把處理結果轉成回覆，錯誤訊息用使用者的語言。
func (st *ServerState) result(t ServerCommandType, user *User, err error) *ServerCommand {
	if err != nil {
		return SimpleErr(t, TrError(st.l10n, user.Lang(), err))
	}
	return SimpleOK(t)
}

func (st *ServerState) handleChat(user *User, content string) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	room.SendAs(user, content)
	return nil
}

// handleTouches 觸控串流轉發。只在「玩家、房間 live、遊玩中」時
// 轉發給觀戰者，其餘情況靜默丟棄。最後一幀的時間戳同步到
// 玩家的遊戲時鐘，觀戰端用它對齊多路串流。
func (st *ServerState) handleTouches(user *User, frames []TouchFrame) {
	if len(frames) == 0 || user.IsMonitor() {
		return
	}
	room := user.Room()
	if room == nil || !room.IsLive() || room.StateType() != StatePlaying {
		return
	}
	user.gameTime.Store(math.Float32bits(frames[len(frames)-1].Time))
	room.BroadcastMonitors(TouchesCommand(user.ID, frames))
}

// handleJudges 判定串流轉發，條件與觸控串流相同。
func (st *ServerState) handleJudges(user *User, judges []JudgeEvent) {
	if len(judges) == 0 || user.IsMonitor() {
		return
	}
	room := user.Room()
	if room == nil || !room.IsLive() || room.StateType() != StatePlaying {
		return
	}
	room.BroadcastMonitors(JudgesCommand(user.ID, judges))
}

func (st *ServerState) handleCreateRoom(user *User, id RoomID) error {
	if !st.RoomCreationEnabled() {
		return ErrRoomCreationDisabled
	}
	if user.Room() != nil {
		return ErrAlreadyInRoom
	}

	room, err := st.createRoom(id, user)
	if err != nil {
		return err
	}
	user.SetRoom(room)
	user.SetMonitor(false)

	room.Send(CreateRoomMessage(user.ID))
	st.logger.Info("房間已創建", "room_id", id, "user_id", user.ID)
	return nil
}

// handleJoinRoom 加入檢查的順序固定：已在房間 → 房間存在 →
// 鎖定 → 遊戲進行中 → 觀戰權限 → 房間封禁 → 容量。
// 第一個失敗的檢查決定錯誤訊息。
func (st *ServerState) handleJoinRoom(s *Session, user *User, id RoomID, monitor bool) {
	reply := func(err error) {
		s.TrySend(JoinRoomErr(TrError(st.l10n, user.Lang(), err)))
	}

	if user.Room() != nil {
		reply(ErrAlreadyInRoom)
		return
	}
	room := st.GetRoom(id)
	if room == nil {
		reply(ErrRoomNotFound)
		return
	}
	if room.IsLocked() {
		reply(ErrRoomLocked)
		return
	}
	if room.StateType() != StateSelectChart {
		reply(ErrGameOngoing)
		return
	}
	if monitor && !st.cfg.CanMonitor(user.ID) {
		reply(ErrCannotMonitor)
		return
	}
	if st.bans.IsBannedFromRoom(user.ID, id) {
		reply(ErrRoomBanned)
		return
	}
	if !room.AddUser(user, monitor) {
		reply(ErrRoomFull)
		return
	}

	user.SetRoom(room)
	user.SetMonitor(monitor)
	if monitor && st.ReplayEnabled() {
		room.SetLive(true)
	}

	room.Send(JoinRoomMessage(user.ID, user.Name()))
	room.Broadcast(OnJoinRoomCommand(user.Info()))
	st.hooks.NotifyUserJoin(user, room)

	users := make([]UserInfo, 0, 8)
	for _, u := range room.Users() {
		users = append(users, u.Info())
	}
	for _, m := range room.Monitors() {
		users = append(users, m.Info())
	}
	s.TrySend(JoinRoomOK(JoinRoomResponse{
		State: room.ClientState(user).State,
		Users: users,
		Live:  room.IsLive(),
	}))

	// 加入可能讓等待中的轉換條件變化，重跑邊緣觸發檢查
	room.CheckAllReady()
}

func (st *ServerState) handleLeaveRoom(user *User) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	st.leaveRoom(user, room)
	return nil
}

func (st *ServerState) handleLockRoom(user *User, lock bool) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if !room.CheckHost(user) {
		return ErrNotHost
	}
	room.SetLocked(lock)
	room.Send(LockRoomMessage(lock))
	return nil
}

func (st *ServerState) handleCycleRoom(user *User, cycle bool) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if !room.CheckHost(user) {
		return ErrNotHost
	}
	room.SetCycle(cycle)
	room.Send(CycleRoomMessage(cycle))
	return nil
}

func (st *ServerState) handleSelectChart(user *User, chartID int32) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if !room.CheckHost(user) {
		return ErrNotHost
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()
	chart, err := st.chartProvider.FetchChart(ctx, chartID)
	if err != nil {
		st.logger.Warn("取得譜面失敗", "chart_id", chartID, "error", err)
		return err
	}
	return room.SelectChartFor(user, chart)
}

func (st *ServerState) handleRequestStart(user *User) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	return room.RequestStart(user)
}

func (st *ServerState) handleReady(user *User) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	return room.Ready(user)
}

func (st *ServerState) handleCancelReady(user *User) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	return room.CancelReady(user)
}

// handlePlayed 玩家交出成績記錄 ID，成績本體向外部 API 查證。
// 記錄的持有者必須是交出它的玩家。
func (st *ServerState) handlePlayed(user *User, recordID int32) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if user.IsMonitor() {
		return ErrInvalidState
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()
	record, err := st.recordProvider.FetchRecord(ctx, recordID)
	if err != nil {
		st.logger.Warn("取得成績失敗", "record_id", recordID, "error", err)
		return err
	}
	if record.Player != user.ID {
		return ErrInvalidRecord
	}
	return room.RecordPlayed(user, *record)
}

func (st *ServerState) handleAbort(user *User) error {
	room := user.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if user.IsMonitor() {
		return ErrInvalidState
	}
	return room.RecordAbort(user)
}
