package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// 系統設計問題：
//   伺服器級的三張登記表（連接、使用者、房間）如何在高併發下保持一致，
//   斷線清理又如何做到恰好一次？
//
// 核心挑戰：
//   1. 清理競態：心跳、讀失敗、寫失敗可能同時回報同一條連接失效
//   2. 重連交錯：新連接認證完成時，舊連接的清理可能還在路上
//   3. 所有權：使用者物件被房間、連接、登記表同時引用，誰負責釋放？
//
// 設計方案：
//   ✅ 三張獨立的 RWMutex map - sessions / users / rooms
//   ✅ 中央收割者 - 單一 goroutine 消化失效回報，拆除天然序列化
//   ✅ 過期連接檢查 - 只有「仍是當前綁定」的連接失效才觸發使用者斷線
//   ✅ 登記表是唯一擁有者 - 房間與連接只保存非擁有引用

// ServerState 伺服器全域狀態。
type ServerState struct {
	cfg    *Config
	logger *slog.Logger

	userProvider   UserProvider
	chartProvider  ChartProvider
	recordProvider RecordProvider

	bans  *BanManager
	l10n  *L10n
	hooks *HookSet

	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*Session

	usersMu sync.RWMutex
	users   map[int32]*User

	roomsMu sync.RWMutex
	rooms   map[RoomID]*Room

	lostCh chan *Session
	done   chan struct{}

	replayEnabled atomic.Bool
	roomCreation  atomic.Bool

	listener net.Listener
	closed   atomic.Bool
}

// NewServerState 建立伺服器狀態。
func NewServerState(cfg *Config, users UserProvider, charts ChartProvider, records RecordProvider, logger *slog.Logger) *ServerState {
	st := &ServerState{
		cfg:            cfg,
		logger:         logger,
		userProvider:   users,
		chartProvider:  charts,
		recordProvider: records,
		bans:           NewBanManager(cfg.BanFile, logger),
		l10n:           NewL10n(),
		hooks:          NewHookSet(),
		sessions:       make(map[uuid.UUID]*Session),
		users:          make(map[int32]*User),
		rooms:          make(map[RoomID]*Room),
		lostCh:         make(chan *Session, 1024),
		done:           make(chan struct{}),
	}
	st.replayEnabled.Store(cfg.ReplayEnabled)
	st.roomCreation.Store(cfg.RoomCreationEnabled)
	return st
}

// Addr 實際監聽位址（埠設 0 時由系統分配）。
func (st *ServerState) Addr() net.Addr {
	if st.listener == nil {
		return nil
	}
	return st.listener.Addr()
}

func (st *ServerState) Hooks() *HookSet   { return st.hooks }
func (st *ServerState) Bans() *BanManager { return st.bans }
func (st *ServerState) L10n() *L10n       { return st.l10n }

func (st *ServerState) ReplayEnabled() bool       { return st.replayEnabled.Load() }
func (st *ServerState) SetReplayEnabled(v bool)   { st.replayEnabled.Store(v) }
func (st *ServerState) RoomCreationEnabled() bool { return st.roomCreation.Load() }
func (st *ServerState) SetRoomCreation(v bool)    { st.roomCreation.Store(v) }

// Start 載入持久資料、開始監聽並啟動收割者。
func (st *ServerState) Start() error {
	if err := st.bans.Load(); err != nil {
		return fmt.Errorf("載入封禁名單失敗: %w", err)
	}
	if err := st.l10n.LoadDirectory(st.cfg.LocalesDir); err != nil {
		return fmt.Errorf("載入語言檔失敗: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", st.cfg.Port))
	if err != nil {
		return fmt.Errorf("監聽失敗: %w", err)
	}
	st.listener = ln

	go st.reaperLoop()
	go st.acceptLoop()

	st.logger.Info("遊戲伺服器已啟動", "port", st.cfg.Port)
	return nil
}

// Stop 關閉監聽並拆除所有連接。
func (st *ServerState) Stop() {
	if !st.closed.CompareAndSwap(false, true) {
		return
	}
	close(st.done)
	if st.listener != nil {
		_ = st.listener.Close()
	}

	st.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.sessions = make(map[uuid.UUID]*Session)
	st.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	st.logger.Info("遊戲伺服器已關閉")
}

func (st *ServerState) acceptLoop() {
	for {
		conn, err := st.listener.Accept()
		if err != nil {
			if st.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			st.logger.Error("接受連接失敗", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go st.handleConn(conn)
	}
}

// handleConn 版本握手，成功後登記連接並啟動它的三條 goroutine。
func (st *ServerState) handleConn(conn net.Conn) {
	sess, err := NewSession(st, conn, st.logger)
	if err != nil {
		st.logger.Debug("握手失敗", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	st.sessionsMu.Lock()
	st.sessions[sess.ID] = sess
	st.sessionsMu.Unlock()

	sess.Start()
}

// reportLost 把失效連接交給收割者。伺服器關閉中就地拆除。
func (st *ServerState) reportLost(s *Session) {
	select {
	case st.lostCh <- s:
	case <-st.done:
		s.Shutdown()
	}
}

// reaperLoop 中央收割者：單一 goroutine 消化所有失效回報。
// 心跳、讀失敗、寫失敗、佇列滿可能幾乎同時回報同一條連接，
// 連接自己的 CAS 擋掉重複回報，這裡的單執行緒消化讓拆除序列化。
func (st *ServerState) reaperLoop() {
	for {
		select {
		case <-st.done:
			return
		case s := <-st.lostCh:
			st.reapSession(s)
		}
	}
}

// reapSession 拆除一條連接，並在必要時讓使用者進入斷線寬限。
func (st *ServerState) reapSession(s *Session) {
	s.Shutdown()

	st.sessionsMu.Lock()
	delete(st.sessions, s.ID)
	st.sessionsMu.Unlock()

	user := s.User()
	if user == nil {
		return
	}

	// 過期連接檢查：使用者可能已經用新連接重新認證，
	// 這裡只處理「失效的正是當前綁定」的情況
	if !user.DetachSession(s) {
		st.logger.Debug("忽略過期連接的清理", "user_id", user.ID)
		return
	}

	st.logger.Info("使用者斷線", "user_id", user.ID, "user_name", user.Name())

	// 遊玩中的房間不等寬限期，立即離開（其他人還在等成績判定）
	if room := user.Room(); room != nil && room.StateType() == StatePlaying {
		st.leaveRoom(user, room)
	}

	user.Dangle(st.cfg.DangleGrace, func() {
		st.expireUser(user)
	})
}

// expireUser 寬限期到、沒有重連，釋放使用者的所有狀態。
func (st *ServerState) expireUser(user *User) {
	// 寬限計時與重連可能交錯：再確認一次目前沒有綁定連接
	if user.Session() != nil {
		return
	}

	st.logger.Info("重連寬限期已過，移除使用者", "user_id", user.ID)
	if room := user.Room(); room != nil {
		st.leaveRoom(user, room)
	}

	st.usersMu.Lock()
	if st.users[user.ID] == user {
		delete(st.users, user.ID)
	}
	st.usersMu.Unlock()
}

// Authenticate 以 token 向外部 API 驗證身份，成功後綁定連接。
// 同一使用者的重連會接管舊綁定，舊連接交給收割者。
func (st *ServerState) Authenticate(s *Session, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := st.userProvider.FetchUser(ctx, token)
	if err != nil {
		st.logger.Warn("認證失敗", "error", err)
		s.TrySend(AuthenticateErr("authentication failed"))
		return
	}

	if st.bans.IsBanned(info.ID) {
		lang := ParseLanguage(info.Language)
		st.logger.Warn("封禁使用者嘗試連線", "user_id", info.ID)
		s.TrySend(AuthenticateErr(TrError(st.l10n, lang, ErrBanned)))
		s.reportLost()
		return
	}

	st.usersMu.Lock()
	user, exists := st.users[info.ID]
	if !exists {
		user = NewUser(info.ID, info.Name, ParseLanguage(info.Language))
		st.users[info.ID] = user
	}
	st.usersMu.Unlock()

	if exists {
		// 名稱與語言以最新認證為準
		user.SetProfile(info.Name, ParseLanguage(info.Language))
		if user.Reclaim() {
			st.logger.Info("使用者在寬限期內重連", "user_id", user.ID)
		}
	}

	if old := user.BindSession(s); old != nil && old != s {
		st.logger.Info("同一使用者的新連接接管", "user_id", user.ID)
		old.reportLost()
	}
	s.setUser(user)

	var roomState *ClientRoomState
	if room := user.Room(); room != nil {
		cs := room.ClientState(user)
		roomState = &cs
	}

	st.logger.Info("使用者已認證", "user_id", user.ID, "user_name", user.Name())
	s.TrySend(AuthenticateOK(user.Info(), roomState))
}

// ── 房間登記表 ──────────────────────────────────────────────────────

// GetRoom 依 ID 查房間。
func (st *ServerState) GetRoom(id RoomID) *Room {
	st.roomsMu.RLock()
	defer st.roomsMu.RUnlock()
	return st.rooms[id]
}

// GetUser 依 ID 查使用者。
func (st *ServerState) GetUser(id int32) *User {
	st.usersMu.RLock()
	defer st.usersMu.RUnlock()
	return st.users[id]
}

// Rooms 所有房間的快照。
func (st *ServerState) Rooms() []*Room {
	st.roomsMu.RLock()
	defer st.roomsMu.RUnlock()
	out := make([]*Room, 0, len(st.rooms))
	for _, r := range st.rooms {
		out = append(out, r)
	}
	return out
}

// Users 所有在線使用者的快照。
func (st *ServerState) Users() []*User {
	st.usersMu.RLock()
	defer st.usersMu.RUnlock()
	out := make([]*User, 0, len(st.users))
	for _, u := range st.users {
		out = append(out, u)
	}
	return out
}

// createRoom 佔用房間 ID 並登記新房間。ID 已被使用時失敗。
func (st *ServerState) createRoom(id RoomID, host *User) (*Room, error) {
	st.roomsMu.Lock()
	if _, ok := st.rooms[id]; ok {
		st.roomsMu.Unlock()
		return nil, ErrRoomIDOccupied
	}
	room := NewRoom(id, host, st.cfg.RoomMaxPlayers, st.logger)
	room.SetDisbandFn(func(r *Room) { st.DisbandRoom(r.ID) })
	st.rooms[id] = room
	st.roomsMu.Unlock()

	st.hooks.NotifyRoomCreate(room)
	return room, nil
}

// removeRoom 從登記表移除房間並清掉它的暫態封禁。
func (st *ServerState) removeRoom(room *Room) {
	st.roomsMu.Lock()
	if st.rooms[room.ID] != room {
		st.roomsMu.Unlock()
		return
	}
	delete(st.rooms, room.ID)
	st.roomsMu.Unlock()

	st.bans.ClearRoom(room.ID)
	st.hooks.NotifyRoomDestroy(room.ID)
	st.logger.Info("房間已移除", "room_id", room.ID)
}

// leaveRoom 讓使用者離開房間，房間空了就移除。
func (st *ServerState) leaveRoom(user *User, room *Room) {
	drop := room.OnUserLeave(user)
	user.SetRoom(nil)
	user.SetMonitor(false)
	st.hooks.NotifyUserLeave(user.ID, room.ID)
	if drop {
		st.removeRoom(room)
	}
}

// ── 管理能力（HTTP 管理介面與比賽工具呼叫）────────────────────────────

// KickUser 踢出使用者：離開房間並斷開連接。
func (st *ServerState) KickUser(userID int32) error {
	user := st.GetUser(userID)
	if user == nil {
		return fmt.Errorf("使用者不在線: %d", userID)
	}
	if room := user.Room(); room != nil {
		st.leaveRoom(user, room)
	}
	if s := user.Session(); s != nil {
		s.reportLost()
	}
	st.hooks.NotifyUserKick(userID)
	st.logger.Warn("使用者被踢出", "user_id", userID)
	return nil
}

// BanUser 全域封禁並立即踢出。
func (st *ServerState) BanUser(userID int32) error {
	if !st.bans.Ban(userID) {
		return fmt.Errorf("使用者已在封禁名單: %d", userID)
	}
	st.hooks.NotifyUserBan(userID)
	if st.GetUser(userID) != nil {
		_ = st.KickUser(userID)
	}
	return nil
}

// UnbanUser 解除全域封禁。
func (st *ServerState) UnbanUser(userID int32) error {
	if !st.bans.Unban(userID) {
		return fmt.Errorf("使用者不在封禁名單: %d", userID)
	}
	st.hooks.NotifyUserUnban(userID)
	return nil
}

// DisbandRoom 解散房間：通知後把所有成員踢回大廳。
func (st *ServerState) DisbandRoom(roomID RoomID) error {
	room := st.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}

	for _, u := range room.Users() {
		u.SetRoom(nil)
		u.TrySend(MessageCommand(LeaveRoomMessage(u.ID, u.Name())))
	}
	for _, m := range room.Monitors() {
		m.SetRoom(nil)
		m.SetMonitor(false)
	}
	st.removeRoom(room)
	return nil
}

// SetRoomMaxUsers 調整房間的玩家上限（不影響已在房內的玩家）。
func (st *ServerState) SetRoomMaxUsers(roomID RoomID, n int) error {
	room := st.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	if n < 1 || n > 100 {
		return fmt.Errorf("玩家上限必須在 1-100 之間: %d", n)
	}
	room.SetMaxPlayers(n)
	return nil
}

// Broadcast 向所有在線使用者廣播系統訊息。
func (st *ServerState) Broadcast(content string) {
	cmd := MessageCommand(ChatMessage(systemUserID, content))
	for _, u := range st.Users() {
		u.TrySend(cmd)
	}
}

// Roomsay 向單一房間廣播系統訊息。
func (st *ServerState) Roomsay(roomID RoomID, content string) error {
	room := st.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	room.Send(ChatMessage(systemUserID, content))
	return nil
}

// SetContest 設定或清除房間的比賽模式。
func (st *ServerState) SetContest(roomID RoomID, contest *ContestConfig) error {
	room := st.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	room.SetContest(contest)
	return nil
}

// StartContest 強制開局（manual_start 的房間用）。
func (st *ServerState) StartContest(roomID RoomID) error {
	room := st.GetRoom(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	if !room.ForceStart() {
		return ErrInvalidState
	}
	return nil
}

// systemUserID 系統訊息的發送者 ID。
const systemUserID int32 = 0
