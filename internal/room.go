package internal

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// 系統設計問題：
//   如何在多條連接 goroutine 並發操作下，維持一場對局的狀態機一致性？
//
// 核心挑戰：
//   1. 狀態管理：三階段狀態機（SelectChart → WaitForReady → Playing → 循環）
//   2. 並發控制：玩家同時準備/取消/離開，房主恰好在狀態轉換時斷線
//   3. 部分失敗：某個玩家的離開可能讓「等待中」的轉換條件瞬間成立
//   4. 廣播一致性：成員變動與廣播交錯時，不能漏發或重發
//
// 設計方案：
//   ✅ 欄位粒度的讀寫鎖（host/state/users/monitors/chart/contest 各自獨立）
//   ✅ 邊緣觸發檢查 - 每次 Ready/CancelReady/join/leave 後重跑 CheckAllReady
//   ✅ 轉換雙重檢查 - 評估後在寫鎖內重新驗證階段，兩條 goroutine 不會各轉換一次
//   ✅ 廣播前先在鎖內取成員快照，送出時不持鎖；鎖絕不跨越 I/O

// 協定層錯誤：回報給發出指令的呼叫者，不產生廣播副作用，連接保持開啟。
var (
	ErrRoomFull             = errors.New("房間已滿")
	ErrRoomLocked           = errors.New("房間已鎖定")
	ErrRoomNotFound         = errors.New("房間不存在")
	ErrRoomIDOccupied       = errors.New("房間 ID 已被使用")
	ErrAlreadyInRoom        = errors.New("已在房間中")
	ErrNotInRoom            = errors.New("不在任何房間中")
	ErrNotHost              = errors.New("只有房主可以執行此操作")
	ErrGameOngoing          = errors.New("遊戲進行中，無法加入")
	ErrInvalidState         = errors.New("當前狀態不允許此操作")
	ErrNoChartSelected      = errors.New("尚未選擇譜面")
	ErrAlreadyReady         = errors.New("已經準備")
	ErrAlreadyPlayed        = errors.New("成績已上傳")
	ErrAlreadyAborted       = errors.New("已放棄本局")
	ErrInvalidRecord        = errors.New("成績與本局玩家不符")
	ErrCannotMonitor        = errors.New("沒有觀戰權限")
	ErrBanned               = errors.New("帳號已被封禁")
	ErrRoomBanned           = errors.New("已被此房間封禁")
	ErrRoomCreationDisabled = errors.New("房間創建目前已停用")
	ErrNotWhitelisted       = errors.New("不在比賽白名單中")
)

// errorKeys 協定層錯誤對應的翻譯 key（缺譯時退回中文原文，見 TrError）。
var errorKeys = map[error]string{
	ErrRoomFull:             "join-room-full",
	ErrRoomLocked:           "join-room-locked",
	ErrRoomNotFound:         "join-room-not-found",
	ErrGameOngoing:          "join-game-ongoing",
	ErrCannotMonitor:        "join-cant-monitor",
	ErrRoomBanned:           "join-room-banned",
	ErrRoomIDOccupied:       "create-id-occupied",
	ErrRoomCreationDisabled: "create-disabled",
	ErrNoChartSelected:      "start-no-chart",
	ErrBanned:               "auth-banned",
}

// TrError 把協定層錯誤翻譯成使用者語言。沒有對應 key 或缺譯時
// 回傳錯誤原文。
func TrError(l *L10n, lang Language, err error) string {
	key, ok := errorKeys[err]
	if !ok {
		return err.Error()
	}
	if msg := l.Tr(lang, key); msg != key {
		return msg
	}
	return err.Error()
}

// InternalStateType 狀態機的內部階段。
type InternalStateType int

const (
	StateSelectChart InternalStateType = iota
	StateWaitForReady
	StatePlaying
)

// InternalRoomState 狀態機的權威內部狀態。
//
// 轉換單向：SelectChart → WaitForReady → Playing → SelectChart（循環）。
// 唯一的回退是 WaitForReady 階段房主明確取消，回到 SelectChart。
type InternalRoomState struct {
	Type    InternalStateType
	Started map[int32]struct{} // WaitForReady：已確認準備的使用者
	Results map[int32]Record   // Playing：已回報的成績
	Aborted map[int32]struct{} // Playing：已放棄的玩家
}

func selectChartState() InternalRoomState {
	return InternalRoomState{Type: StateSelectChart}
}

func waitForReadyState(started map[int32]struct{}) InternalRoomState {
	return InternalRoomState{Type: StateWaitForReady, Started: started}
}

func playingState() InternalRoomState {
	return InternalRoomState{
		Type:    StatePlaying,
		Results: make(map[int32]Record),
		Aborted: make(map[int32]struct{}),
	}
}

// toClient 轉成客戶端投影。SelectChart 附帶已選譜面 ID。
func (s InternalRoomState) toClient(chartID *int32) RoomState {
	switch s.Type {
	case StateWaitForReady:
		return WaitingForReadyState()
	case StatePlaying:
		return PlayingState()
	default:
		return SelectChartState(chartID)
	}
}

// ContestConfig 比賽模式設定。白名單限制誰計入準備與成績判定，
// 白名單外的玩家可以在場但不影響轉換。
type ContestConfig struct {
	Whitelist   map[int32]struct{}
	ManualStart bool // 開局由管理端手動觸發，不自動轉換
	AutoDisband bool // 一局結束後自動解散
}

// Room 一場對局的共享狀態。
//
// 並發設計：
//   - 每個欄位群組一把讀寫鎖；需要巢狀時固定以 state 鎖為最外層，
//     host/users/monitors/contest 鎖內不再取其他鎖
//   - host 是弱語意引用：使用時解析，解析失敗（已離開）是正常情況
//   - users/monitors 由 registry 擁有，房間只保存非擁有引用
type Room struct {
	ID RoomID

	logger *slog.Logger

	hostMu sync.RWMutex
	host   *User

	stateMu sync.RWMutex
	state   InternalRoomState

	live   atomic.Bool // 有觀戰者在場、觸控/判定串流轉發中
	locked atomic.Bool
	cycle  atomic.Bool

	maxPlayers atomic.Int32

	usersMu sync.RWMutex
	users   []*User

	monitorsMu sync.RWMutex
	monitors   []*User

	chartMu sync.RWMutex
	chart   *Chart

	contestMu sync.RWMutex
	contest   *ContestConfig

	// 比賽模式 auto_disband 的回呼，由 registry 在創建時注入
	disbandFn func(*Room)
}

// NewRoom 創建房間。創建者成為房主與第一個玩家。
func NewRoom(id RoomID, host *User, maxPlayers int, logger *slog.Logger) *Room {
	r := &Room{
		ID:     id,
		logger: logger,
		host:   host,
		state:  selectChartState(),
		users:  []*User{host},
	}
	r.maxPlayers.Store(int32(maxPlayers))
	return r
}

func (r *Room) IsLive() bool   { return r.live.Load() }
func (r *Room) IsLocked() bool { return r.locked.Load() }
func (r *Room) IsCycle() bool  { return r.cycle.Load() }

func (r *Room) SetLive(live bool)     { r.live.Store(live) }
func (r *Room) SetLocked(locked bool) { r.locked.Store(locked) }
func (r *Room) SetCycle(cycle bool)   { r.cycle.Store(cycle) }

func (r *Room) MaxPlayers() int     { return int(r.maxPlayers.Load()) }
func (r *Room) SetMaxPlayers(n int) { r.maxPlayers.Store(int32(n)) }

// StateType 目前的狀態機階段。
func (r *Room) StateType() InternalStateType {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.Type
}

// Chart 目前選定的譜面。
func (r *Room) Chart() *Chart {
	r.chartMu.RLock()
	defer r.chartMu.RUnlock()
	return r.chart
}

// Contest 目前的比賽設定（nil 表示未啟用）。
func (r *Room) Contest() *ContestConfig {
	r.contestMu.RLock()
	defer r.contestMu.RUnlock()
	return r.contest
}

// SetContest 設定或清除比賽模式。
func (r *Room) SetContest(c *ContestConfig) {
	r.contestMu.Lock()
	defer r.contestMu.Unlock()
	r.contest = c
}

// SetDisbandFn 注入解散回呼（registry 專用）。
func (r *Room) SetDisbandFn(fn func(*Room)) {
	r.disbandFn = fn
}

// clientRoomState 目前狀態的客戶端投影。
func (r *Room) clientRoomState() RoomState {
	r.chartMu.RLock()
	var chartID *int32
	if r.chart != nil {
		id := r.chart.ID
		chartID = &id
	}
	r.chartMu.RUnlock()

	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.toClient(chartID)
}

// ClientState 給重連客戶端的完整房間快照。
func (r *Room) ClientState(user *User) ClientRoomState {
	cs := ClientRoomState{
		ID:     r.ID,
		State:  r.clientRoomState(),
		Live:   r.IsLive(),
		Locked: r.IsLocked(),
		Cycle:  r.IsCycle(),
		IsHost: r.CheckHost(user),
		Users:  make(map[int32]UserInfo),
	}

	r.stateMu.RLock()
	if r.state.Type == StateWaitForReady {
		_, cs.IsReady = r.state.Started[user.ID]
	}
	r.stateMu.RUnlock()

	for _, u := range r.Users() {
		cs.Users[u.ID] = u.Info()
	}
	for _, m := range r.Monitors() {
		cs.Users[m.ID] = m.Info()
	}
	return cs
}

// onStateChange 廣播狀態變更。
func (r *Room) onStateChange() {
	r.Broadcast(ChangeStateCommand(r.clientRoomState()))
}

// AddUser 加入使用者。玩家受人數上限限制，觀戰者不受限。
func (r *Room) AddUser(user *User, monitor bool) bool {
	if monitor {
		r.monitorsMu.Lock()
		defer r.monitorsMu.Unlock()
		r.monitors = append(r.monitors, user)
		return true
	}

	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if len(r.users) >= r.MaxPlayers() {
		return false
	}
	r.users = append(r.users, user)
	return true
}

// Users 玩家清單快照（roster 順序）。
func (r *Room) Users() []*User {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	out := make([]*User, len(r.users))
	copy(out, r.users)
	return out
}

// Monitors 觀戰者清單快照。
func (r *Room) Monitors() []*User {
	r.monitorsMu.RLock()
	defer r.monitorsMu.RUnlock()
	out := make([]*User, len(r.monitors))
	copy(out, r.monitors)
	return out
}

// Host 解析房主引用。回傳 nil 表示房主已離開（正常情況，非錯誤）。
func (r *Room) Host() *User {
	r.hostMu.RLock()
	defer r.hostMu.RUnlock()
	return r.host
}

// CheckHost 檢查使用者是否為房主。
func (r *Room) CheckHost(user *User) bool {
	h := r.Host()
	return h != nil && h.ID == user.ID
}

func (r *Room) requireHost(user *User) error {
	if !r.CheckHost(user) {
		return ErrNotHost
	}
	return nil
}

// Send 以系統訊息廣播。
func (r *Room) Send(msg Message) {
	r.Broadcast(MessageCommand(msg))
}

// Broadcast 向房間內所有玩家與觀戰者送出事件。
// 成員快照在各自的鎖內取得，實際送出不持任何房間鎖。
func (r *Room) Broadcast(cmd *ServerCommand) {
	for _, u := range r.Users() {
		u.TrySend(cmd)
	}
	for _, m := range r.Monitors() {
		m.TrySend(cmd)
	}
}

// BroadcastMonitors 只向觀戰者送出（觸控/判定串流的轉發目的地）。
func (r *Room) BroadcastMonitors(cmd *ServerCommand) {
	for _, m := range r.Monitors() {
		m.TrySend(cmd)
	}
}

// SendAs 以某使用者的名義發聊天訊息。
func (r *Room) SendAs(user *User, content string) {
	r.Send(ChatMessage(user.ID, content))
}

// ── 狀態機操作 ──────────────────────────────────────────────────────

// SelectChartFor 房主選譜。只在 SelectChart 階段允許。
func (r *Room) SelectChartFor(user *User, chart *Chart) error {
	if err := r.requireHost(user); err != nil {
		return err
	}
	if r.StateType() != StateSelectChart {
		return ErrInvalidState
	}

	r.chartMu.Lock()
	r.chart = chart
	r.chartMu.Unlock()

	r.Send(SelectChartMessage(user.ID, chart.Name, chart.ID))
	r.onStateChange()
	return nil
}

// RequestStart 房主發起開局：SelectChart → WaitForReady。
// 準備集合以房主自己起始。
func (r *Room) RequestStart(user *User) error {
	if err := r.requireHost(user); err != nil {
		return err
	}

	r.stateMu.Lock()
	if r.state.Type != StateSelectChart {
		r.stateMu.Unlock()
		return ErrInvalidState
	}
	r.chartMu.RLock()
	noChart := r.chart == nil
	r.chartMu.RUnlock()
	if noChart {
		r.stateMu.Unlock()
		return ErrNoChartSelected
	}
	r.state = waitForReadyState(map[int32]struct{}{user.ID: {}})
	r.stateMu.Unlock()

	r.logger.Debug("房間進入等待準備", "room_id", r.ID)
	r.Send(GameStartMessage(user.ID))
	r.onStateChange()
	r.CheckAllReady()
	return nil
}

// Ready 玩家確認準備。重複準備是協定錯誤。
// 非 WaitForReady 階段靜默忽略：慢封包在轉換之後才到是正常時序。
func (r *Room) Ready(user *User) error {
	r.stateMu.Lock()
	if r.state.Type != StateWaitForReady {
		r.stateMu.Unlock()
		return nil
	}
	if _, ok := r.state.Started[user.ID]; ok {
		r.stateMu.Unlock()
		return ErrAlreadyReady
	}
	r.state.Started[user.ID] = struct{}{}
	r.stateMu.Unlock()

	r.Send(ReadyMessage(user.ID))
	r.CheckAllReady()
	return nil
}

// CancelReady 取消準備。
// 房主取消即取消整個開局（WaitForReady → SelectChart，唯一的回退轉換）。
// 對不在準備集合中的使用者是 no-op：不報錯、不改狀態、不廣播。
func (r *Room) CancelReady(user *User) error {
	r.stateMu.Lock()
	if r.state.Type != StateWaitForReady {
		r.stateMu.Unlock()
		return nil
	}
	if _, ok := r.state.Started[user.ID]; !ok {
		r.stateMu.Unlock()
		return nil
	}
	delete(r.state.Started, user.ID)

	if r.CheckHost(user) {
		r.state = selectChartState()
		r.stateMu.Unlock()
		r.Send(CancelGameMessage(user.ID))
		r.onStateChange()
		return nil
	}
	r.stateMu.Unlock()

	r.Send(CancelReadyMessage(user.ID))
	return nil
}

// RecordPlayed 玩家回報成績。每位玩家一局只能回報一次，
// 已放棄者不能再補交。
func (r *Room) RecordPlayed(user *User, record Record) error {
	r.stateMu.Lock()
	if r.state.Type != StatePlaying {
		r.stateMu.Unlock()
		return ErrInvalidState
	}
	if _, ok := r.state.Aborted[user.ID]; ok {
		r.stateMu.Unlock()
		return ErrAlreadyAborted
	}
	if _, ok := r.state.Results[user.ID]; ok {
		r.stateMu.Unlock()
		return ErrAlreadyPlayed
	}
	r.state.Results[user.ID] = record
	r.stateMu.Unlock()

	r.Send(PlayedMessage(user.ID, record.Score, record.Accuracy, record.FullCombo))
	r.CheckAllReady()
	return nil
}

// RecordAbort 玩家放棄本局。放棄後不能再交成績，反之亦然。
func (r *Room) RecordAbort(user *User) error {
	r.stateMu.Lock()
	if r.state.Type != StatePlaying {
		r.stateMu.Unlock()
		return ErrInvalidState
	}
	if _, ok := r.state.Results[user.ID]; ok {
		r.stateMu.Unlock()
		return ErrAlreadyPlayed
	}
	if _, ok := r.state.Aborted[user.ID]; ok {
		r.stateMu.Unlock()
		return ErrAlreadyAborted
	}
	r.state.Aborted[user.ID] = struct{}{}
	r.stateMu.Unlock()

	r.Send(AbortMessage(user.ID))
	r.CheckAllReady()
	return nil
}

// OnUserLeave 使用者離開（主動離開、被踢、斷線收割都走這裡）。
// 回傳 true 表示房間已無玩家，呼叫者應將它從 registry 移除。
//
// 房主斷線的遷移是緊急路徑：在剩餘玩家中均勻隨機選出新房主，
// 恰好發出一次 new_host 廣播。這與循環模式的確定性輪替刻意不同，
// 斷線是意外，輪替是公平性功能。
func (r *Room) OnUserLeave(user *User) bool {
	r.Send(LeaveRoomMessage(user.ID, user.Name()))

	if user.IsMonitor() {
		r.monitorsMu.Lock()
		r.monitors = removeUser(r.monitors, user.ID)
		empty := len(r.monitors) == 0
		r.monitorsMu.Unlock()
		if empty {
			r.live.Store(false)
		}
		// 觀戰者也計入準備集合，未準備的觀戰者離開可能讓轉換條件成立
		r.CheckAllReady()
		return false
	}

	r.usersMu.Lock()
	r.users = removeUser(r.users, user.ID)
	remaining := make([]*User, len(r.users))
	copy(remaining, r.users)
	r.usersMu.Unlock()

	if r.CheckHost(user) {
		r.logger.Warn("房主離開房間", "room_id", r.ID, "user_id", user.ID)
		if len(remaining) == 0 {
			r.logger.Info("房間已無玩家，準備移除", "room_id", r.ID)
			return true
		}
		newHost := remaining[rand.IntN(len(remaining))]
		r.hostMu.Lock()
		r.host = newHost
		r.hostMu.Unlock()

		r.logger.Info("已隨機選出新房主", "room_id", r.ID, "user_id", newHost.ID)
		r.Send(NewHostMessage(newHost.ID))
		newHost.TrySend(ChangeHostCommand(true))
	} else if len(remaining) == 0 {
		return true
	}

	// 離開可能讓等待中的轉換條件瞬間成立，重跑邊緣觸發檢查
	r.CheckAllReady()
	return false
}

func removeUser(list []*User, id int32) []*User {
	out := list[:0]
	for _, u := range list {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

// resetGameTime 將所有玩家的遊戲時鐘重置為 -Inf（尚未回報的哨兵值）。
func (r *Room) resetGameTime() {
	negInf := math.Float32bits(float32(math.Inf(-1)))
	for _, u := range r.Users() {
		u.gameTime.Store(negInf)
	}
}

// requiredPlayers 計入準備與成績判定的玩家。
// 比賽白名單啟用時只計名單內的玩家。
func (r *Room) requiredPlayers() []*User {
	users := r.Users()
	contest := r.Contest()
	if contest == nil || len(contest.Whitelist) == 0 {
		return users
	}
	out := make([]*User, 0, len(users))
	for _, u := range users {
		if _, ok := contest.Whitelist[u.ID]; ok {
			out = append(out, u)
		}
	}
	return out
}

// CheckAllReady 邊緣觸發的轉換檢查，在每次 Ready/CancelReady/
// join/leave 後呼叫（不是輪詢）。這保證「房主恰好在轉換評估時離開」
// 這類交錯不會漏掉任何一次轉換。
//
// 評估在讀鎖下進行，實際轉換交給 startPlaying/finishGame 在寫鎖內
// 重新驗證階段，兩條 goroutine 同時評估成立也只會轉換一次。
func (r *Room) CheckAllReady() {
	r.stateMu.RLock()
	stateType := r.state.Type

	switch stateType {
	case StateWaitForReady:
		if contest := r.Contest(); contest != nil && contest.ManualStart {
			// 比賽模式手動開局：自動轉換停用，由管理端觸發
			r.stateMu.RUnlock()
			return
		}
		allReady := true
		for _, u := range r.requiredPlayers() {
			if _, ok := r.state.Started[u.ID]; !ok {
				allReady = false
				break
			}
		}
		if allReady {
			for _, m := range r.Monitors() {
				if _, ok := r.state.Started[m.ID]; !ok {
					allReady = false
					break
				}
			}
		}
		r.stateMu.RUnlock()
		if allReady {
			r.startPlaying()
		}

	case StatePlaying:
		allDone := true
		for _, u := range r.requiredPlayers() {
			if _, played := r.state.Results[u.ID]; played {
				continue
			}
			if _, aborted := r.state.Aborted[u.ID]; aborted {
				continue
			}
			allDone = false
			break
		}
		r.stateMu.RUnlock()
		if allDone {
			r.finishGame()
		}

	default:
		r.stateMu.RUnlock()
	}
}

// startPlaying WaitForReady → Playing。回傳是否真的發生了轉換。
func (r *Room) startPlaying() bool {
	r.stateMu.Lock()
	if r.state.Type != StateWaitForReady {
		r.stateMu.Unlock()
		return false
	}
	r.state = playingState()
	r.stateMu.Unlock()

	r.logger.Info("遊戲開始", "room_id", r.ID)
	r.resetGameTime()
	r.Send(StartPlayingMessage())
	r.onStateChange()
	return true
}

// ForceStart 管理端強制開局（比賽模式 manual_start 用）。
func (r *Room) ForceStart() bool {
	return r.startPlaying()
}

// finishGame Playing → SelectChart。譜面保留供重玩。
// 循環模式下房主依 roster 順序確定性輪替：當前房主之後的下一位，
// 到尾端回繞；房主已不在 roster 時從頭開始。
func (r *Room) finishGame() {
	r.stateMu.Lock()
	if r.state.Type != StatePlaying {
		r.stateMu.Unlock()
		return
	}
	r.state = selectChartState()
	r.stateMu.Unlock()

	r.Send(GameEndMessage())

	if r.IsCycle() {
		oldHost := r.Host()
		users := r.Users()
		if len(users) > 0 {
			index := 0
			if oldHost != nil {
				for i, u := range users {
					if u.ID == oldHost.ID {
						index = (i + 1) % len(users)
						break
					}
				}
			}
			newHost := users[index]

			r.hostMu.Lock()
			r.host = newHost
			r.hostMu.Unlock()

			r.logger.Info("循環模式輪替房主", "room_id", r.ID, "user_id", newHost.ID)
			r.Send(NewHostMessage(newHost.ID))
			if oldHost != nil && oldHost.ID != newHost.ID {
				oldHost.TrySend(ChangeHostCommand(false))
			}
			newHost.TrySend(ChangeHostCommand(true))
		}
	}

	r.onStateChange()

	if contest := r.Contest(); contest != nil && contest.AutoDisband && r.disbandFn != nil {
		r.logger.Info("比賽結束，自動解散房間", "room_id", r.ID)
		go r.disbandFn(r)
	}
}
