package internal

import (
	"log/slog"
	"sync"
)

// 外掛/擴充層的邊界。
//
// 核心在固定的一個點（每個已認證指令進入狀態機之前）呼叫
// BeforeCommand 過濾器，並在生命週期事件發生時通知所有已註冊的
// Hook。過濾器回傳一個 tagged 結果：放行、替換或取消。
// 這讓擴充層（管理後台、審查、統計）保持在窄介面之外，
// 核心的控制流程不被污染。

// FilterAction 過濾器的決定。
type FilterAction int

const (
	FilterAllow   FilterAction = iota // 原樣放行
	FilterReplace                     // 以 Replacement 取代後繼續
	FilterCancel                      // 取消，指令不進入狀態機
)

// FilterResult 過濾器結果。Replace 時 Replacement 必須非 nil。
type FilterResult struct {
	Action      FilterAction
	Replacement *ClientCommand
}

func Allow() FilterResult { return FilterResult{Action: FilterAllow} }
func Cancel() FilterResult { return FilterResult{Action: FilterCancel} }

func Replace(cmd *ClientCommand) FilterResult {
	return FilterResult{Action: FilterReplace, Replacement: cmd}
}

// Hook 擴充層需要實作的介面。嵌入 BaseHook 可以只覆寫關心的方法。
type Hook interface {
	// BeforeCommand 在指令進入狀態機前同步呼叫。
	BeforeCommand(user *User, cmd *ClientCommand) FilterResult

	OnUserJoin(user *User, room *Room)
	OnUserLeave(userID int32, roomID RoomID)
	OnUserKick(userID int32)
	OnUserBan(userID int32)
	OnUserUnban(userID int32)
	OnRoomCreate(room *Room)
	OnRoomDestroy(roomID RoomID)
}

// BaseHook 全部 no-op 的預設實作。
type BaseHook struct{}

func (BaseHook) BeforeCommand(*User, *ClientCommand) FilterResult { return Allow() }
func (BaseHook) OnUserJoin(*User, *Room)                          {}
func (BaseHook) OnUserLeave(int32, RoomID)                        {}
func (BaseHook) OnUserKick(int32)                                 {}
func (BaseHook) OnUserBan(int32)                                  {}
func (BaseHook) OnUserUnban(int32)                                {}
func (BaseHook) OnRoomCreate(*Room)                               {}
func (BaseHook) OnRoomDestroy(RoomID)                             {}

// HookSet 已註冊 Hook 的集合，按註冊順序呼叫。
type HookSet struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewHookSet() *HookSet {
	return &HookSet{}
}

// Register 註冊一個 Hook。
func (h *HookSet) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *HookSet) snapshot() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Hook, len(h.hooks))
	copy(out, h.hooks)
	return out
}

// BeforeCommand 鏈式呼叫所有過濾器：
// Replace 的結果餵給下一個過濾器，任何一個 Cancel 就整體取消。
func (h *HookSet) BeforeCommand(user *User, cmd *ClientCommand) (*ClientCommand, bool) {
	current := cmd
	for _, hook := range h.snapshot() {
		res := hook.BeforeCommand(user, current)
		switch res.Action {
		case FilterCancel:
			return nil, false
		case FilterReplace:
			if res.Replacement != nil {
				current = res.Replacement
			}
		}
	}
	return current, true
}

func (h *HookSet) NotifyUserJoin(user *User, room *Room) {
	for _, hook := range h.snapshot() {
		hook.OnUserJoin(user, room)
	}
}

func (h *HookSet) NotifyUserLeave(userID int32, roomID RoomID) {
	for _, hook := range h.snapshot() {
		hook.OnUserLeave(userID, roomID)
	}
}

func (h *HookSet) NotifyUserKick(userID int32) {
	for _, hook := range h.snapshot() {
		hook.OnUserKick(userID)
	}
}

func (h *HookSet) NotifyUserBan(userID int32) {
	for _, hook := range h.snapshot() {
		hook.OnUserBan(userID)
	}
}

func (h *HookSet) NotifyUserUnban(userID int32) {
	for _, hook := range h.snapshot() {
		hook.OnUserUnban(userID)
	}
}

func (h *HookSet) NotifyRoomCreate(room *Room) {
	for _, hook := range h.snapshot() {
		hook.OnRoomCreate(room)
	}
}

func (h *HookSet) NotifyRoomDestroy(roomID RoomID) {
	for _, hook := range h.snapshot() {
		hook.OnRoomDestroy(roomID)
	}
}

// LogHook 參考實作：把生命週期事件寫進結構化日誌。
type LogHook struct {
	BaseHook
	Logger *slog.Logger
}

func (l *LogHook) OnUserJoin(user *User, room *Room) {
	l.Logger.Info("玩家加入房間", "user_id", user.ID, "room_id", room.ID)
}

func (l *LogHook) OnUserLeave(userID int32, roomID RoomID) {
	l.Logger.Info("玩家離開房間", "user_id", userID, "room_id", roomID)
}

func (l *LogHook) OnUserKick(userID int32) {
	l.Logger.Warn("玩家被踢出", "user_id", userID)
}

func (l *LogHook) OnUserBan(userID int32) {
	l.Logger.Warn("玩家被封禁", "user_id", userID)
}

func (l *LogHook) OnUserUnban(userID int32) {
	l.Logger.Info("玩家解除封禁", "user_id", userID)
}

func (l *LogHook) OnRoomCreate(room *Room) {
	l.Logger.Info("房間已創建", "room_id", room.ID)
}

func (l *LogHook) OnRoomDestroy(roomID RoomID) {
	l.Logger.Info("房間已銷毀", "room_id", roomID)
}
