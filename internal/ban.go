package internal

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// BanManager 封禁名單。
//
// 全域封禁（使用者 ID 集合）持久化到一個逐行文字檔，
// 房間級封禁只存在記憶體（房間本身就是暫態的）。
// 名單在認證與加入房間時檢查。
type BanManager struct {
	mu       sync.RWMutex
	path     string
	banned   map[int32]struct{}
	roomBans map[RoomID]map[int32]struct{}
	logger   *slog.Logger
}

func NewBanManager(path string, logger *slog.Logger) *BanManager {
	return &BanManager{
		path:     path,
		banned:   make(map[int32]struct{}),
		roomBans: make(map[RoomID]map[int32]struct{}),
		logger:   logger,
	}
}

// Load 從檔案載入全域封禁名單。檔案不存在視為空名單。
func (b *BanManager) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.banned = make(map[int32]struct{})

	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			continue
		}
		b.banned[int32(id)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	b.logger.Info("封禁名單已載入", "path", b.path, "count", len(b.banned))
	return nil
}

// save 寫回檔案。呼叫者必須已持有讀鎖以上的鎖。
func (b *BanManager) save() {
	f, err := os.Create(b.path)
	if err != nil {
		b.logger.Error("儲存封禁名單失敗", "path", b.path, "error", err)
		return
	}
	defer f.Close()

	ids := make([]int32, 0, len(b.banned))
	for id := range b.banned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := bufio.NewWriter(f)
	for _, id := range ids {
		fmt.Fprintf(w, "%d\n", id)
	}
	if err := w.Flush(); err != nil {
		b.logger.Error("儲存封禁名單失敗", "path", b.path, "error", err)
	}
}

// IsBanned 檢查全域封禁。
func (b *BanManager) IsBanned(userID int32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.banned[userID]
	return ok
}

// Ban 加入全域封禁並立即持久化。已在名單中回傳 false。
func (b *BanManager) Ban(userID int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.banned[userID]; ok {
		return false
	}
	b.banned[userID] = struct{}{}
	b.save()
	return true
}

// Unban 解除全域封禁並立即持久化。不在名單中回傳 false。
func (b *BanManager) Unban(userID int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.banned[userID]; !ok {
		return false
	}
	delete(b.banned, userID)
	b.save()
	return true
}

// Banned 回傳全域封禁名單的快照。
func (b *BanManager) Banned() []int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int32, 0, len(b.banned))
	for id := range b.banned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BanFromRoom 房間級封禁（不持久化）。
func (b *BanManager) BanFromRoom(userID int32, roomID RoomID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.roomBans[roomID]
	if !ok {
		set = make(map[int32]struct{})
		b.roomBans[roomID] = set
	}
	if _, ok := set[userID]; ok {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// UnbanFromRoom 解除房間級封禁。
func (b *BanManager) UnbanFromRoom(userID int32, roomID RoomID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.roomBans[roomID]
	if !ok {
		return false
	}
	if _, ok := set[userID]; !ok {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(b.roomBans, roomID)
	}
	return true
}

// IsBannedFromRoom 檢查房間級封禁。
func (b *BanManager) IsBannedFromRoom(userID int32, roomID RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.roomBans[roomID]
	if !ok {
		return false
	}
	_, banned := set[userID]
	return banned
}

// ClearRoom 房間銷毀時清掉它的封禁集合。
func (b *BanManager) ClearRoom(roomID RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.roomBans, roomID)
}
