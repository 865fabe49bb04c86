package internal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-rhythm-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBanManager_GlobalBans 全域封禁與持久化
func TestBanManager_GlobalBans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	bans := internal.NewBanManager(path, testLogger())
	require.NoError(t, bans.Load(), "檔案不存在視為空名單")

	assert.False(t, bans.IsBanned(1))
	assert.True(t, bans.Ban(1))
	assert.False(t, bans.Ban(1), "重複封禁回傳 false")
	assert.True(t, bans.IsBanned(1))

	assert.True(t, bans.Ban(3))
	assert.True(t, bans.Ban(2))
	assert.Equal(t, []int32{1, 2, 3}, bans.Banned(), "快照按 ID 排序")

	// 新實例從檔案載入同樣的名單
	reloaded := internal.NewBanManager(path, testLogger())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, []int32{1, 2, 3}, reloaded.Banned())

	assert.True(t, bans.Unban(2))
	assert.False(t, bans.Unban(2), "重複解封回傳 false")
	assert.False(t, bans.IsBanned(2))
}

// TestBanManager_LoadSkipsGarbage 載入時跳過註解、空行與壞行
func TestBanManager_LoadSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	content := "# 封禁名單\n\n42\nnot-a-number\n  7  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	bans := internal.NewBanManager(path, testLogger())
	require.NoError(t, bans.Load())
	assert.Equal(t, []int32{7, 42}, bans.Banned())
}

// TestBanManager_RoomBans 房間級封禁只存在記憶體
func TestBanManager_RoomBans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	bans := internal.NewBanManager(path, testLogger())

	assert.True(t, bans.BanFromRoom(5, "room-a"))
	assert.False(t, bans.BanFromRoom(5, "room-a"))
	assert.True(t, bans.IsBannedFromRoom(5, "room-a"))
	assert.False(t, bans.IsBannedFromRoom(5, "room-b"), "封禁只對單一房間生效")
	assert.False(t, bans.IsBanned(5), "房間封禁不影響全域")

	assert.True(t, bans.UnbanFromRoom(5, "room-a"))
	assert.False(t, bans.UnbanFromRoom(5, "room-a"))

	// 房間銷毀後封禁集合一併清掉
	bans.BanFromRoom(6, "room-c")
	bans.ClearRoom("room-c")
	assert.False(t, bans.IsBannedFromRoom(6, "room-c"))

	// 房間封禁不寫檔
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
