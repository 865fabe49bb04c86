package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   營運端如何即時看到伺服器內發生的事（加入、離開、封禁、開局），
//   而不用輪詢管理 API？
//
// 核心挑戰：
//   1. 實時推送：生命週期事件發生的當下就要送達
//   2. 連接管理：管理端斷線、重連、多個儀表板同時在看
//   3. 心跳機制：檢測死連接（網絡異常、瀏覽器崩潰）
//   4. 隔離：推送路徑卡住不能影響遊戲主流程
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 模式 - 集中管理所有管理端連接
//   ✅ Hook 掛載 - 以擴充層過濾器的身份訂閱核心事件，核心零感知
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel + 丟棄 - 慢儀表板不拖慢事件來源

// MonitorHub 管理端事件串流中心。
// 實作 Hook 介面：核心的生命週期事件經由 HookSet 進來，
// 序列化成 JSON 後推給所有連接中的儀表板。
type MonitorHub struct {
	BaseHook

	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[*MonitorConn]struct{}

	stopCh chan struct{}
	once   sync.Once
}

// MonitorConn 一條管理端連接。
type MonitorConn struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *MonitorHub
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// monitorEvent 推送格式。
type monitorEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Time  int64  `json:"time"`
}

// NewMonitorHub 創建事件串流中心。
func NewMonitorHub(logger *slog.Logger) *MonitorHub {
	return &MonitorHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 管理面已有權杖驗證，來源檢查交給部署層
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*MonitorConn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// ServeWS 升級為 WebSocket 連接（權杖驗證在路由層完成）。
func (hub *MonitorHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	mc := &MonitorConn{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  hub,
	}
	hub.register(mc)

	go mc.writePump()
	go mc.readPump()

	hub.logger.Info("管理端已連接", "remote", conn.RemoteAddr().String())
}

func (hub *MonitorHub) register(mc *MonitorConn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[mc] = struct{}{}
}

func (hub *MonitorHub) unregister(mc *MonitorConn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[mc]; exists {
		delete(hub.connections, mc)
		mc.closeOnce.Do(func() {
			close(mc.send)
		})
	}
}

// publish 把事件推給所有儀表板。緩衝區滿就丟棄該連接的這則事件，
// 事件來源（遊戲主流程）永不阻塞。
func (hub *MonitorHub) publish(event string, data any) {
	payload, err := json.Marshal(monitorEvent{
		Event: event,
		Data:  data,
		Time:  time.Now().Unix(),
	})
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for mc := range hub.connections {
		select {
		case mc.send <- payload:
		default:
			hub.logger.Warn("管理端緩衝區滿，丟棄事件", "event", event)
		}
	}
}

// Stop 關閉所有管理端連接。
func (hub *MonitorHub) Stop() {
	hub.once.Do(func() {
		close(hub.stopCh)
	})

	hub.mu.Lock()
	for mc := range hub.connections {
		mc.closeOnce.Do(func() {
			close(mc.send)
		})
		_ = mc.conn.Close()
	}
	hub.connections = make(map[*MonitorConn]struct{})
	hub.mu.Unlock()

	hub.logger.Info("事件串流中心已停止")
}

// ── Hook 實作：核心事件 → 儀表板 ─────────────────────────────────────

func (hub *MonitorHub) OnUserJoin(user *User, room *Room) {
	hub.publish("user_join", map[string]any{
		"user_id":   user.ID,
		"user_name": user.Name(),
		"room_id":   room.ID,
	})
}

func (hub *MonitorHub) OnUserLeave(userID int32, roomID RoomID) {
	hub.publish("user_leave", map[string]any{
		"user_id": userID,
		"room_id": roomID,
	})
}

func (hub *MonitorHub) OnUserKick(userID int32) {
	hub.publish("user_kick", map[string]any{"user_id": userID})
}

func (hub *MonitorHub) OnUserBan(userID int32) {
	hub.publish("user_ban", map[string]any{"user_id": userID})
}

func (hub *MonitorHub) OnUserUnban(userID int32) {
	hub.publish("user_unban", map[string]any{"user_id": userID})
}

func (hub *MonitorHub) OnRoomCreate(room *Room) {
	hub.publish("room_create", map[string]any{
		"room_id":     room.ID,
		"max_players": room.MaxPlayers(),
	})
}

func (hub *MonitorHub) OnRoomDestroy(roomID RoomID) {
	hub.publish("room_destroy", map[string]any{"room_id": roomID})
}

// readPump 讀取端。儀表板不送業務訊息，這條 goroutine 只負責
// 心跳超時與連接關閉的偵測。
//
// 超時配置：writePump 54s Ping → 網絡傳輸 < 6s → readPump 60s 超時。
// 54 秒刻意避開常見代理的 60 秒閾值，留 6 秒余量。
func (mc *MonitorConn) readPump() {
	defer func() {
		mc.hub.unregister(mc)
		_ = mc.conn.Close()
	}()

	if err := mc.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		mc.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	mc.conn.SetPongHandler(func(string) error {
		return mc.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := mc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				mc.hub.logger.Error("WebSocket 讀取錯誤", "error", err)
			}
			return
		}
	}
}

// writePump 寫入端：事件推送 + 週期 Ping。
func (mc *MonitorConn) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = mc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-mc.send:
			if err := mc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				mc.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				_ = mc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := mc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(mc.send)
			for i := 0; i < n; i++ {
				if err := mc.conn.WriteMessage(websocket.TextMessage, <-mc.send); err != nil {
					mc.hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := mc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				mc.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := mc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
