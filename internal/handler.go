package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Handler 管理用 HTTP API。
//
// 遊戲協定走原生 TCP（session.go），這裡只承載營運面的能力：
// 檢視房間與在線使用者、踢人、封禁、解散房間、全服廣播、
// 比賽模式設定，以及觀戰串流的 WebSocket 入口。
type Handler struct {
	state  *ServerState
	hub    *MonitorHub
	cfg    *Config
	logger *slog.Logger
}

// NewHandler 創建管理 API 處理器。
func NewHandler(state *ServerState, hub *MonitorHub, cfg *Config, logger *slog.Logger) *Handler {
	return &Handler{
		state:  state,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：panic 恢復 → 請求日誌 → 管理權杖驗證
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(h.requireToken(handler)))
	}

	// 檢視
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("GET /api/v1/users", wrap(h.listUsers))
	mux.HandleFunc("GET /api/v1/bans", wrap(h.listBans))

	// 房間操作
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/disband", wrap(h.disbandRoom))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/max_users", wrap(h.setMaxUsers))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/say", wrap(h.roomsay))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/contest", wrap(h.setContest))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/start", wrap(h.startContest))

	// 使用者操作
	mux.HandleFunc("POST /api/v1/users/{user_id}/kick", wrap(h.kickUser))
	mux.HandleFunc("POST /api/v1/users/{user_id}/ban", wrap(h.banUser))
	mux.HandleFunc("POST /api/v1/users/{user_id}/unban", wrap(h.unbanUser))

	// 全服
	mux.HandleFunc("POST /api/v1/broadcast", wrap(h.broadcast))
	mux.HandleFunc("POST /api/v1/settings", wrap(h.updateSettings))

	// 生命週期事件的即時串流。不經過日誌中間件：
	// 包裝後的 ResponseWriter 沒有 Hijacker，WebSocket 升級會失敗
	mux.HandleFunc("GET /ws/monitor", h.recoverer(h.requireToken(h.hub.ServeWS)))

	// 健康檢查不需要權杖
	mux.HandleFunc("GET /health", h.recoverer(h.loggerMiddleware(h.health)))

	return mux
}

// ── 檢視 ────────────────────────────────────────────────────────────

type userView struct {
	ID      int32  `json:"id"`
	Name    string `json:"name"`
	Monitor bool   `json:"monitor"`
}

type roomView struct {
	ID         string     `json:"room_id"`
	State      string     `json:"state"`
	HostID     *int32     `json:"host_id,omitempty"`
	Locked     bool       `json:"locked"`
	Cycle      bool       `json:"cycle"`
	Live       bool       `json:"live"`
	MaxPlayers int        `json:"max_players"`
	Chart      *Chart     `json:"chart,omitempty"`
	Contest    bool       `json:"contest"`
	Users      []userView `json:"users"`
	Monitors   []userView `json:"monitors"`
}

func stateName(t InternalStateType) string {
	switch t {
	case StateWaitForReady:
		return "wait_for_ready"
	case StatePlaying:
		return "playing"
	default:
		return "select_chart"
	}
}

func viewUser(u *User) userView {
	return userView{ID: u.ID, Name: u.Name(), Monitor: u.IsMonitor()}
}

func viewRoom(r *Room) roomView {
	v := roomView{
		ID:         string(r.ID),
		State:      stateName(r.StateType()),
		Locked:     r.IsLocked(),
		Cycle:      r.IsCycle(),
		Live:       r.IsLive(),
		MaxPlayers: r.MaxPlayers(),
		Chart:      r.Chart(),
		Contest:    r.Contest() != nil,
		Users:      []userView{},
		Monitors:   []userView{},
	}
	if host := r.Host(); host != nil {
		id := host.ID
		v.HostID = &id
	}
	for _, u := range r.Users() {
		v.Users = append(v.Users, viewUser(u))
	}
	for _, m := range r.Monitors() {
		v.Monitors = append(v.Monitors, viewUser(m))
	}
	return v
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.state.Rooms()
	views := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, viewRoom(room))
	}
	h.jsonResponse(w, map[string]any{
		"rooms": views,
		"total": len(views),
	}, http.StatusOK)
}

func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room := h.state.GetRoom(RoomID(r.PathValue("room_id")))
	if room == nil {
		h.errorResponse(w, "房間不存在", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, viewRoom(room), http.StatusOK)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users := h.state.Users()
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewUser(u))
	}
	h.jsonResponse(w, map[string]any{
		"users": views,
		"total": len(views),
	}, http.StatusOK)
}

func (h *Handler) listBans(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"banned": h.state.Bans().Banned(),
	}, http.StatusOK)
}

// ── 房間操作 ────────────────────────────────────────────────────────

func (h *Handler) disbandRoom(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r.PathValue("room_id"))
	if err := h.state.DisbandRoom(roomID); err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

type maxUsersRequest struct {
	MaxUsers int `json:"max_users"`
}

func (h *Handler) setMaxUsers(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r.PathValue("room_id"))

	var req maxUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if err := h.state.SetRoomMaxUsers(roomID, req.MaxUsers); err != nil {
		h.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

type sayRequest struct {
	Message string `json:"message"`
}

func (h *Handler) roomsay(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r.PathValue("room_id"))

	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		h.errorResponse(w, "訊息不能為空", http.StatusBadRequest)
		return
	}
	if err := h.state.Roomsay(roomID, req.Message); err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

type contestRequest struct {
	Enabled     bool    `json:"enabled"`
	Whitelist   []int32 `json:"whitelist"`
	ManualStart bool    `json:"manual_start"`
	AutoDisband bool    `json:"auto_disband"`
}

func (h *Handler) setContest(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r.PathValue("room_id"))

	var req contestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	var contest *ContestConfig
	if req.Enabled {
		contest = &ContestConfig{
			Whitelist:   make(map[int32]struct{}, len(req.Whitelist)),
			ManualStart: req.ManualStart,
			AutoDisband: req.AutoDisband,
		}
		for _, id := range req.Whitelist {
			contest.Whitelist[id] = struct{}{}
		}
	}
	if err := h.state.SetContest(roomID, contest); err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

func (h *Handler) startContest(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r.PathValue("room_id"))
	if err := h.state.StartContest(roomID); err != nil {
		h.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// ── 使用者操作 ──────────────────────────────────────────────────────

func (h *Handler) pathUserID(w http.ResponseWriter, r *http.Request) (int32, bool) {
	id, err := strconv.ParseInt(r.PathValue("user_id"), 10, 32)
	if err != nil {
		h.errorResponse(w, "無效的使用者 ID", http.StatusBadRequest)
		return 0, false
	}
	return int32(id), true
}

func (h *Handler) kickUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	if err := h.state.KickUser(id); err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

func (h *Handler) banUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	if err := h.state.BanUser(id); err != nil {
		h.errorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

func (h *Handler) unbanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	if err := h.state.UnbanUser(id); err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// ── 全服 ────────────────────────────────────────────────────────────

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		h.errorResponse(w, "訊息不能為空", http.StatusBadRequest)
		return
	}
	h.state.Broadcast(req.Message)
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

type settingsRequest struct {
	ReplayEnabled       *bool `json:"replay_enabled,omitempty"`
	RoomCreationEnabled *bool `json:"room_creation_enabled,omitempty"`
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.ReplayEnabled != nil {
		h.state.SetReplayEnabled(*req.ReplayEnabled)
	}
	if req.RoomCreationEnabled != nil {
		h.state.SetRoomCreation(*req.RoomCreationEnabled)
	}
	h.jsonResponse(w, map[string]any{
		"replay_enabled":        h.state.ReplayEnabled(),
		"room_creation_enabled": h.state.RoomCreationEnabled(),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"rooms":  len(h.state.Rooms()),
		"users":  len(h.state.Users()),
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// requireToken 管理權杖驗證。未設定權杖時拒絕所有管理請求，
// 避免空設定意外暴露管理面。
func (h *Handler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminToken == "" {
			h.errorResponse(w, "管理介面未設定權杖", http.StatusForbidden)
			return
		}
		token := r.Header.Get("Authorization")
		if token == "" {
			// WebSocket 客戶端無法帶自訂標頭，允許 query 參數
			token = "Bearer " + r.URL.Query().Get("token")
		}
		if token != "Bearer "+h.cfg.AdminToken {
			h.errorResponse(w, "權杖無效", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
