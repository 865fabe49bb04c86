package internal

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// 系統設計問題：
//   每條 TCP 連接如何在不互相阻塞的前提下，同時收包、送包、偵測斷線？
//
// 核心挑戰：
//   1. 慢消費者：一個客戶端卡住，不能拖垮房間廣播
//   2. 關閉競態：送出 goroutine 與關閉路徑可能同時觸碰佇列
//   3. 重連：同一使用者的新連接到達時，舊連接可能還沒被收割
//   4. 斷線偵測：TCP 本身不會即時告訴你對端消失了
//
// 設計方案：
//   ✅ 每連接三條 goroutine - recvLoop / sendLoop / heartbeatLoop
//   ✅ 有界送出佇列 + select default - 佇列滿直接視為連接失效
//   ✅ done channel 關閉（不關 sendQ）- 避免 send on closed channel panic
//   ✅ alive CAS - 斷線回報恰好一次，後續回報都是 no-op
//   ✅ 心跳只回報不拆除 - 拆除統一交給中央收割者序列化處理

const (
	// 線路協定版本。握手時客戶端先送一個版本位元組。
	ProtocolVersion byte = 1

	writeTimeout = 10 * time.Second
)

// User 一個已認證的玩家，生命週期跨越多條連接（重連）。
// registry 是唯一擁有者，房間只保存非擁有引用。
type User struct {
	ID int32

	// 名稱與語言在重新認證時以最新值為準，讀寫都要過鎖
	profileMu sync.RWMutex
	name      string
	lang      Language

	sessionMu sync.RWMutex
	session   *Session

	roomMu sync.RWMutex
	room   *Room

	monitor atomic.Bool

	// 遊玩中的客戶端時鐘（float32 位元表示），-Inf 表示尚未回報
	gameTime atomic.Uint32

	// 斷線寬限標記。指標身份比較：重連或新一輪斷線會換掉標記，
	// 舊計時器到期時發現標記不是自己的就放棄
	dangleMu sync.Mutex
	dangle   *dangleMark
}

type dangleMark struct{}

func NewUser(id int32, name string, lang Language) *User {
	u := &User{ID: id, name: name, lang: lang}
	return u
}

// Name 顯示名稱。
func (u *User) Name() string {
	u.profileMu.RLock()
	defer u.profileMu.RUnlock()
	return u.name
}

// Lang 使用者語言，決定錯誤訊息的翻譯。
func (u *User) Lang() Language {
	u.profileMu.RLock()
	defer u.profileMu.RUnlock()
	return u.lang
}

// SetProfile 更新名稱與語言（重新認證時呼叫）。
func (u *User) SetProfile(name string, lang Language) {
	u.profileMu.Lock()
	defer u.profileMu.Unlock()
	u.name = name
	u.lang = lang
}

// Info 對外可見的投影。
func (u *User) Info() UserInfo {
	return UserInfo{ID: u.ID, Name: u.Name(), Monitor: u.IsMonitor()}
}

func (u *User) IsMonitor() bool         { return u.monitor.Load() }
func (u *User) SetMonitor(monitor bool) { u.monitor.Store(monitor) }

// Session 目前綁定的連接。nil 表示斷線中（寬限期內）。
func (u *User) Session() *Session {
	u.sessionMu.RLock()
	defer u.sessionMu.RUnlock()
	return u.session
}

// BindSession 綁定新連接，回傳被取代的舊連接（可能為 nil）。
func (u *User) BindSession(s *Session) *Session {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()
	old := u.session
	u.session = s
	return old
}

// DetachSession 只在 s 仍是當前連接時解除綁定。
// 舊連接的遲到收割不會動到重連後的新綁定。
func (u *User) DetachSession(s *Session) bool {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()
	if u.session != s {
		return false
	}
	u.session = nil
	return true
}

// Room 目前所在的房間。nil 表示不在任何房間。
func (u *User) Room() *Room {
	u.roomMu.RLock()
	defer u.roomMu.RUnlock()
	return u.room
}

func (u *User) SetRoom(r *Room) {
	u.roomMu.Lock()
	defer u.roomMu.Unlock()
	u.room = r
}

// TrySend 透過當前連接送出事件。斷線中靜默丟棄。
func (u *User) TrySend(cmd *ServerCommand) {
	if s := u.Session(); s != nil {
		s.TrySend(cmd)
	}
}

// Dangle 啟動斷線寬限計時。寬限期內沒被 Reclaim 就執行 expire。
func (u *User) Dangle(grace time.Duration, expire func()) {
	u.dangleMu.Lock()
	mark := &dangleMark{}
	u.dangle = mark
	u.dangleMu.Unlock()

	time.AfterFunc(grace, func() {
		u.dangleMu.Lock()
		expired := u.dangle == mark
		if expired {
			u.dangle = nil
		}
		u.dangleMu.Unlock()
		if expired {
			expire()
		}
	})
}

// Reclaim 重連時取消寬限計時。回傳是否確實處於寬限期中。
func (u *User) Reclaim() bool {
	u.dangleMu.Lock()
	defer u.dangleMu.Unlock()
	if u.dangle == nil {
		return false
	}
	u.dangle = nil
	return true
}

// Session 一條 TCP 連接的狀態與三條 goroutine 的交會點。
type Session struct {
	ID      uuid.UUID
	conn    net.Conn
	version byte

	server *ServerState
	logger *slog.Logger

	userMu sync.RWMutex
	user   *User

	sendQ chan *ServerCommand
	done  chan struct{}
	once  sync.Once

	// 只允許一次斷線回報
	alive atomic.Bool

	lastRecvMu sync.Mutex
	lastRecv   time.Time
}

// NewSession 完成版本握手並建立連接狀態。
// 客戶端必須先送一個非零的版本位元組，之後才進入封包框架。
func NewSession(server *ServerState, conn net.Conn, logger *slog.Logger) (*Session, error) {
	if err := conn.SetReadDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	var buf [1]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return nil, err
	}
	if buf[0] == 0 || buf[0] > ProtocolVersion {
		return nil, framingErrf("unsupported protocol version: %d", buf[0])
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	id := uuid.New()
	s := &Session{
		ID:      id,
		conn:    conn,
		version: buf[0],
		server:  server,
		logger:  logger.With("session_id", id.String()[:8], "remote", conn.RemoteAddr().String()),
		sendQ:   make(chan *ServerCommand, server.cfg.SendQueueSize),
		done:    make(chan struct{}),
	}
	s.alive.Store(true)
	s.lastRecv = time.Now()
	return s, nil
}

// Start 啟動三條 goroutine。
func (s *Session) Start() {
	go s.recvLoop()
	go s.sendLoop()
	go s.heartbeatLoop()
}

// User 目前綁定的使用者。認證前是 nil。
func (s *Session) User() *User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

func (s *Session) setUser(u *User) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	s.user = u
}

// TrySend 把事件排進送出佇列。佇列滿表示客戶端消化不掉
// 或已經死了，直接回報斷線，絕不阻塞呼叫者（廣播路徑）。
func (s *Session) TrySend(cmd *ServerCommand) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.sendQ <- cmd:
	default:
		s.logger.Warn("送出佇列已滿，視為連接失效")
		s.reportLost()
	}
}

// reportLost 回報連接失效。CAS 保證整條連接只回報一次，
// 實際拆除交給中央收割者。
func (s *Session) reportLost() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	s.server.reportLost(s)
}

// Shutdown 關閉連接（收割者呼叫）。冪等。
// 關的是 done channel 而不是 sendQ：sendQ 可能同時有多個
// 廣播者正在寫入，關掉它會 panic。
func (s *Session) Shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) touch() {
	s.lastRecvMu.Lock()
	s.lastRecv = time.Now()
	s.lastRecvMu.Unlock()
}

func (s *Session) sinceLastRecv() time.Duration {
	s.lastRecvMu.Lock()
	defer s.lastRecvMu.Unlock()
	return time.Since(s.lastRecv)
}

// recvLoop 讀取封包並分發。任何讀取或解碼錯誤都是致命的：
// 框架錯誤之後的位元組邊界已不可信，只能回報斷線。
func (s *Session) recvLoop() {
	reader := bufio.NewReader(s.conn)
	for {
		body, err := ReadPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("讀取封包失敗", "error", err)
			}
			s.reportLost()
			return
		}
		s.touch()

		cmd, err := DecodeClientCommand(body)
		if err != nil {
			s.logger.Warn("封包解碼失敗，關閉連接", "error", err)
			s.reportLost()
			return
		}
		s.dispatch(cmd)
	}
}

// dispatch 單一指令的入口。認證前只接受 Ping 與 Authenticate。
func (s *Session) dispatch(cmd *ClientCommand) {
	if cmd.Type == CmdPing {
		s.TrySend(Pong())
		return
	}

	user := s.User()
	if user == nil {
		if cmd.Type == CmdAuthenticate {
			s.server.Authenticate(s, cmd.Token)
			return
		}
		s.logger.Warn("未認證連接送出指令", "type", cmd.Type)
		s.reportLost()
		return
	}

	// 擴充層過濾：放行、替換或取消
	filtered, ok := s.server.hooks.BeforeCommand(user, cmd)
	if !ok {
		return
	}
	s.server.Process(s, user, filtered)
}

// sendLoop 佇列消費者。整條連接只有這一條 goroutine 寫 socket，
// 佇列順序就是線路順序。
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.sendQ:
			packet := WritePacket(cmd.Encode())
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.reportLost()
				return
			}
			if _, err := s.conn.Write(packet); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("寫入失敗", "error", err)
				}
				s.reportLost()
				return
			}
		}
	}
}

// heartbeatLoop 週期性檢查最後收包時間。超過斷線逾時就回報，
// 拆除工作仍交給收割者（這條 goroutine 不做任何狀態清理）。
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.server.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.sinceLastRecv() > s.server.cfg.DisconnectTimeout {
				s.logger.Info("心跳逾時", "idle", s.sinceLastRecv().Round(time.Second))
				s.reportLost()
				return
			}
		}
	}
}
