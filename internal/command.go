package internal

// 指令/事件結構定義。
//
// 線路格式是封閉式的 tagged union：每個封包 body 的第一個 byte 是
// type discriminant，之後的欄位編碼由 discriminant 完全決定。
// 客戶端 → 伺服器 是 ClientCommand（只需解碼），
// 伺服器 → 客戶端 是 ServerCommand（只需編碼）。

// ── 線路結構 ─────────────────────────────────────────────────────────

// TouchPoint 單一觸控點：指頭編號 + 半精度座標。
type TouchPoint struct {
	ID  int8
	Pos CompactPos
}

// TouchFrame 一幀觸控資料。
type TouchFrame struct {
	Time   float32
	Points []TouchPoint
}

func readTouchFrame(r *BinaryReader) (TouchFrame, error) {
	var f TouchFrame
	var err error
	if f.Time, err = r.ReadF32(); err != nil {
		return f, err
	}
	n, err := r.ReadUleb()
	if err != nil {
		return f, err
	}
	if n > uint64(r.Remaining()) {
		// 每個點至少 5 bytes，先用剩餘長度擋掉惡意計數
		return f, framingErrf("touch point count too large: %d", n)
	}
	f.Points = make([]TouchPoint, 0, n)
	for i := uint64(0); i < n; i++ {
		var p TouchPoint
		if p.ID, err = r.ReadI8(); err != nil {
			return f, err
		}
		if p.Pos, err = readCompactPos(r); err != nil {
			return f, err
		}
		f.Points = append(f.Points, p)
	}
	return f, nil
}

func (f TouchFrame) writeBinary(w *BinaryWriter) {
	w.WriteF32(f.Time)
	w.WriteUleb(uint64(len(f.Points)))
	for _, p := range f.Points {
		w.WriteI8(p.ID)
		p.Pos.writeBinary(w)
	}
}

// Judgement 判定等級。
type Judgement uint8

const (
	JudgePerfect Judgement = iota
	JudgeGood
	JudgeBad
	JudgeMiss
	JudgeHoldPerfect
	JudgeHoldGood
)

// JudgeEvent 單次判定事件，觀戰端用來同步重現判定表現。
type JudgeEvent struct {
	Time      float32
	LineID    uint32
	NoteID    uint32
	Judgement Judgement
}

func readJudgeEvent(r *BinaryReader) (JudgeEvent, error) {
	var e JudgeEvent
	var err error
	if e.Time, err = r.ReadF32(); err != nil {
		return e, err
	}
	if e.LineID, err = r.ReadU32(); err != nil {
		return e, err
	}
	if e.NoteID, err = r.ReadU32(); err != nil {
		return e, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if b > uint8(JudgeHoldGood) {
		return e, framingErrf("unknown judgement: %d", b)
	}
	e.Judgement = Judgement(b)
	return e, nil
}

func (e JudgeEvent) writeBinary(w *BinaryWriter) {
	w.WriteF32(e.Time)
	w.WriteU32(e.LineID)
	w.WriteU32(e.NoteID)
	w.WriteU8(uint8(e.Judgement))
}

// UserInfo 使用者對外可見的投影。
type UserInfo struct {
	ID      int32
	Name    string
	Monitor bool
}

func (u UserInfo) writeBinary(w *BinaryWriter) {
	w.WriteI32(u.ID)
	w.WriteString(u.Name)
	w.WriteBool(u.Monitor)
}

// RoomStateType 房間狀態在線路上的 discriminant。
type RoomStateType uint8

const (
	RoomStateSelectChart RoomStateType = iota
	RoomStateWaitingForReady
	RoomStatePlaying
)

// RoomState 房間狀態的客戶端投影。
// SelectChart 帶一個可選的已選譜面 ID。
type RoomState struct {
	Type    RoomStateType
	ChartID *int32
}

func SelectChartState(chartID *int32) RoomState {
	return RoomState{Type: RoomStateSelectChart, ChartID: chartID}
}

func WaitingForReadyState() RoomState { return RoomState{Type: RoomStateWaitingForReady} }
func PlayingState() RoomState         { return RoomState{Type: RoomStatePlaying} }

func (s RoomState) writeBinary(w *BinaryWriter) {
	w.WriteU8(uint8(s.Type))
	if s.Type == RoomStateSelectChart {
		if s.ChartID != nil {
			w.WriteBool(true)
			w.WriteI32(*s.ChartID)
		} else {
			w.WriteBool(false)
		}
	}
}

// ClientRoomState 認證回應裡附帶的完整房間快照，
// 讓斷線重連的客戶端一次拿回所有狀態。
type ClientRoomState struct {
	ID      RoomID
	State   RoomState
	Live    bool
	Locked  bool
	Cycle   bool
	IsHost  bool
	IsReady bool
	Users   map[int32]UserInfo
}

func (s ClientRoomState) writeBinary(w *BinaryWriter) {
	s.ID.writeBinary(w)
	s.State.writeBinary(w)
	w.WriteBool(s.Live)
	w.WriteBool(s.Locked)
	w.WriteBool(s.Cycle)
	w.WriteBool(s.IsHost)
	w.WriteBool(s.IsReady)
	w.WriteUleb(uint64(len(s.Users)))
	for id, u := range s.Users {
		w.WriteI32(id)
		u.writeBinary(w)
	}
}

// JoinRoomResponse 加入房間成功時的回應內容。
type JoinRoomResponse struct {
	State RoomState
	Users []UserInfo
	Live  bool
}

func (r JoinRoomResponse) writeBinary(w *BinaryWriter) {
	r.State.writeBinary(w)
	w.WriteUleb(uint64(len(r.Users)))
	for _, u := range r.Users {
		u.writeBinary(w)
	}
	w.WriteBool(r.Live)
}

// ── Message（SMessage 的 payload）────────────────────────────────────

// MessageType 房間內系統/聊天事件的 discriminant。
type MessageType uint8

const (
	MsgChat MessageType = iota
	MsgCreateRoom
	MsgJoinRoom
	MsgLeaveRoom
	MsgNewHost
	MsgSelectChart
	MsgGameStart
	MsgReady
	MsgCancelReady
	MsgCancelGame
	MsgStartPlaying
	MsgPlayed
	MsgGameEnd
	MsgAbort
	MsgLockRoom
	MsgCycleRoom
)

// Message 房間內廣播的系統/聊天事件。
// 欄位依 Type 取用，未使用的欄位不編碼。
type Message struct {
	Type      MessageType
	User      int32
	Content   string
	ChartID   int32
	Score     int32
	Accuracy  float32
	FullCombo bool
	Flag      bool
}

func (m Message) writeBinary(w *BinaryWriter) {
	w.WriteU8(uint8(m.Type))
	switch m.Type {
	case MsgChat:
		w.WriteI32(m.User)
		w.WriteString(m.Content)
	case MsgCreateRoom, MsgNewHost, MsgGameStart, MsgReady, MsgCancelReady, MsgCancelGame, MsgAbort:
		w.WriteI32(m.User)
	case MsgJoinRoom, MsgLeaveRoom:
		w.WriteI32(m.User)
		w.WriteString(m.Content)
	case MsgSelectChart:
		w.WriteI32(m.User)
		w.WriteString(m.Content)
		w.WriteI32(m.ChartID)
	case MsgStartPlaying, MsgGameEnd:
		// 無欄位
	case MsgPlayed:
		w.WriteI32(m.User)
		w.WriteI32(m.Score)
		w.WriteF32(m.Accuracy)
		w.WriteBool(m.FullCombo)
	case MsgLockRoom, MsgCycleRoom:
		w.WriteBool(m.Flag)
	}
}

func ChatMessage(user int32, content string) Message {
	return Message{Type: MsgChat, User: user, Content: content}
}

func CreateRoomMessage(user int32) Message { return Message{Type: MsgCreateRoom, User: user} }

func JoinRoomMessage(user int32, name string) Message {
	return Message{Type: MsgJoinRoom, User: user, Content: name}
}

func LeaveRoomMessage(user int32, name string) Message {
	return Message{Type: MsgLeaveRoom, User: user, Content: name}
}

func NewHostMessage(user int32) Message { return Message{Type: MsgNewHost, User: user} }

func SelectChartMessage(user int32, name string, chartID int32) Message {
	return Message{Type: MsgSelectChart, User: user, Content: name, ChartID: chartID}
}

func GameStartMessage(user int32) Message   { return Message{Type: MsgGameStart, User: user} }
func ReadyMessage(user int32) Message       { return Message{Type: MsgReady, User: user} }
func CancelReadyMessage(user int32) Message { return Message{Type: MsgCancelReady, User: user} }
func CancelGameMessage(user int32) Message  { return Message{Type: MsgCancelGame, User: user} }
func StartPlayingMessage() Message          { return Message{Type: MsgStartPlaying} }
func GameEndMessage() Message               { return Message{Type: MsgGameEnd} }
func AbortMessage(user int32) Message       { return Message{Type: MsgAbort, User: user} }

func PlayedMessage(user, score int32, accuracy float32, fullCombo bool) Message {
	return Message{Type: MsgPlayed, User: user, Score: score, Accuracy: accuracy, FullCombo: fullCombo}
}

func LockRoomMessage(lock bool) Message  { return Message{Type: MsgLockRoom, Flag: lock} }
func CycleRoomMessage(cycle bool) Message { return Message{Type: MsgCycleRoom, Flag: cycle} }

// ── ClientCommand ────────────────────────────────────────────────────

// ClientCommandType 客戶端指令的 discriminant。
type ClientCommandType uint8

const (
	CmdPing ClientCommandType = iota
	CmdAuthenticate
	CmdChat
	CmdTouches
	CmdJudges
	CmdCreateRoom
	CmdJoinRoom
	CmdLeaveRoom
	CmdLockRoom
	CmdCycleRoom
	CmdSelectChart
	CmdRequestStart
	CmdReady
	CmdCancelReady
	CmdPlayed
	CmdAbort
)

// ClientCommand 解碼後的客戶端指令。
// 欄位依 Type 取用。
type ClientCommand struct {
	Type    ClientCommandType
	Token   string
	Message string
	RoomID  RoomID
	Frames  []TouchFrame
	Judges  []JudgeEvent
	Monitor bool
	Flag    bool
	ChartID int32
}

// DecodeClientCommand 解碼一個封包 body。
// 任何錯誤（截斷、超長、未知 discriminant）都是 FramingError。
func DecodeClientCommand(body []byte) (*ClientCommand, error) {
	r := NewBinaryReader(body)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b > uint8(CmdAbort) {
		return nil, framingErrf("unknown client command: %d", b)
	}

	c := &ClientCommand{Type: ClientCommandType(b)}
	switch c.Type {
	case CmdPing, CmdLeaveRoom, CmdRequestStart, CmdReady, CmdCancelReady, CmdAbort:
		// 無欄位
	case CmdAuthenticate:
		if c.Token, err = r.ReadVarchar(MaxTokenLen); err != nil {
			return nil, err
		}
	case CmdChat:
		if c.Message, err = r.ReadVarchar(MaxChatLen); err != nil {
			return nil, err
		}
	case CmdTouches:
		n, err := r.ReadUleb()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, framingErrf("touch frame count too large: %d", n)
		}
		c.Frames = make([]TouchFrame, 0, n)
		for i := uint64(0); i < n; i++ {
			f, err := readTouchFrame(r)
			if err != nil {
				return nil, err
			}
			c.Frames = append(c.Frames, f)
		}
	case CmdJudges:
		n, err := r.ReadUleb()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, framingErrf("judge event count too large: %d", n)
		}
		c.Judges = make([]JudgeEvent, 0, n)
		for i := uint64(0); i < n; i++ {
			e, err := readJudgeEvent(r)
			if err != nil {
				return nil, err
			}
			c.Judges = append(c.Judges, e)
		}
	case CmdCreateRoom:
		if c.RoomID, err = readRoomID(r); err != nil {
			return nil, err
		}
	case CmdJoinRoom:
		if c.RoomID, err = readRoomID(r); err != nil {
			return nil, err
		}
		if c.Monitor, err = r.ReadBool(); err != nil {
			return nil, err
		}
	case CmdLockRoom, CmdCycleRoom:
		if c.Flag, err = r.ReadBool(); err != nil {
			return nil, err
		}
	case CmdSelectChart, CmdPlayed:
		if c.ChartID, err = r.ReadI32(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ── ServerCommand ────────────────────────────────────────────────────

// ServerCommandType 伺服器事件的 discriminant。
type ServerCommandType uint8

const (
	SrvPong ServerCommandType = iota
	SrvAuthenticate
	SrvChat
	SrvTouches
	SrvJudges
	SrvMessage
	SrvChangeState
	SrvChangeHost
	SrvCreateRoom
	SrvJoinRoom
	SrvOnJoinRoom
	SrvLeaveRoom
	SrvLockRoom
	SrvCycleRoom
	SrvSelectChart
	SrvRequestStart
	SrvReady
	SrvCancelReady
	SrvPlayed
	SrvAbort
)

// ServerCommand 伺服器送往客戶端的事件。
// Result 型（OK + ErrorMsg）的事件只回給發出指令的那條連接，
// 其他型的事件透過房間廣播。
type ServerCommand struct {
	Type ServerCommandType

	OK       bool
	ErrorMsg string

	AuthUser      UserInfo
	AuthRoomState *ClientRoomState

	PlayerID int32
	Frames   []TouchFrame
	Judges   []JudgeEvent

	Message      Message
	RoomState    RoomState
	IsHost       bool
	JoinResponse JoinRoomResponse
	JoinUser     UserInfo
}

// Encode 編碼成封包 body（不含長度前綴）。
// 對格式正確的值永遠成功。
func (c *ServerCommand) Encode() []byte {
	w := NewBinaryWriter()
	w.WriteU8(uint8(c.Type))
	switch c.Type {
	case SrvPong:
	case SrvAuthenticate:
		w.WriteBool(c.OK)
		if c.OK {
			c.AuthUser.writeBinary(w)
			if c.AuthRoomState != nil {
				w.WriteBool(true)
				c.AuthRoomState.writeBinary(w)
			} else {
				w.WriteBool(false)
			}
		} else {
			w.WriteString(c.ErrorMsg)
		}
	case SrvChat, SrvCreateRoom, SrvLeaveRoom, SrvLockRoom, SrvCycleRoom,
		SrvSelectChart, SrvRequestStart, SrvReady, SrvCancelReady, SrvPlayed, SrvAbort:
		w.WriteBool(c.OK)
		if !c.OK {
			w.WriteString(c.ErrorMsg)
		}
	case SrvTouches:
		w.WriteI32(c.PlayerID)
		w.WriteUleb(uint64(len(c.Frames)))
		for _, f := range c.Frames {
			f.writeBinary(w)
		}
	case SrvJudges:
		w.WriteI32(c.PlayerID)
		w.WriteUleb(uint64(len(c.Judges)))
		for _, j := range c.Judges {
			j.writeBinary(w)
		}
	case SrvMessage:
		c.Message.writeBinary(w)
	case SrvChangeState:
		c.RoomState.writeBinary(w)
	case SrvChangeHost:
		w.WriteBool(c.IsHost)
	case SrvJoinRoom:
		w.WriteBool(c.OK)
		if c.OK {
			c.JoinResponse.writeBinary(w)
		} else {
			w.WriteString(c.ErrorMsg)
		}
	case SrvOnJoinRoom:
		c.JoinUser.writeBinary(w)
	}
	return w.Bytes()
}

func Pong() *ServerCommand { return &ServerCommand{Type: SrvPong} }

func AuthenticateOK(user UserInfo, roomState *ClientRoomState) *ServerCommand {
	return &ServerCommand{Type: SrvAuthenticate, OK: true, AuthUser: user, AuthRoomState: roomState}
}

func AuthenticateErr(msg string) *ServerCommand {
	return &ServerCommand{Type: SrvAuthenticate, OK: false, ErrorMsg: msg}
}

// SimpleOK 建立一個只帶成功旗標的回應。
func SimpleOK(t ServerCommandType) *ServerCommand {
	return &ServerCommand{Type: t, OK: true}
}

// SimpleErr 建立一個帶錯誤訊息的回應。
func SimpleErr(t ServerCommandType, msg string) *ServerCommand {
	return &ServerCommand{Type: t, OK: false, ErrorMsg: msg}
}

func TouchesCommand(player int32, frames []TouchFrame) *ServerCommand {
	return &ServerCommand{Type: SrvTouches, PlayerID: player, Frames: frames}
}

func JudgesCommand(player int32, judges []JudgeEvent) *ServerCommand {
	return &ServerCommand{Type: SrvJudges, PlayerID: player, Judges: judges}
}

func MessageCommand(m Message) *ServerCommand {
	return &ServerCommand{Type: SrvMessage, Message: m}
}

func ChangeStateCommand(s RoomState) *ServerCommand {
	return &ServerCommand{Type: SrvChangeState, RoomState: s}
}

func ChangeHostCommand(isHost bool) *ServerCommand {
	return &ServerCommand{Type: SrvChangeHost, IsHost: isHost}
}

func JoinRoomOK(resp JoinRoomResponse) *ServerCommand {
	return &ServerCommand{Type: SrvJoinRoom, OK: true, JoinResponse: resp}
}

func JoinRoomErr(msg string) *ServerCommand {
	return &ServerCommand{Type: SrvJoinRoom, OK: false, ErrorMsg: msg}
}

func OnJoinRoomCommand(u UserInfo) *ServerCommand {
	return &ServerCommand{Type: SrvOnJoinRoom, JoinUser: u}
}
