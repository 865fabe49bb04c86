package internal

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// 系統設計問題：
//   如何為高頻率的遊戲封包設計一個緊湊且安全的二進位編碼？
//
// 核心挑戰：
//   1. 頻寬：觸控串流每秒數十幀，JSON 之類的自描述格式太浪費
//   2. 安全：長度欄位來自客戶端，必須在解碼時嚴格限制（防止記憶體放大攻擊）
//   3. 相容：封包以單一 type byte 開頭，格式由 type 完全決定（封閉式 tagged union）
//
// 設計方案：
//   ✅ 固定寬度整數（little-endian）+ ULEB128 變長計數
//   ✅ 字串帶長度前綴，每個欄位宣告各自的最大長度，超過即為致命的 framing error
//   ✅ 觸控座標使用半精度浮點（f16），封包大小減半
//   ✅ 解碼錯誤一律是 FramingError → 直接斷線，不回應

// 各欄位的應用層長度上限。
// 超過上限不是截斷，而是 framing error（視為惡意或損壞的封包）。
const (
	MaxRoomIDLen = 20  // 房間 ID
	MaxTokenLen  = 32  // 認證 token
	MaxChatLen   = 200 // 聊天訊息

	// 單一封包 body 的上限。觸控串流一批最多也只有數 KB，
	// 1 MiB 已經遠超正常流量。
	MaxPacketSize = 1 << 20
)

// FramingError 表示封包在線路層面就已損壞：
// 截斷、超長、非法 UTF-8、未知的 type byte。
// 這類錯誤對連接是致命的，session 會直接關閉且不回應。
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func framingErrf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// ── BinaryReader ─────────────────────────────────────────────────────

// BinaryReader 從完整的封包 body 解碼欄位。
// 所有讀取都檢查剩餘長度，越界回傳 FramingError。
type BinaryReader struct {
	data []byte
	pos  int
}

func NewBinaryReader(data []byte) *BinaryReader {
	return &BinaryReader{data: data}
}

// Remaining 回傳尚未讀取的位元組數。
func (r *BinaryReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *BinaryReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, framingErrf("unexpected EOF")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *BinaryReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, framingErrf("unexpected EOF")
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

// ReadUleb 讀取 ULEB128（base-128、continuation bit）無號整數。
// 限制最多 10 個位元組，防止惡意的無限 continuation。
func (r *BinaryReader) ReadUleb() (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, framingErrf("uleb128 too long")
}

func (r *BinaryReader) ReadI8() (int8, error) {
	b, err := r.ReadByte()
	return int8(b), err
}

func (r *BinaryReader) ReadU16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(p[0]) | uint16(p[1])<<8, nil
}

func (r *BinaryReader) ReadU32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24, nil
}

func (r *BinaryReader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *BinaryReader) ReadU64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(p[i])
	}
	return v, nil
}

func (r *BinaryReader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

func (r *BinaryReader) ReadF32() (float32, error) {
	bits, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func (r *BinaryReader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b == 1, err
}

// ReadVarchar 讀取長度受限的字串。
// 長度超過 maxLen 或內容不是合法 UTF-8 都是 framing error。
func (r *BinaryReader) ReadVarchar(maxLen int) (string, error) {
	n, err := r.ReadUleb()
	if err != nil {
		return "", err
	}
	if n > uint64(maxLen) {
		return "", framingErrf("string too long: %d > %d", n, maxLen)
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", framingErrf("invalid utf-8 in string")
	}
	return string(p), nil
}

// ── BinaryWriter ─────────────────────────────────────────────────────

// BinaryWriter 將欄位編碼到緩衝區。編碼對格式正確的值永遠成功，
// 所以寫入端沒有錯誤回傳。
type BinaryWriter struct {
	buf []byte
}

func NewBinaryWriter() *BinaryWriter {
	return &BinaryWriter{buf: make([]byte, 0, 64)}
}

// Bytes 回傳目前為止編碼的內容。
func (w *BinaryWriter) Bytes() []byte { return w.buf }

func (w *BinaryWriter) WriteU8(b byte)        { w.buf = append(w.buf, b) }
func (w *BinaryWriter) WriteBytes(p []byte)   { w.buf = append(w.buf, p...) }
func (w *BinaryWriter) WriteI8(v int8)        { w.WriteU8(byte(v)) }
func (w *BinaryWriter) WriteU16(v uint16)     { w.buf = append(w.buf, byte(v), byte(v>>8)) }
func (w *BinaryWriter) WriteU32(v uint32)     { w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24)) }
func (w *BinaryWriter) WriteI32(v int32)      { w.WriteU32(uint32(v)) }
func (w *BinaryWriter) WriteF32(v float32)    { w.WriteU32(math.Float32bits(v)) }

func (w *BinaryWriter) WriteU64(v uint64) {
	for i := 0; i < 8; i++ {
		w.buf = append(w.buf, byte(v>>(8*i)))
	}
}

func (w *BinaryWriter) WriteI64(v int64) { w.WriteU64(uint64(v)) }

func (w *BinaryWriter) WriteUleb(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteU8(b)
		if v == 0 {
			return
		}
	}
}

func (w *BinaryWriter) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *BinaryWriter) WriteString(s string) {
	w.WriteUleb(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// ── 半精度浮點（f16）────────────────────────────────────────────────
//
// 觸控座標以 16 位元半精度（1 符號、5 指數、10 尾數）編碼，
// 讓高頻率的觸控串流封包減半。這是刻意的精度/頻寬取捨：
// 尾數只剩 10 位元（相對誤差約 2⁻¹¹），對僅供觀戰回放顯示的
// 座標完全足夠。

// F32ToF16 將 float32 壓縮成 IEEE 754 半精度的位元表示。
func F32ToF16(value float32) uint16 {
	bits := math.Float32bits(value)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127
	man := bits & 0x7fffff

	switch {
	case exp == 128: // Inf / NaN
		if man != 0 {
			return sign | 0x7c00 | uint16(man>>13)
		}
		return sign | 0x7c00
	case exp > 15: // 溢位 → Inf
		return sign | 0x7c00
	case exp > -15: // 正規數
		return sign | uint16((exp+15)<<10) | uint16(man>>13)
	case exp >= -24: // 次正規數
		man |= 0x800000
		return sign | uint16(man>>uint32(-1-exp))
	default: // 太小 → ±0
		return sign
	}
}

// F16ToF32 將半精度位元還原成 float32。
func F16ToF32(value uint16) float32 {
	sign := (uint32(value) & 0x8000) << 16
	exp := uint32(value>>10) & 0x1f
	man := uint32(value) & 0x3ff

	var result uint32
	switch {
	case exp == 0:
		if man == 0 {
			result = sign
		} else {
			// 次正規數：正規化尾數
			e := uint32(1)
			for man&0x400 == 0 {
				man <<= 1
				e--
			}
			man &= 0x3ff
			result = sign | (e+127-15)<<23 | man<<13
		}
	case exp == 31:
		result = sign | 0x7f800000 | man<<13
	default:
		result = sign | (exp+127-15)<<23 | man<<13
	}
	return math.Float32frombits(result)
}

// CompactPos 半精度座標對，觸控點的線路表示。
type CompactPos struct {
	XBits uint16
	YBits uint16
}

func NewCompactPos(x, y float32) CompactPos {
	return CompactPos{XBits: F32ToF16(x), YBits: F32ToF16(y)}
}

func (p CompactPos) X() float32 { return F16ToF32(p.XBits) }
func (p CompactPos) Y() float32 { return F16ToF32(p.YBits) }

func readCompactPos(r *BinaryReader) (CompactPos, error) {
	var p CompactPos
	var err error
	if p.XBits, err = r.ReadU16(); err != nil {
		return p, err
	}
	p.YBits, err = r.ReadU16()
	return p, err
}

func (p CompactPos) writeBinary(w *BinaryWriter) {
	w.WriteU16(p.XBits)
	w.WriteU16(p.YBits)
}

// ── RoomID ───────────────────────────────────────────────────────────

// RoomID 經過驗證的房間識別字串，同時是線路識別碼與 registry 的 key。
// 驗證發生在解碼時：不合法的 ID 根本解不出來，不會被存進任何地方。
type RoomID string

// ValidateRoomID 檢查房間 ID 格式：1-20 字元，只允許英數、減號、底線。
func ValidateRoomID(s string) bool {
	if len(s) == 0 || len(s) > MaxRoomIDLen {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func readRoomID(r *BinaryReader) (RoomID, error) {
	s, err := r.ReadVarchar(MaxRoomIDLen)
	if err != nil {
		return "", err
	}
	if !ValidateRoomID(s) {
		return "", framingErrf("invalid room id: %q", s)
	}
	return RoomID(s), nil
}

func (id RoomID) writeBinary(w *BinaryWriter) {
	w.WriteString(string(id))
}

// ── 封包框架 ─────────────────────────────────────────────────────────
//
// 線路上的封包格式：ULEB128 長度前綴 + body。
// body 的第一個 byte 是 type discriminant，其餘由 type 完全決定。

// ReadPacket 從串流讀取一個完整封包的 body。
// 長度超過 MaxPacketSize 視為 framing error。
func ReadPacket(br *bufio.Reader) ([]byte, error) {
	var length uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		length |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			goto done
		}
		shift += 7
	}
	return nil, framingErrf("packet length uleb128 too long")
done:
	if length == 0 {
		return nil, framingErrf("empty packet")
	}
	if length > MaxPacketSize {
		return nil, framingErrf("packet too large: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WritePacket 為 body 加上長度前綴，回傳完整的線路位元組。
func WritePacket(body []byte) []byte {
	w := NewBinaryWriter()
	w.WriteUleb(uint64(len(body)))
	w.WriteBytes(body)
	return w.Bytes()
}
