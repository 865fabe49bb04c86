// Package rhythmserver 是一個多人節奏遊戲的配對伺服器。
//
// 實現了一個支援多房間、多玩家、觀戰串流的即時對局服務器，
// 包含以下核心部分：
//
// 線路協定
//
// 客戶端透過原生 TCP 以自訂二進位協定溝通：
//   - uleb128 長度前綴的封包框架
//   - 封包第一個位元組是指令的 discriminant（封閉 tagged union）
//   - 小端序定長整數、帶上限的 varchar、半精度浮點觸控座標
//   - 連接建立後先交換一個協定版本位元組
//
// 房間狀態機
//
// 每個房間是一個三階段狀態機：
//   - SelectChart：房主選譜，任何人可加入
//   - WaitForReady：所有玩家確認準備，房主可取消
//   - Playing：所有玩家回報成績或放棄後回到 SelectChart
//
// 轉換是邊緣觸發的：每次準備、取消、加入、離開後重新檢查條件，
// 不做輪詢。循環模式下每局結束房主依名單順序輪替。
//
// 連接與斷線
//
// 每條連接三條 goroutine（收包、送包、心跳），失效回報統一交給
// 中央收割者序列化處理。斷線的使用者有一段重連寬限期，
// 期間房間位置保留；遊玩中斷線則立即離開房間。
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 欄位粒度讀寫鎖保護房間狀態
//   - 原子旗標承載熱點路徑（locked/cycle/live）
//   - 有界送出佇列隔離慢客戶端
//   - CAS 保證斷線清理恰好一次
//
// 管理介面
//
// 獨立埠上的 HTTP API 提供營運能力：檢視房間與使用者、踢人、
// 封禁、解散房間、比賽模式設定，以及生命週期事件的 WebSocket
// 即時串流。
//
// 配置選項
//
// 支援多種運行時配置（server_config.yml，旗標可覆寫）：
//   - -config：設定檔路徑
//   - -port / -web-port：遊戲協定埠與管理 API 埠
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package rhythmserver
