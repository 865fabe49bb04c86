package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 伺服器設定，來自 server_config.yml。
// 檔案不存在時使用預設值；命令列旗標可覆寫埠號與日誌設定。
type Config struct {
	Port    int `yaml:"port"`     // 遊戲協定（TCP）埠
	WebPort int `yaml:"web_port"` // 管理 HTTP API 埠

	// 允許以觀戰者（monitor）身份加入的使用者 ID
	Monitors []int32 `yaml:"monitors"`

	AdminToken string `yaml:"admin_token"`

	ReplayEnabled       bool `yaml:"replay_enabled"`
	RoomCreationEnabled bool `yaml:"room_creation_enabled"`

	// 單房間玩家上限（觀戰者不計入）
	RoomMaxPlayers int `yaml:"room_max_players"`

	APIBase string `yaml:"api_base"`

	BanFile    string `yaml:"ban_file"`
	LocalesDir string `yaml:"locales_dir"`

	// 心跳：heartbeat loop 每 HeartbeatInterval 醒來一次，
	// 距最後收包超過 DisconnectTimeout 即回報斷線。
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`

	// 斷線後使用者保留的重連寬限期
	DangleGrace time.Duration `yaml:"dangle_grace"`

	// 單一連接送出佇列的長度上限
	SendQueueSize int `yaml:"send_queue_size"`
}

// DefaultConfig 回傳預設設定。
func DefaultConfig() *Config {
	return &Config{
		Port:                12346,
		WebPort:             12345,
		Monitors:            []int32{2},
		ReplayEnabled:       true,
		RoomCreationEnabled: true,
		RoomMaxPlayers:      8,
		APIBase:             "https://phira.5wyxi.com",
		BanFile:             "banned.txt",
		LocalesDir:          "locales",
		HeartbeatInterval:   5 * time.Second,
		DisconnectTimeout:   30 * time.Second,
		DangleGrace:         10 * time.Second,
		SendQueueSize:       256,
	}
}

// UnmarshalYAML 自訂解碼。yaml.v3 不會把 "5s" 這樣的字串解成
// time.Duration，時間欄位在這裡手動解析；其餘欄位用指標區分
// 「沒寫」與「寫了零值」，沒寫的欄位保留預設值。
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Port                *int    `yaml:"port"`
		WebPort             *int    `yaml:"web_port"`
		Monitors            []int32 `yaml:"monitors"`
		AdminToken          *string `yaml:"admin_token"`
		ReplayEnabled       *bool   `yaml:"replay_enabled"`
		RoomCreationEnabled *bool   `yaml:"room_creation_enabled"`
		RoomMaxPlayers      *int    `yaml:"room_max_players"`
		APIBase             *string `yaml:"api_base"`
		BanFile             *string `yaml:"ban_file"`
		LocalesDir          *string `yaml:"locales_dir"`
		HeartbeatInterval   string  `yaml:"heartbeat_interval"`
		DisconnectTimeout   string  `yaml:"disconnect_timeout"`
		DangleGrace         string  `yaml:"dangle_grace"`
		SendQueueSize       *int    `yaml:"send_queue_size"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Port != nil {
		c.Port = *raw.Port
	}
	if raw.WebPort != nil {
		c.WebPort = *raw.WebPort
	}
	if raw.Monitors != nil {
		c.Monitors = raw.Monitors
	}
	if raw.AdminToken != nil {
		c.AdminToken = *raw.AdminToken
	}
	if raw.ReplayEnabled != nil {
		c.ReplayEnabled = *raw.ReplayEnabled
	}
	if raw.RoomCreationEnabled != nil {
		c.RoomCreationEnabled = *raw.RoomCreationEnabled
	}
	if raw.RoomMaxPlayers != nil {
		c.RoomMaxPlayers = *raw.RoomMaxPlayers
	}
	if raw.APIBase != nil {
		c.APIBase = *raw.APIBase
	}
	if raw.BanFile != nil {
		c.BanFile = *raw.BanFile
	}
	if raw.LocalesDir != nil {
		c.LocalesDir = *raw.LocalesDir
	}
	if raw.SendQueueSize != nil {
		c.SendQueueSize = *raw.SendQueueSize
	}

	for _, f := range []struct {
		s   string
		dst *time.Duration
	}{
		{raw.HeartbeatInterval, &c.HeartbeatInterval},
		{raw.DisconnectTimeout, &c.DisconnectTimeout},
		{raw.DangleGrace, &c.DangleGrace},
	} {
		if f.s == "" {
			continue
		}
		d, err := time.ParseDuration(f.s)
		if err != nil {
			return fmt.Errorf("無效的時間值 %q: %w", f.s, err)
		}
		*f.dst = d
	}
	return nil
}

// LoadConfig 載入 YAML 設定檔。檔案不存在時回傳預設值。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("讀取設定檔失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析設定檔失敗: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Port)
	}
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("無效的管理埠號: %d", c.WebPort)
	}
	if c.RoomMaxPlayers < 1 || c.RoomMaxPlayers > 100 {
		return fmt.Errorf("玩家上限必須在 1-100 之間: %d", c.RoomMaxPlayers)
	}
	if c.HeartbeatInterval <= 0 || c.DisconnectTimeout <= 0 {
		return fmt.Errorf("心跳間隔與斷線逾時必須為正值")
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("送出佇列長度必須為正值: %d", c.SendQueueSize)
	}
	return nil
}

// CanMonitor 檢查使用者是否在觀戰者白名單中。
func (c *Config) CanMonitor(userID int32) bool {
	for _, id := range c.Monitors {
		if id == userID {
			return true
		}
	}
	return false
}
