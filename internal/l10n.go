package internal

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 簡易本地化系統。
//
// locales/ 目錄下每個語言一個 key=value 檔（en-US.txt、zh-CN.txt、zh-TW.txt）。
// 使用者的語言在認證時決定，之後由本服務產生的使用者可見字串
// 都透過 Tr 取得對應翻譯；缺字時退回 en-US，再缺就直接回傳 key。

// Language 語言索引。
type Language int

const (
	LangEnUS Language = iota
	LangZhCN
	LangZhTW
)

var languageFiles = map[Language]string{
	LangEnUS: "en-US.txt",
	LangZhCN: "zh-CN.txt",
	LangZhTW: "zh-TW.txt",
}

// ParseLanguage 解析 API 回傳的語言字串。未知語言退回 en-US。
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "zh-cn", "zh-hans", "zh":
		return LangZhCN
	case "zh-tw", "zh-hant", "zh-hk":
		return LangZhTW
	default:
		return LangEnUS
	}
}

func (l Language) String() string {
	switch l {
	case LangZhCN:
		return "zh-CN"
	case LangZhTW:
		return "zh-TW"
	default:
		return "en-US"
	}
}

// L10n 翻譯字串表。
type L10n struct {
	mu      sync.RWMutex
	bundles map[Language]map[string]string
}

func NewL10n() *L10n {
	return &L10n{bundles: make(map[Language]map[string]string)}
}

// LoadDirectory 載入 locales 目錄下的所有語言檔。
// 檔案格式：每行 key=value，# 開頭是註解。目錄不存在時靜默使用空表。
func (l *L10n) LoadDirectory(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for lang, file := range languageFiles {
		bundle, err := loadBundle(filepath.Join(dir, file))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		l.bundles[lang] = bundle
	}
	return nil
}

func loadBundle(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bundle := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		bundle[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return bundle, scanner.Err()
}

// Tr 取得 key 在指定語言下的翻譯。
// 缺字時退回 en-US，再缺就回傳 key 本身（保證總有輸出）。
func (l *L10n) Tr(lang Language, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bundle, ok := l.bundles[lang]; ok {
		if v, ok := bundle[key]; ok {
			return v
		}
	}
	if lang != LangEnUS {
		if bundle, ok := l.bundles[LangEnUS]; ok {
			if v, ok := bundle[key]; ok {
				return v
			}
		}
	}
	return key
}
