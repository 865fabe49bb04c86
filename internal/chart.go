package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// 譜面與成績資料來自外部的遊戲 API，不由本服務擁有。
// 這裡只定義邊界介面與一個 HTTP 實作；測試使用記憶體假實作。
// 成績（Record）按回報值接受，本服務不重新驗算。

// Chart 譜面資訊。
type Chart struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Record 單局遊玩成績。
type Record struct {
	ID        int32   `json:"id"`
	Player    int32   `json:"player"`
	Score     int32   `json:"score"`
	Perfect   int32   `json:"perfect"`
	Good      int32   `json:"good"`
	Bad       int32   `json:"bad"`
	Miss      int32   `json:"miss"`
	MaxCombo  int32   `json:"max_combo"`
	Accuracy  float32 `json:"accuracy"`
	FullCombo bool    `json:"full_combo"`
	StdDev    float32 `json:"std_deviation"`
	StdScore  float32 `json:"std_score"`
}

// AuthInfo 認證成功後取得的使用者身份。
type AuthInfo struct {
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// UserProvider 以 token 換取使用者身份。
type UserProvider interface {
	FetchUser(ctx context.Context, token string) (*AuthInfo, error)
}

// ChartProvider 查詢譜面資訊。
type ChartProvider interface {
	FetchChart(ctx context.Context, id int32) (*Chart, error)
}

// RecordProvider 查詢已上傳的成績。
type RecordProvider interface {
	FetchRecord(ctx context.Context, id int32) (*Record, error)
}

// APIClient 遊戲 API 的 HTTP 客戶端，實作上面三個介面。
type APIClient struct {
	base   string
	client *http.Client
}

func NewAPIClient(base string) *APIClient {
	return &APIClient{
		base: base,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) FetchUser(ctx context.Context, token string) (*AuthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var info AuthInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, fmt.Errorf("取得使用者資訊失敗: %w", err)
	}
	return &info, nil
}

func (c *APIClient) FetchChart(ctx context.Context, id int32) (*Chart, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/chart/%d", c.base, id), nil)
	if err != nil {
		return nil, err
	}
	var chart Chart
	if err := c.doJSON(req, &chart); err != nil {
		return nil, fmt.Errorf("取得譜面資訊失敗: %w", err)
	}
	return &chart, nil
}

func (c *APIClient) FetchRecord(ctx context.Context, id int32) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/record/%d", c.base, id), nil)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := c.doJSON(req, &record); err != nil {
		return nil, fmt.Errorf("取得成績失敗: %w", err)
	}
	return &record, nil
}

func (c *APIClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
