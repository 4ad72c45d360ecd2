package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultTimeout = 10 * time.Second
)

// HTTPConfig 描述了调用外部行情服务所需的信息。
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPFeed 通过 HTTP 调用外部行情服务获取现货价格。
type HTTPFeed struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFeed 根据配置创建行情客户端。
func NewHTTPFeed(cfg HTTPConfig) (*HTTPFeed, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供行情服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPFeed{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Fetch 查询单个交易对的现货价格。
func (f *HTTPFeed) Fetch(ctx context.Context, pair string) (Quote, error) {
	key := normalize(pair)
	endpoint := f.baseURL + "/v1/spot?pair=" + url.QueryEscape(key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("构建行情请求失败: %w", err)
	}
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return Quote{}, fmt.Errorf("请求行情服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Quote{}, fmt.Errorf("行情服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Pair      string          `json:"pair"`
		Price     decimal.Decimal `json:"price"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Quote{}, fmt.Errorf("解析行情响应失败: %w", err)
	}
	if decoded.Price.IsZero() || decoded.Price.IsNegative() {
		return Quote{}, fmt.Errorf("行情响应中的价格无效: %s", decoded.Price)
	}

	observed := time.Now()
	if decoded.Timestamp > 0 {
		observed = time.Unix(decoded.Timestamp, 0)
	}
	return Quote{Pair: key, Price: decoded.Price, ObservedAt: observed}, nil
}

var _ Feed = (*HTTPFeed)(nil)
