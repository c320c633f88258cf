// Package client stakepilot JSON API 与推送流的客户端（面板、脚本使用）
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/betbot/stakepilot/internal/domain"
)

// MissionReport GET /api/mission 的响应
type MissionReport struct {
	Snapshot   domain.MissionSnapshot `json:"snapshot"`
	Evaluation domain.Evaluation      `json:"evaluation"`
}

// HeavyStatus GET /api/heavy 的响应
type HeavyStatus struct {
	HeavyCount               int     `json:"heavy_count"`
	GlobalHeavyCap           int     `json:"global_heavy_cap"`
	HotOverridesActive       int     `json:"hot_overrides_active"`
	HotOverridesUsedThisShoe int     `json:"hot_overrides_used_this_shoe"`
	PortfolioDebtUnits       float64 `json:"portfolio_debt_units"`
	Cooldown                 int     `json:"cooldown"`
}

// Event 推送流中的一条消息，Data 按 Type 解码
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Advice Type 为 advice 时解码
func (e Event) Advice() (domain.Advice, error) {
	var adv domain.Advice
	if e.Type != "advice" {
		return adv, fmt.Errorf("event type %q is not advice", e.Type)
	}
	err := json.Unmarshal(e.Data, &adv)
	return adv, err
}

// APIError 服务端返回的非 2xx
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stakepilot api: %d %s", e.Status, e.Message)
}

// Client API 客户端
type Client struct {
	base     string
	user     string
	password string
	http     *resty.Client
}

// New host 形如 http://127.0.0.1:8080
func New(host, user, password string) *Client {
	host = strings.TrimSuffix(host, "/")
	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		SetBasicAuth(user, password).
		SetHeader("Accept", "application/json")
	rc.AddRetryCondition(func(resp *resty.Response, err error) bool {
		return resp != nil && resp.StatusCode() == http.StatusTooManyRequests
	})
	return &Client{base: host, user: user, password: password, http: rc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	r := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: apiErr.Error}
	}
	return nil
}

// Mission elapsed<0 或 tables<=0 时由服务端使用最近一次上报的值
func (c *Client) Mission(ctx context.Context, elapsed float64, tables int) (MissionReport, error) {
	q := url.Values{}
	if elapsed >= 0 {
		q.Set("elapsed", strconv.FormatFloat(elapsed, 'f', -1, 64))
	}
	if tables > 0 {
		q.Set("tables", strconv.Itoa(tables))
	}
	path := "/api/mission"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out MissionReport
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// MissionInfo 任务参数
func (c *Client) MissionInfo(ctx context.Context) (domain.MissionInfo, error) {
	var out domain.MissionInfo
	err := c.do(ctx, http.MethodGet, "/api/mission/info", nil, &out)
	return out, err
}

// Heavy 重仓与热区计数
func (c *Client) Heavy(ctx context.Context) (HeavyStatus, error) {
	var out HeavyStatus
	err := c.do(ctx, http.MethodGet, "/api/heavy", nil, &out)
	return out, err
}

// K 当前换算系数
func (c *Client) K(ctx context.Context) (float64, error) {
	var out struct {
		K float64 `json:"k"`
	}
	err := c.do(ctx, http.MethodGet, "/api/k", nil, &out)
	return out.K, err
}

// SetK 修改换算系数
func (c *Client) SetK(ctx context.Context, k float64) error {
	return c.do(ctx, http.MethodPut, "/api/k", map[string]float64{"k": k}, nil)
}

// Stream 订阅推送流，ctx 结束或连接断开时关闭返回的 channel
func (c *Client) Stream(ctx context.Context) (<-chan Event, error) {
	u, err := url.Parse(c.base + "/api/stream")
	if err != nil {
		return nil, errors.Wrap(err, "parse stream url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	req, _ := http.NewRequest(http.MethodGet, u.String(), nil)
	req.SetBasicAuth(c.user, c.password)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{
		"Authorization": []string{req.Header.Get("Authorization")},
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial stream")
	}

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
