package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"subtitle-translate/pkg/contract"
)

// Options: 故障注入后端。
type Options struct {
	Prefix string `json:"prefix"` // 默认 "FLAKY"
	// FailTimes: 同一请求（按片段内容区分）前 N 次调用失败（默认 2）。
	// 失败依次为 ErrRateLimited、ErrResponseInvalid 交替出现。
	FailTimes *int `json:"fail_times,omitempty"`
	// FailAlways: 每次调用都失败；Permanent 为 true 时为不可重试错误。
	FailAlways bool `json:"fail_always,omitempty"`
	Permanent  bool `json:"permanent,omitempty"`
	// DropFragment: 成功时丢弃最后一个片段（用于条数校验）；
	// DropMatch 非空时仅对含该子串的请求生效。
	DropFragment bool   `json:"drop_fragment,omitempty"`
	DropMatch    string `json:"drop_match,omitempty"`
}

// Client 按请求内容计数，并发下每个批次的失败序列确定。
type Client struct {
	prefix     string
	failTimes  int
	failAlways bool
	permanent  bool
	drop       bool
	dropMatch  string

	mu    sync.Mutex
	calls map[string]int
}

func New(raw json.RawMessage) (contract.Translator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	n := 2
	if o.FailTimes != nil {
		n = *o.FailTimes
	}
	if n < 0 {
		return nil, fmt.Errorf("flaky: %w: fail_times < 0", contract.ErrInvalidInput)
	}
	return &Client{
		prefix:     o.Prefix,
		failTimes:  n,
		failAlways: o.FailAlways,
		permanent:  o.Permanent,
		drop:       o.DropFragment,
		dropMatch:  o.DropMatch,
		calls:      make(map[string]int),
	}, nil
}

// Calls 返回某请求已被调用的次数。
func (c *Client) Calls(fragments []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[strings.Join(fragments, "\x00")]
}

func (c *Client) Translate(ctx context.Context, req contract.TranslateRequest) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.Join(req.Fragments, "\x00")
	c.mu.Lock()
	c.calls[key]++
	n := c.calls[key]
	c.mu.Unlock()

	if c.failAlways || n <= c.failTimes {
		switch {
		case c.permanent:
			return nil, fmt.Errorf("flaky: call %d: %w", n, contract.ErrInvalidInput)
		case n%2 == 1:
			return nil, fmt.Errorf("flaky: call %d: %w", n, contract.ErrRateLimited)
		default:
			return nil, fmt.Errorf("flaky: call %d: %w", n, contract.ErrResponseInvalid)
		}
	}
	out := make([]string, 0, len(req.Fragments))
	for _, f := range req.Fragments {
		out = append(out, c.prefix+": "+f)
	}
	if c.drop && len(out) > 0 && (c.dropMatch == "" || strings.Contains(key, c.dropMatch)) {
		out = out[:len(out)-1]
	}
	return out, nil
}

var _ contract.Translator = (*Client)(nil)
