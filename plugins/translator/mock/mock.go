package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"subtitle-translate/pkg/contract"
)

// Options: 确定性离线后端（调试与集成测试）。
type Options struct {
	// Mode: "prefix"（默认，"<Prefix>: 原文"）| "upper" | "echo" | "dict"
	Mode   string `json:"mode"`
	Prefix string `json:"prefix"` // 默认 "MOCK"
	// Dict: dict 模式下的原文→译文表；未命中时退回 prefix 形式。
	Dict map[string]string `json:"dict,omitempty"`
	// DelayMS: 每次调用的模拟延迟。
	DelayMS int `json:"delay_ms,omitempty"`
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key,omitempty"`
}

type Client struct {
	mode   string
	prefix string
	dict   map[string]string
	delay  time.Duration
}

func New(raw json.RawMessage) (contract.Translator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	switch o.Mode {
	case "":
		o.Mode = "prefix"
	case "prefix", "upper", "echo", "dict":
	default:
		return nil, fmt.Errorf("mock: %w: unknown mode %q", contract.ErrInvalidInput, o.Mode)
	}
	return &Client{mode: o.Mode, prefix: o.Prefix, dict: o.Dict, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

func (c *Client) Translate(ctx context.Context, req contract.TranslateRequest) ([]string, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(req.Fragments))
	for i, f := range req.Fragments {
		out[i] = c.one(f)
	}
	return out, nil
}

func (c *Client) one(s string) string {
	switch c.mode {
	case "upper":
		return strings.ToUpper(s)
	case "echo":
		return s
	case "dict":
		if v, ok := c.dict[s]; ok {
			return v
		}
	}
	return c.prefix + ": " + s
}

var _ contract.Translator = (*Client)(nil)
