package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"subtitle-translate/pkg/contract"
	"subtitle-translate/plugins/translator/chatprompt"
)

// Options: OpenAI 兼容 chat completions 后端。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（仅测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`
	// JSONMode: "object"（默认）| "schema" | "none"
	JSONMode string `json:"json_mode,omitempty"`

	chatprompt.Options
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.JSONMode == "" {
		o.JSONMode = "object"
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	rf          *oaResponseFormat
	prompt      *chatprompt.Builder
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.Translator, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	var rf *oaResponseFormat
	switch opts.JSONMode {
	case "object":
		rf = &oaResponseFormat{Type: "json_object"}
	case "schema":
		rf = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "translations", Schema: json.RawMessage(chatprompt.Schema), Strict: true}}
	case "none":
	default:
		return nil, fmt.Errorf("openai: %w: unknown json_mode %q", contract.ErrInvalidInput, opts.JSONMode)
	}
	pb, err := chatprompt.New(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	fullURL := opts.EndpointPath
	if !strings.HasPrefix(fullURL, "http://") && !strings.HasPrefix(fullURL, "https://") {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		rf:          rf,
		prompt:      pb,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// upstreamError: 非 2xx 上游响应。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Translate 单次调用，同步返回。
func (c *Client) Translate(ctx context.Context, tr contract.TranslateRequest) ([]string, error) {
	msgs, err := c.prompt.Build(tr)
	if err != nil {
		return nil, err
	}
	req := oaReq{Model: c.model, Temperature: c.temp, ResponseFormat: c.rf}
	for _, m := range msgs {
		req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		hr.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			hr.Header.Set(k, v)
		}
	}

	resp, err := c.do(hr)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		ue := upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", contract.ErrRateLimited, ue)
		}
		return nil, ue
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return nil, contract.ErrResponseInvalid
	}
	return chatprompt.Decode(or.Choices[0].Message.Content, tr.Fragments)
}

var _ contract.Translator = (*Client)(nil)
