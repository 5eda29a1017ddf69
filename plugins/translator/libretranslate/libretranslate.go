package libretranslate

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
)

// Options: LibreTranslate 实例。
type Options struct {
	URL            string `json:"url"` // 完整 /translate 地址
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// PerFragment: 每个片段单独请求（旧实例不支持 q 数组时使用）。
	PerFragment bool `json:"per_fragment"`
}

func (o *Options) defaults() {
	if o.URL == "" {
		o.URL = "http://localhost:5000/translate"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "LIBRETRANSLATE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url    string
	apiKey string
	single bool
	do     func(*http.Request) (*http.Response, error)
}

// New 构造客户端；api key 可为空（自建实例通常无需鉴权）。
func New(raw json.RawMessage) (contract.Translator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("libretranslate options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	o.defaults()
	if !strings.HasPrefix(o.URL, "http://") && !strings.HasPrefix(o.URL, "https://") {
		return nil, fmt.Errorf("libretranslate: %w: bad url %q", contract.ErrInvalidInput, o.URL)
	}
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{url: o.URL, apiKey: key, single: o.PerFragment, do: hc.Do}, nil
}

type query struct {
	Q            any    `json:"q"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Format       string `json:"format"`
	Alternatives int    `json:"alternatives"`
	APIKey       string `json:"api_key,omitempty"`
}

type answer struct {
	TranslatedText json.RawMessage `json:"translatedText"`
	Error          string          `json:"error"`
}

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("libretranslate upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) Translate(ctx context.Context, req contract.TranslateRequest) ([]string, error) {
	if len(req.Fragments) == 0 {
		return nil, fmt.Errorf("libretranslate: %w: empty fragments", contract.ErrInvalidInput)
	}
	src := strings.ToLower(req.Source)
	if src == "" {
		src = "auto"
	}
	tgt := strings.ToLower(req.Target)
	if !c.single {
		return c.post(ctx, query{Q: req.Fragments, Source: src, Target: tgt})
	}
	out := make([]string, 0, len(req.Fragments))
	for _, f := range req.Fragments {
		got, err := c.post(ctx, query{Q: f, Source: src, Target: tgt})
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, q query) ([]string, error) {
	q.Format = "text"
	q.APIKey = c.apiKey
	body, err := json.Marshal(&q)
	if err != nil {
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	resp, err := c.do(hr)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	slurp, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", contract.ErrTransient, err)
	}
	var a answer
	jsonErr := json.Unmarshal(slurp, &a)
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(a.Error)
		if jsonErr != nil || msg == "" {
			msg = strings.TrimSpace(string(slurp))
		}
		return nil, statusError(resp.StatusCode, msg)
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if a.Error != "" {
		return nil, fmt.Errorf("libretranslate: %s: %w", a.Error, contract.ErrResponseInvalid)
	}
	return decodeText(a.TranslatedText)
}

// statusError: 400 中的语言不支持单独归类；429 限流；其余交由状态码判定。
func statusError(status int, msg string) error {
	ue := upstreamError{status: status, msg: msg}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", contract.ErrRateLimited, ue)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "not supported"):
		return fmt.Errorf("%w: %w", contract.ErrUnsupportedLanguage, ue)
	}
	return ue
}

// decodeText: translatedText 为字符串（单条）或字符串数组（批量）。
// 条数不符交给驱动层判定。
func decodeText(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing translatedText: %w", contract.ErrResponseInvalid)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
		}
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	return arr, nil
}

var _ contract.Translator = (*Client)(nil)
