package deepl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/text/language"

	"subtitle-translate/pkg/contract"
)

const (
	freeURL = "https://api-free.deepl.com/v2/translate"
	proURL  = "https://api.deepl.com/v2/translate"
	// 配额耗尽（DeepL 私有状态码）。
	statusQuotaExceeded = 456
)

// Options: DeepL v2 翻译接口。
type Options struct {
	URL            string `json:"url"` // 为空时按 key 后缀 ":fx" 选择 free/pro 地址
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	Formality      string `json:"formality"` // default|more|less|prefer_more|prefer_less
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Client struct {
	url       string
	apiKey    string
	formality string
	do        func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.Translator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("deepl options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "DEEPL_API_KEY"
	}
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("deepl: %w: missing api key", contract.ErrInvalidInput)
	}
	switch o.Formality {
	case "", "default", "more", "less", "prefer_more", "prefer_less":
	default:
		return nil, fmt.Errorf("deepl: %w: unknown formality %q", contract.ErrInvalidInput, o.Formality)
	}
	if o.URL == "" {
		o.URL = proURL
		if strings.HasSuffix(key, ":fx") {
			o.URL = freeURL
		}
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{url: o.URL, apiKey: key, formality: o.Formality, do: hc.Do}, nil
}

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("deepl upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) Translate(ctx context.Context, req contract.TranslateRequest) ([]string, error) {
	if len(req.Fragments) == 0 {
		return nil, fmt.Errorf("deepl: %w: empty fragments", contract.ErrInvalidInput)
	}
	form := url.Values{}
	for _, f := range req.Fragments {
		form.Add("text", f)
	}
	form.Set("target_lang", targetCode(req.Target))
	if src := sourceCode(req.Source); src != "" {
		form.Set("source_lang", src)
	}
	if c.formality != "" {
		form.Set("formality", c.formality)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hr.Header.Set("Authorization", "DeepL-Auth-Key "+c.apiKey)

	resp, err := c.do(hr)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", contract.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	var dr struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := json.Unmarshal(body, &dr); err != nil || dr.Translations == nil {
		return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	out := make([]string, len(dr.Translations))
	for i, t := range dr.Translations {
		out[i] = t.Text
	}
	return out, nil
}

func statusError(status int, body []byte) error {
	var eb struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		msg = eb.Message
	}
	ue := upstreamError{status: status, msg: msg}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", contract.ErrRateLimited, ue)
	case status == statusQuotaExceeded:
		return fmt.Errorf("%w: %w", contract.ErrBudgetExceeded, ue)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "not supported"):
		return fmt.Errorf("%w: %w", contract.ErrUnsupportedLanguage, ue)
	}
	return ue
}

// targetCode: DeepL 目标语言大写并保留区域（EN-GB、PT-BR）；en/pt 缺省区域时补全。
func targetCode(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToUpper(code)
	}
	base, _ := tag.Base()
	region, conf := tag.Region()
	b := strings.ToUpper(base.String())
	if conf == language.Exact {
		return b + "-" + region.String()
	}
	switch b {
	case "EN":
		return "EN-US"
	case "PT":
		return "PT-BR"
	}
	return b
}

// sourceCode: 源语言仅取基础语言；auto 或空为自动检测。
func sourceCode(code string) string {
	if code == "" || strings.EqualFold(code, "auto") {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToUpper(code)
	}
	base, _ := tag.Base()
	return strings.ToUpper(base.String())
}

var _ contract.Translator = (*Client)(nil)
