package gemini

import (
	"bytes"
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

	"subtitle-translate/pkg/contract"
	"subtitle-translate/plugins/translator/chatprompt"
)

// Options: Google Generative Language API (Gemini)。
type Options struct {
	BaseURL        string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// EndpointPath 支持 {model} 占位；可为完整 URL。
	EndpointPath  string            `json:"endpoint_path"`
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`

	chatprompt.Options
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url     string
	apiKey  string
	inQuery bool
	extraH  map[string]string
	extraQ  map[string]string
	prompt  *chatprompt.Builder
	do      func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.Translator, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	pb, err := chatprompt.New(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:     path,
		apiKey:  key,
		inQuery: *opts.APIKeyInQuery,
		extraH:  opts.ExtraHeaders,
		extraQ:  opts.ExtraQuery,
		prompt:  pb,
		do:      hc.Do,
	}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// encode: system 消息进入 systemInstruction，其余按 user|model 角色映射。
func encode(msgs []chatprompt.Message) ([]byte, error) {
	req := gmReq{GenerationConfig: &gmGenerationConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   json.RawMessage(chatprompt.Schema),
	}}
	for _, m := range msgs {
		if strings.EqualFold(m.Role, "system") {
			req.SystemInstruction = &gmContent{Parts: []gmPart{{Text: m.Content}}}
			continue
		}
		req.Contents = append(req.Contents, gmContent{Role: normalizeRole(m.Role), Parts: []gmPart{{Text: m.Content}}})
	}
	return json.Marshal(&req)
}

// normalizeRole: assistant→model，其余→user。
func normalizeRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

func (c *Client) Translate(ctx context.Context, tr contract.TranslateRequest) ([]string, error) {
	msgs, err := c.prompt.Build(tr)
	if err != nil {
		return nil, err
	}
	body, err := encode(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if !c.inQuery {
		hr.Header.Set("x-goog-api-key", c.apiKey)
	}
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
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 || gr.Candidates[0].Content.Parts[0].Text == "" {
		return nil, contract.ErrResponseInvalid
	}
	return chatprompt.Decode(gr.Candidates[0].Content.Parts[0].Text, tr.Fragments)
}

var _ contract.Translator = (*Client)(nil)
