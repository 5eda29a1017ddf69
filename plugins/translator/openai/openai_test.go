package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subtitle-translate/pkg/contract"
)

func newServer(t *testing.T, status int, content string, seen *oaReq) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("鉴权头错误: %q", got)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.WriteHeader(status)
		if status/100 == 2 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]string{"content": content}}},
			})
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func client(t *testing.T, url string, extra string) contract.Translator {
	t.Helper()
	c, err := New(json.RawMessage(`{"base_url":"` + url + `/v1","api_key":"k"` + extra + `}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestTranslateOK(t *testing.T) {
	var seen oaReq
	srv := newServer(t, 200, `{"translations":["Bonjour.","Salut."]}`, &seen)
	c := client(t, srv.URL, `,"model":"m1"`)
	out, err := c.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"Hello.", "Bye."}, Source: "en", Target: "fr"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 2 || out[0] != "Bonjour." {
		t.Fatalf("译文错误: %v", out)
	}
	if seen.Model != "m1" || len(seen.Messages) != 2 || seen.ResponseFormat == nil || seen.ResponseFormat.Type != "json_object" {
		t.Fatalf("请求体错误: %+v", seen)
	}
	if !strings.Contains(seen.Messages[1].Content, "Hello.") {
		t.Fatalf("user 消息缺少片段: %q", seen.Messages[1].Content)
	}
}

func TestTranslateStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		limited   bool
	}{
		{429, true, true},
		{503, true, false},
		{408, true, false},
		{400, false, false},
		{401, false, false},
	}
	for _, cs := range cases {
		srv := newServer(t, cs.status, "boom", nil)
		c := client(t, srv.URL, "")
		_, err := c.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"a"}, Target: "fr"})
		if err == nil {
			t.Fatalf("%d: 预期错误", cs.status)
		}
		if contract.IsTransient(err) != cs.transient {
			t.Fatalf("%d: transient=%v, 预期 %v (%v)", cs.status, contract.IsTransient(err), cs.transient, err)
		}
		if errors.Is(err, contract.ErrRateLimited) != cs.limited {
			t.Fatalf("%d: 限流判定错误: %v", cs.status, err)
		}
		var ue contract.UpstreamError
		if !errors.As(err, &ue) || ue.UpstreamStatus() != cs.status || ue.UpstreamMessage() != "boom" {
			t.Fatalf("%d: 缺少上游诊断: %v", cs.status, err)
		}
	}
}

func TestTranslateInvalidPayload(t *testing.T) {
	srv := newServer(t, 200, "sorry, I cannot", nil)
	c := client(t, srv.URL, "")
	_, err := c.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"a"}, Target: "fr"})
	if !errors.Is(err, contract.ErrResponseInvalid) || !contract.IsTransient(err) {
		t.Fatalf("非 JSON 应答应为瞬时 ErrResponseInvalid: %v", err)
	}
}

func TestNewOptions(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New(nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少 key 应为 ErrInvalidInput: %v", err)
	}
	if _, err := New(json.RawMessage(`{"api_key":"k","json_mode":"xml"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知 json_mode 应报错: %v", err)
	}
	c, err := New(json.RawMessage(`{"api_key":"k","endpoint_path":"http://h/x","json_mode":"schema"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cl := c.(*Client)
	if cl.url != "http://h/x" || cl.rf.Type != "json_schema" || cl.rf.JSONSchema == nil {
		t.Fatalf("选项未生效: %+v", cl)
	}
	c, err = New(json.RawMessage(`{"disable_default_auth":true,"base_url":"http://h/v1/"}`))
	if err != nil {
		t.Fatalf("关闭默认鉴权时可不提供 key: %v", err)
	}
	if c.(*Client).url != "http://h/v1/chat/completions" {
		t.Fatalf("URL 拼接错误: %s", c.(*Client).url)
	}
}
