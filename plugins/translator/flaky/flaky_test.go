package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"subtitle-translate/pkg/contract"
)

// UT-FLK-01 默认前两次失败（限流、响应无效），第三次成功
func TestFailThenSucceed(t *testing.T) {
	tr, _ := New(nil)
	req := contract.TranslateRequest{Fragments: []string{"a"}}
	if _, err := tr.Translate(context.Background(), req); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("第 1 次应限流: %v", err)
	}
	if _, err := tr.Translate(context.Background(), req); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("第 2 次应响应无效: %v", err)
	}
	out, err := tr.Translate(context.Background(), req)
	if err != nil || len(out) != 1 || out[0] != "FLAKY: a" {
		t.Fatalf("第 3 次应成功: %v %v", out, err)
	}
	// 不同请求独立计数
	if _, err := tr.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"b"}}); err == nil {
		t.Fatalf("新请求应从头计数")
	}
	if tr.(*Client).Calls([]string{"a"}) != 3 {
		t.Fatalf("计数错误")
	}
}

// UT-FLK-02 丢片段与永久失败
func TestDropAndPermanent(t *testing.T) {
	tr, _ := New(json.RawMessage(`{"fail_times":0,"drop_fragment":true,"drop_match":"two"}`))
	out, _ := tr.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"one", "two", "three"}})
	if len(out) != 2 {
		t.Fatalf("应丢弃一个片段: %v", out)
	}
	out, _ = tr.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"x", "y"}})
	if len(out) != 2 {
		t.Fatalf("未匹配请求不应丢弃: %v", out)
	}
	tr, _ = New(json.RawMessage(`{"fail_always":true,"permanent":true}`))
	for i := 0; i < 3; i++ {
		_, err := tr.Translate(context.Background(), contract.TranslateRequest{Fragments: []string{"x"}})
		if !errors.Is(err, contract.ErrInvalidInput) || contract.IsTransient(err) {
			t.Fatalf("应为永久失败: %v", err)
		}
	}
	if _, err := New(json.RawMessage(`{"fail_times":-1}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("负数 fail_times 应报错")
	}
}
