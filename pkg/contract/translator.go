package contract

import "context"

// TranslateRequest: 一次批量翻译请求。
type TranslateRequest struct {
	Fragments []string
	Source    string
	Target    string
}

// Translator: 外部翻译能力。
// 单次调用、同步返回；返回切片须与 Fragments 等长同序。
// 应尊重 ctx 取消/超时；失败需可经 IsTransient 区分瞬时与永久错误。
type Translator interface {
	Translate(ctx context.Context, req TranslateRequest) ([]string, error)
}

// TranslatorFunc 便于以函数实现 Translator（测试与适配）。
type TranslatorFunc func(ctx context.Context, req TranslateRequest) ([]string, error)

func (f TranslatorFunc) Translate(ctx context.Context, req TranslateRequest) ([]string, error) {
	return f(ctx, req)
}
