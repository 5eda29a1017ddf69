package chatprompt

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"subtitle-translate/pkg/contract"
)

func TestBuildMessages(t *testing.T) {
	b, err := New(Options{InlineGlossary: "Bob => 鲍勃"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, err := b.Build(contract.TranslateRequest{Fragments: []string{"Hello.", "Bye."}, Source: "en", Target: "fr"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("消息结构错误: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "English") || !strings.Contains(msgs[0].Content, "French") {
		t.Fatalf("system 未渲染语言名: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "<glossary>\nBob => 鲍勃\n</glossary>") {
		t.Fatalf("缺少术语表: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, `<seg id="1">Bye.</seg>`) || !strings.Contains(msgs[1].Content, "exactly 2 items") {
		t.Fatalf("user 内容错误: %q", msgs[1].Content)
	}
	if _, err := b.Build(contract.TranslateRequest{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空批应为 ErrInvalidInput: %v", err)
	}
}

func TestTemplateFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sys.tmpl")
	if err := os.WriteFile(p, []byte("to {{.Target}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(Options{SystemTemplatePath: p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, _ := b.Build(contract.TranslateRequest{Fragments: []string{"x"}, Target: "de"})
	if msgs[0].Content != "to de" {
		t.Fatalf("模板未生效: %q", msgs[0].Content)
	}
	if _, err := New(Options{InlineSystemTemplate: "{{"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("坏模板应为 ErrInvalidInput: %v", err)
	}
	if _, err := New(Options{GlossaryPath: filepath.Join(t.TempDir(), "none")}); err == nil {
		t.Fatalf("缺失术语表文件应报错")
	}
}

func TestDecode(t *testing.T) {
	src := []string{"Hello.", "Bye."}
	got, err := Decode("```json\n{\"translations\": [\"Bonjour.\", \"Salut.\"]}\n```", src)
	if err != nil || len(got) != 2 || got[1] != "Salut." {
		t.Fatalf("围栏解码失败: %v %v", got, err)
	}
	// 条数不符交给驱动层
	got, err = Decode(`{"translations": ["Bonjour."]}`, src)
	if err != nil || len(got) != 1 {
		t.Fatalf("少条目应原样返回: %v %v", got, err)
	}
	bad := []string{
		"not json",
		`{"other": []}`,
		`{"translations": ["", "Salut."]}`,
		`{"translations": ["Hello.", " Bye. "]}`,
	}
	for _, in := range bad {
		if _, err := Decode(in, src); !errors.Is(err, contract.ErrResponseInvalid) {
			t.Fatalf("%q 应为 ErrResponseInvalid: %v", in, err)
		}
	}
	// 纯数字回显不算回显
	if _, err := Decode(`{"translations": ["42"]}`, []string{"42"}); err != nil {
		t.Fatalf("数字不应判为回显: %v", err)
	}
}

func TestLangName(t *testing.T) {
	if LangName("fr") != "French" || LangName("de") != "German" {
		t.Fatalf("语言名错误: %s %s", LangName("fr"), LangName("de"))
	}
	if !strings.Contains(LangName("auto"), "detected") {
		t.Fatalf("auto 处理错误")
	}
	if LangName("!!") != "!!" {
		t.Fatalf("非法标签应原样返回")
	}
}
