// Package chatprompt 为对话式模型（OpenAI 兼容、Gemini）构造批量翻译提示并解码 JSON 应答。
package chatprompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"subtitle-translate/pkg/contract"
)

// Options: 提示模板与术语表（inline 优先于 path，均为空时使用内置模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineGlossary       string `json:"inline_glossary"`
	GlossaryPath         string `json:"glossary_path"`
}

// Builder 在构造期解析模板与术语表，运行期不做 I/O。
type Builder struct {
	sysT *template.Template
	glos string
}

// Message: 一条对话消息。
type Message struct {
	Role    string
	Content string
}

// New 读取模板与术语表。
func New(o Options) (*Builder, error) {
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %v: %w", err, contract.ErrInvalidInput)
	}
	glos := o.InlineGlossary
	if glos == "" && o.GlossaryPath != "" {
		b, err := os.ReadFile(o.GlossaryPath)
		if err != nil {
			return nil, fmt.Errorf("glossary read: %w", err)
		}
		glos = string(b)
	}
	return &Builder{sysT: tpl, glos: glos}, nil
}

type sysVars struct {
	Source     string
	Target     string
	SourceName string
	TargetName string
}

// Build 构造 system + user 两条消息。
func (b *Builder) Build(req contract.TranslateRequest) ([]Message, error) {
	if len(req.Fragments) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty fragments", contract.ErrInvalidInput)
	}
	var sys bytes.Buffer
	vars := sysVars{
		Source:     req.Source,
		Target:     req.Target,
		SourceName: LangName(req.Source),
		TargetName: LangName(req.Target),
	}
	if err := b.sysT.Execute(&sys, vars); err != nil {
		return nil, fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	if b.glos != "" {
		sys.WriteString("\n\n<glossary>\n")
		sys.WriteString(b.glos)
		if !strings.HasSuffix(b.glos, "\n") {
			sys.WriteByte('\n')
		}
		sys.WriteString("</glossary>")
	}

	var uw bytes.Buffer
	uw.Grow(256 + 32*len(req.Fragments))
	uw.WriteString("<segments>\n")
	for i, f := range req.Fragments {
		uw.WriteString("<seg id=\"")
		uw.WriteString(strconv.Itoa(i))
		uw.WriteString("\">")
		uw.WriteString(f)
		uw.WriteString("</seg>\n")
	}
	uw.WriteString("</segments>\n")
	uw.WriteString("\nReturn ONLY strict JSON: {\"translations\": [string, ...]} with exactly ")
	uw.WriteString(strconv.Itoa(len(req.Fragments)))
	uw.WriteString(" items in seg id order.\n")

	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: uw.String()},
	}, nil
}

// Decode 解析 {"translations": [...]}；容忍 markdown 代码围栏。
// 条数不做校验，交由驱动层判定 FragmentCountMismatch。
func Decode(text string, src []string) ([]string, error) {
	var out struct {
		Translations []string `json:"translations"`
	}
	if err := json.Unmarshal([]byte(stripFence(text)), &out); err != nil {
		return nil, fmt.Errorf("decode translations: %w", contract.ErrResponseInvalid)
	}
	if out.Translations == nil {
		return nil, fmt.Errorf("missing translations: %w", contract.ErrResponseInvalid)
	}
	for i, t := range out.Translations {
		if i < len(src) && strings.TrimSpace(t) == "" && strings.TrimSpace(src[i]) != "" {
			return nil, fmt.Errorf("empty text for seg %d: %w", i, contract.ErrResponseInvalid)
		}
	}
	if echoed(out.Translations, src) {
		return nil, fmt.Errorf("echoed original detected: %w", contract.ErrResponseInvalid)
	}
	return out.Translations, nil
}

// echoed: 全部输出与原文一致（去首尾空白后）且至少一条含字母。
func echoed(got, src []string) bool {
	if len(got) == 0 || len(got) != len(src) {
		return false
	}
	letters := false
	for i := range got {
		if strings.TrimSpace(got[i]) != strings.TrimSpace(src[i]) {
			return false
		}
		if strings.IndexFunc(src[i], unicode.IsLetter) >= 0 {
			letters = true
		}
	}
	return letters
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// LangName 返回语言的英文名称；auto 或无法识别时原样返回。
func LangName(code string) string {
	if code == "" || strings.EqualFold(code, "auto") {
		return "the detected source language"
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if n := display.English.Tags().Name(tag); n != "" {
		return n
	}
	return code
}

// Schema: 应答 JSON Schema（Gemini response_schema 与 OpenAI json_schema 共用）。
const Schema = `{"type":"object","properties":{"translations":{"type":"array","items":{"type":"string"}}},"required":["translations"]}`

const defaultSystemTemplate = `You are a professional subtitle translator.
Translate every segment from {{.SourceName}} into {{.TargetName}} ({{.Target}}).

Rules:
- The segments are consecutive pieces of one film's dialogue. Use the surrounding segments for context.
- Translate each segment on its own. Never merge, split, drop or reorder segments.
- Keep names consistent. If a <glossary> is present, its term mappings take precedence.
- Output ONLY strict JSON, no markdown, no commentary.

<example>
user: <segments>
<seg id="0">- Hi, everyone!</seg>
<seg id="1">Please be seated.</seg>
</segments>

assistant: {"translations": ["- 大家好！", "请坐。"]}
</example>
`
