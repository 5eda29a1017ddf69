package codec

import (
	"regexp"
	"strings"

	"subtitle-translate/pkg/contract"
)

// 行内标记：HTML 风格标签 <i> </b> <font color=..> <c.yellow> <v Bob>、VTT 行内时间戳 <00:01.000>、
// ASS 覆盖块 {\an8}、MicroDVD 控制码 {y:i}（仅 MicroDVD 文档）。标记原样保存在 Span.Tag / Line.Tail，不参与翻译。
var (
	tagRe   = regexp.MustCompile(`^<(/?)([A-Za-z][A-Za-z0-9]*)(?:[.\s][^<>]*)?>`)
	stampRe = regexp.MustCompile(`^<(?:\d+:)?\d{2}:\d{2}\.\d{3}>`)
)

// 会改变样式状态的已知标签。
var styleTags = map[string]bool{
	"i": true, "b": true, "u": true, "s": true,
	"font": true, "c": true, "v": true, "lang": true,
	"ruby": true, "rt": true, "span": true,
}

// tokenizer 在同一 cue 的多行之间保持样式状态。
type tokenizer struct {
	depth   int
	ass     bool
	unknown int
	// mdvd: 识别 MicroDVD 控制码；{y:..} 作用于本行，{Y:..} 作用于整个 cue。
	mdvd      bool
	lineStyle bool
	cueStyle  bool
}

func (tz *tokenizer) styled() bool {
	return tz.depth > 0 || tz.ass || tz.lineStyle || tz.cueStyle
}

// line 将一行文本切分为 Span 序列。
func (tz *tokenizer) line(s string) contract.Line {
	var out contract.Line
	var tag strings.Builder
	textStart := 0
	tz.lineStyle = false
	flush := func(end int) {
		if end > textStart {
			out.Spans = append(out.Spans, contract.Span{Tag: tag.String(), Text: s[textStart:end], Styled: tz.styled()})
			tag.Reset()
		}
	}
	i := 0
	for i < len(s) {
		n := tz.markup(s[i:])
		if n == 0 {
			i++
			continue
		}
		flush(i)
		tag.WriteString(s[i : i+n])
		i += n
		textStart = i
	}
	flush(len(s))
	out.Tail = tag.String()
	return out
}

// markup 返回 s 开头标记的字节长度（0 表示非标记），并更新样式状态。
func (tz *tokenizer) markup(s string) int {
	switch s[0] {
	case '<':
		if m := stampRe.FindString(s); m != "" {
			return len(m)
		}
		m := tagRe.FindStringSubmatch(s)
		if m == nil {
			return 0
		}
		name := strings.ToLower(m[2])
		if !styleTags[name] {
			tz.unknown++
			return len(m[0])
		}
		if m[1] == "/" {
			if tz.depth > 0 {
				tz.depth--
			}
		} else {
			tz.depth++
		}
		return len(m[0])
	case '{':
		if tz.mdvd {
			if m := mdvdCtlRe.FindString(s); m != "" {
				switch m[1] {
				case 'y':
					tz.lineStyle = true
				case 'Y':
					tz.cueStyle = true
				}
				return len(m)
			}
		}
		if len(s) > 1 && s[1] == '\\' {
			if j := strings.IndexByte(s, '}'); j > 0 {
				tz.ass = s[:j+1] != `{\r}`
				return j + 1
			}
		}
	}
	return 0
}

// ParseLine 解析单行（独立样式状态）。
func ParseLine(s string) contract.Line {
	tz := &tokenizer{}
	return tz.line(s)
}

// RenderLine 原样拼接 Tag+Text 与 Tail。
func RenderLine(l contract.Line) string {
	var b strings.Builder
	for _, sp := range l.Spans {
		b.WriteString(sp.Tag)
		b.WriteString(sp.Text)
	}
	b.WriteString(l.Tail)
	return b.String()
}

// StripMarkup 返回可见文本。
func StripMarkup(l contract.Line) string {
	var b strings.Builder
	for _, sp := range l.Spans {
		b.WriteString(sp.Text)
	}
	return b.String()
}

// CueText 返回 cue 的可见文本（行间以 \n 连接）。
func CueText(c contract.Cue) string {
	parts := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		parts[i] = StripMarkup(l)
	}
	return strings.Join(parts, "\n")
}
