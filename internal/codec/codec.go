package codec

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"subtitle-translate/pkg/contract"
)

// 格式闭集：srt / vtt / ass / ssa / microdvd，按内容嗅探，不依赖扩展名。
// 往返律：规范输入（规范时间戳、块间单空行）Serialize(Parse(x)) 与 x 逐字节一致；
// 非规范输入语义等价（cue、时间戳、可见文本相同）。

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DefaultFrameRate: MicroDVD 文件未声明帧率时的默认值。
const DefaultFrameRate = 23.976

// Options: 解析参数。
type Options struct {
	// FrameRate: MicroDVD 帧率；<=0 使用 DefaultFrameRate。文件首行 {1}{1}<fps> 优先。
	FrameRate float64
}

// Parse 以默认参数解析完整字幕文档；失败时不返回部分文档。
func Parse(raw []byte) (*contract.Document, error) {
	return ParseWith(raw, Options{})
}

// ParseWith 解析完整字幕文档。
func ParseWith(raw []byte, opts Options) (*contract.Document, error) {
	bom := bytes.HasPrefix(raw, utf8BOM)
	if bom {
		raw = raw[len(utf8BOM):]
	}
	if !utf8.Valid(raw) {
		return nil, &contract.ParseError{Kind: contract.InvalidEncoding, Line: invalidLine(raw), Msg: "input is not valid UTF-8"}
	}
	f, err := Sniff(raw)
	if err != nil {
		return nil, err
	}
	lines, eol, noFinal := splitLines(string(raw))
	doc := &contract.Document{
		Format:     f,
		EOL:        eol,
		BOM:        bom,
		NoFinalEOL: noFinal,
	}
	switch f {
	case contract.FormatASS, contract.FormatSSA:
		err = parseASS(doc, lines)
	case contract.FormatMicroDVD:
		err = parseMicroDVD(doc, lines, opts.FrameRate)
	default:
		var blocks []block
		blocks, doc.Trailer = groupBlocks(lines)
		if f == contract.FormatVTT {
			err = parseVTT(doc, blocks)
		} else {
			err = parseSRT(doc, blocks)
		}
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Sniff 依据内容判定格式。
// 空白输入视为零 cue 的 SRT；WEBVTT 签名判为 VTT；[Script Info] 判为 ASS（含 [V4 Styles] 时为 SSA）；
// 首行 {帧}{帧} 判为 MicroDVD；首个非空行为序号或时间轴判为 SRT。
func Sniff(raw []byte) (contract.Format, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	s := strings.TrimLeft(string(raw), " \t\r\n")
	if s == "" {
		return contract.FormatSRT, nil
	}
	if strings.HasPrefix(s, "WEBVTT") {
		rest := s[len("WEBVTT"):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\r' || rest[0] == '\n' {
			return contract.FormatVTT, nil
		}
	}
	first := s
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first = s[:i]
	}
	first = strings.TrimSpace(first)
	switch {
	case strings.EqualFold(first, "[Script Info]"):
		if strings.Contains(strings.ToLower(s), "[v4 styles]") {
			return contract.FormatSSA, nil
		}
		return contract.FormatASS, nil
	case mdvdRe.MatchString(first):
		return contract.FormatMicroDVD, nil
	case isTiming(first) || isDigits(first):
		return contract.FormatSRT, nil
	}
	return "", &contract.ParseError{Kind: contract.UnknownFormat, Line: 1, Msg: "unrecognised subtitle format"}
}

// Serialize 将文档写回其格式的字节表示。
func Serialize(doc *contract.Document) []byte {
	var lines []string
	switch doc.Format {
	case contract.FormatASS, contract.FormatSSA:
		lines = assLines(doc)
	case contract.FormatMicroDVD:
		lines = mdvdLines(doc)
	default:
		lines = blockLines(doc)
	}

	eol := doc.EOL
	if eol == "" {
		eol = "\n"
	}
	var b bytes.Buffer
	if doc.BOM {
		b.Write(utf8BOM)
	}
	for i, l := range lines {
		b.WriteString(l)
		if i < len(lines)-1 || !doc.NoFinalEOL {
			b.WriteString(eol)
		}
	}
	return b.Bytes()
}

// blockLines: SRT/VTT，块间以单个空行分隔。
func blockLines(doc *contract.Document) []string {
	var lines []string
	addBlock := func(ls []string) {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, ls...)
	}
	for _, h := range doc.Header {
		addBlock(strings.Split(h, "\n"))
	}
	for i := range doc.Cues {
		c := &doc.Cues[i]
		for _, p := range c.Preamble {
			addBlock(strings.Split(p, "\n"))
		}
		addBlock(cueLines(doc, c))
	}
	for _, e := range doc.Epilogue {
		addBlock(strings.Split(e, "\n"))
	}
	for i := 0; i < doc.Trailer; i++ {
		lines = append(lines, "")
	}
	return lines
}

func cueLines(doc *contract.Document, c *contract.Cue) []string {
	out := make([]string, 0, len(c.Lines)+2)
	if c.Label != "" {
		out = append(out, c.Label)
	}
	out = append(out, formatClock(c.Start, doc.Format, doc.ShortHours)+" --> "+formatClock(c.End, doc.Format, doc.ShortHours)+c.Settings)
	for _, l := range c.Lines {
		s := RenderLine(l)
		// 空行会截断 cue 块
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// splitLines 按 \n 切行并剥离 \r；返回换行风格与是否缺少末尾换行。
func splitLines(s string) (lines []string, eol string, noFinal bool) {
	eol = "\n"
	if i := strings.IndexByte(s, '\n'); i > 0 && s[i-1] == '\r' {
		eol = "\r\n"
	}
	if s == "" {
		return nil, eol, false
	}
	noFinal = !strings.HasSuffix(s, "\n")
	parts := strings.Split(s, "\n")
	if !noFinal {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts, eol, noFinal
}

type block struct {
	lines []string
	start int // 首行行号（1 起）
}

func (b block) text() string { return strings.Join(b.lines, "\n") }

// groupBlocks 以空白行分块；返回块与末尾空行数。
func groupBlocks(lines []string) ([]block, int) {
	var blocks []block
	var cur *block
	trailer := 0
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			if cur != nil {
				blocks = append(blocks, *cur)
				cur = nil
				trailer = 0
			}
			trailer++
			continue
		}
		if cur == nil {
			cur = &block{start: i + 1}
		}
		cur.lines = append(cur.lines, l)
	}
	if cur != nil {
		blocks = append(blocks, *cur)
		trailer = 0
	}
	return blocks, trailer
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalidLine(raw []byte) int {
	line := 1
	for len(raw) > 0 {
		r, n := utf8.DecodeRune(raw)
		if r == utf8.RuneError && n <= 1 {
			return line
		}
		if r == '\n' {
			line++
		}
		raw = raw[n:]
	}
	return line
}
