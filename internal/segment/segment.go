package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"subtitle-translate/pkg/contract"
)

// Limit: 单批预算。
// - MaxChars: 单批字素总数上限（同时约束单个片段），必须 > 0；
// - MaxFragments: 单批片段数上限，0 表示不限。
type Limit struct {
	MaxChars     int `json:"max_chars"`
	MaxFragments int `json:"max_fragments"`
}

// Validate 校验预算。
func (l Limit) Validate() error {
	if l.MaxChars <= 0 {
		return fmt.Errorf("segment: max chars must be > 0: %w", contract.ErrInvalidInput)
	}
	if l.MaxFragments < 0 {
		return fmt.Errorf("segment: max fragments must be >= 0: %w", contract.ErrInvalidInput)
	}
	return nil
}

// Len 返回字素簇数量。
func Len(s string) int { return uniseg.GraphemeClusterCount(s) }

// BatchChars 返回一批片段的字素总数（限流计费口径）。
func BatchChars(b contract.Batch) int {
	n := 0
	for _, f := range b.Fragments {
		n += Len(f)
	}
	return n
}

// fragment: 构建中的片段；refs 为其覆盖的映射记录下标。
type fragment struct {
	text strings.Builder
	n    int
	refs []int
}

type builder struct {
	lim   Limit
	refs  []contract.Ref
	frags []string
	owner [][]int // 片段 -> refs 下标
	cur   fragment
}

// Segment 将文档可见文本切分为批次，并返回可逆映射。
// 片段以句末标点、带标记的 Span、样式 Span 与预算为界；跨 cue 拼接以保持句子完整。
// 同一输入与预算总是得到相同的批次与映射。
func Segment(doc *contract.Document, lim Limit) ([]contract.Batch, contract.Mapping, error) {
	if doc == nil {
		return nil, contract.Mapping{}, fmt.Errorf("segment: nil document: %w", contract.ErrInvalidInput)
	}
	if err := lim.Validate(); err != nil {
		return nil, contract.Mapping{}, err
	}
	b := &builder{lim: lim}
	for ci, c := range doc.Cues {
		for li, l := range c.Lines {
			for si, sp := range l.Spans {
				b.add(contract.Coord{Cue: ci, Line: li, Span: si}, sp)
			}
		}
	}
	b.close()
	batches := b.pack()
	return batches, contract.Mapping{Refs: b.refs, Fragments: len(b.frags)}, nil
}

func (b *builder) add(at contract.Coord, sp contract.Span) {
	body := strings.TrimSpace(sp.Text)
	if body == "" {
		// 空白 Span 不送翻译，原样保留
		return
	}
	lead := sp.Text[:strings.Index(sp.Text, body)]
	trail := sp.Text[len(lead)+len(body):]

	if sp.Tag != "" || sp.Styled {
		b.close()
	}
	n := Len(body)
	if n > b.lim.MaxChars {
		b.close()
		parts, seps := splitLong(body, b.lim.MaxChars)
		for i, p := range parts {
			b.push(contract.Ref{Coord: at, Part: i, Parts: len(parts), Sep: seps[i], Lead: lead, Trail: trail}, p, Len(p))
			b.close()
		}
		return
	}
	if b.cur.n > 0 && b.cur.n+1+n > b.lim.MaxChars {
		b.close()
	}
	b.push(contract.Ref{Coord: at, Parts: 1, Lead: lead, Trail: trail}, body, n)
	if sp.Styled || endsSentence(body) {
		b.close()
	}
}

// push 将文本追加到当前片段，并记录其字素区间。
func (b *builder) push(r contract.Ref, text string, n int) {
	if b.cur.n > 0 {
		b.cur.text.WriteByte(' ')
		b.cur.n++
	}
	r.From = b.cur.n
	r.To = b.cur.n + n
	b.cur.text.WriteString(text)
	b.cur.n += n
	b.cur.refs = append(b.cur.refs, len(b.refs))
	b.refs = append(b.refs, r)
}

func (b *builder) close() {
	if len(b.cur.refs) == 0 {
		return
	}
	b.frags = append(b.frags, b.cur.text.String())
	b.owner = append(b.owner, b.cur.refs)
	b.cur = fragment{}
}

// pack 贪心装箱：按文档顺序填充，超出字素或片段数预算即开新批。
func (b *builder) pack() []contract.Batch {
	var out []contract.Batch
	chars := 0
	for fi, f := range b.frags {
		n := Len(f)
		last := len(out) - 1
		full := last < 0 ||
			chars+n > b.lim.MaxChars ||
			(b.lim.MaxFragments > 0 && len(out[last].Fragments) >= b.lim.MaxFragments)
		if full {
			out = append(out, contract.Batch{Index: len(out)})
			last++
			chars = 0
		}
		slot := len(out[last].Fragments)
		out[last].Fragments = append(out[last].Fragments, f)
		chars += n
		for _, ri := range b.owner[fi] {
			b.refs[ri].Batch = last
			b.refs[ri].Slot = slot
		}
	}
	return out
}

// splitLong 在预算内最近的空白处切分超长文本；无空白时按字素边界硬切。
// seps[i] 为第 i 段与前一段之间的原文空白（seps[0] 恒为空）。
func splitLong(s string, max int) (parts, seps []string) {
	gs := graphemes(s)
	sep := ""
	for len(gs) > max {
		cut := -1
		for i := max; i > 0; i-- {
			if isBlank(gs[i]) {
				cut = i
				break
			}
		}
		end, next := max, max
		if cut > 0 {
			end, next = cut, cut
			for end > 0 && isBlank(gs[end-1]) {
				end--
			}
			for next < len(gs) && isBlank(gs[next]) {
				next++
			}
		}
		parts = append(parts, strings.Join(gs[:end], ""))
		seps = append(seps, sep)
		sep = strings.Join(gs[end:next], "")
		gs = gs[next:]
	}
	parts = append(parts, strings.Join(gs, ""))
	seps = append(seps, sep)
	return parts, seps
}

func graphemes(s string) []string {
	out := make([]string, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

const (
	terminals = ".!?…。！？"
	closers   = "\"'”’»)]」』）"
)

// endsSentence: 末尾（忽略收尾引号/括号）为句末标点。
func endsSentence(s string) bool {
	s = strings.TrimRight(s, closers)
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError && strings.ContainsRune(terminals, r)
}
