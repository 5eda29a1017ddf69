package reassemble

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rivo/uniseg"
	"github.com/samber/lo"

	"subtitle-translate/pkg/contract"
)

// Report: 回写摘要（降级模式下列出回退原文的 cue）。
type Report struct {
	Cues          int   `json:"cues"`
	Fragments     int   `json:"fragments"`
	Translated    int   `json:"translated_fragments"`
	Fallback      int   `json:"fallback_fragments"`
	FallbackCues  []int `json:"fallback_cues"`
	FailedBatches []int `json:"failed_batches"`
	UnknownMarkup int   `json:"unknown_markup"`
}

// Reassemble 将翻译结果按映射写回文档副本。
// 时间戳、序号、标签与标记不变；失败批覆盖的 Span 保留原文；
// 映射与结果不对齐时返回 ErrInvariantViolation。
func Reassemble(doc *contract.Document, m contract.Mapping, results []contract.Result) (*contract.Document, Report, error) {
	if doc == nil {
		return nil, Report{}, fmt.Errorf("reassemble: nil document: %w", contract.ErrInvalidInput)
	}
	if err := check(doc, m, results); err != nil {
		return nil, Report{}, err
	}
	out := doc.Clone()
	rep := Report{Cues: len(out.Cues), Fragments: m.Fragments, UnknownMarkup: doc.UnknownMarkup}
	var fallbackCues []int

	refs := m.Refs
	for i := 0; i < len(refs); {
		r := refs[i]
		if r.Parts > 1 {
			j := i + r.Parts
			if j > len(refs) {
				return nil, Report{}, violation("split span %v has %d of %d parts", r.Coord, len(refs)-i, r.Parts)
			}
			parts := refs[i:j]
			for k, p := range parts {
				if p.Coord != r.Coord || p.Part != k || p.Parts != r.Parts {
					return nil, Report{}, violation("split span %v: part %d out of place", r.Coord, k)
				}
			}
			if lo.SomeBy(parts, func(p contract.Ref) bool { return results[p.Batch].Err != nil }) {
				rep.Fallback += len(parts)
				fallbackCues = append(fallbackCues, out.Cues[r.Coord.Cue].Index)
			} else {
				rep.Translated += len(parts)
				setSpan(out, r, rejoin(parts, results))
			}
			i = j
			continue
		}

		j := i + 1
		for j < len(refs) && refs[j].Parts <= 1 && refs[j].Batch == r.Batch && refs[j].Slot == r.Slot {
			j++
		}
		group := refs[i:j]
		res := results[r.Batch]
		if res.Err != nil {
			rep.Fallback++
			for _, g := range group {
				fallbackCues = append(fallbackCues, out.Cues[g.Coord.Cue].Index)
			}
		} else {
			rep.Translated++
			weights := lo.Map(group, func(g contract.Ref, _ int) int { return g.To - g.From })
			for k, piece := range distribute(oneLine(res.Texts[r.Slot]), weights) {
				setSpan(out, group[k], piece)
			}
		}
		i = j
	}

	rep.FallbackCues = lo.Uniq(fallbackCues)
	slices.Sort(rep.FallbackCues)
	for _, res := range results {
		if res.Err != nil {
			rep.FailedBatches = append(rep.FailedBatches, res.Batch)
		}
	}
	return out, rep, nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("reassemble: %s: %w", fmt.Sprintf(format, args...), contract.ErrInvariantViolation)
}

// check 校验映射坐标在文档内、结果与批次对齐。
func check(doc *contract.Document, m contract.Mapping, results []contract.Result) error {
	for i, res := range results {
		if res.Batch != i {
			return violation("result %d carries batch %d", i, res.Batch)
		}
	}
	slots := make(map[[2]int]bool)
	for _, r := range m.Refs {
		c := r.Coord
		if c.Cue < 0 || c.Cue >= len(doc.Cues) || c.Line < 0 || c.Line >= len(doc.Cues[c.Cue].Lines) ||
			c.Span < 0 || c.Span >= len(doc.Cues[c.Cue].Lines[c.Line].Spans) {
			return violation("coordinate %v outside document", c)
		}
		if r.Batch < 0 || r.Batch >= len(results) {
			return violation("ref %v points to missing batch %d", c, r.Batch)
		}
		res := results[r.Batch]
		if res.Err == nil && (r.Slot < 0 || r.Slot >= len(res.Texts)) {
			return violation("ref %v points to missing slot %d of batch %d", c, r.Slot, r.Batch)
		}
		slots[[2]int{r.Batch, r.Slot}] = true
	}
	if len(slots) != m.Fragments {
		return violation("mapping covers %d fragments, want %d", len(slots), m.Fragments)
	}
	return nil
}

func setSpan(doc *contract.Document, r contract.Ref, text string) {
	sp := &doc.Cues[r.Coord.Cue].Lines[r.Coord.Line].Spans[r.Coord.Span]
	sp.Text = r.Lead + text + r.Trail
}

// rejoin 以原文分隔符拼接拆分段译文，跳过空段以免产生重复空白。
func rejoin(parts []contract.Ref, results []contract.Result) string {
	var b strings.Builder
	for _, p := range parts {
		t := oneLine(results[p.Batch].Texts[p.Slot])
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(p.Sep)
		}
		b.WriteString(t)
	}
	return b.String()
}

// oneLine 将译文中的换行连同两侧空白折叠为单个空格，行内空白不变。
// 行结构由文档决定，译文不得引入换行。
func oneLine(s string) string {
	if !strings.ContainsFunc(s, isBreak) {
		return strings.TrimSpace(s)
	}
	var parts []string
	for _, l := range strings.FieldsFunc(s, isBreak) {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " ")
}

func isBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}

// distribute 按权重（原文字素长度）将译文分配到各 Span。
// 切点优先落在空白或 CJK 标点之后；字素数不少于 Span 数时每段非空。
func distribute(text string, weights []int) []string {
	n := len(weights)
	if n == 1 {
		return []string{text}
	}
	gs := graphemes(text)
	g := len(gs)
	total := lo.Sum(weights)
	if total <= 0 {
		weights = lo.Map(weights, func(int, int) int { return 1 })
		total = n
	}
	out := make([]string, n)
	prev, acc := 0, 0
	for k := 0; k < n-1; k++ {
		acc += weights[k]
		ideal := (g*acc + total/2) / total
		lower, upper := prev+1, g-(n-1-k)
		var cut int
		if lower > upper {
			cut = min(max(ideal, prev), g)
		} else {
			cut = snap(gs, min(max(ideal, lower), upper), lower, upper)
		}
		out[k] = strings.TrimSpace(strings.Join(gs[prev:cut], ""))
		prev = cut
	}
	out[n-1] = strings.TrimSpace(strings.Join(gs[prev:], ""))
	return out
}

// snap 在 [from,to] 内寻找离 ideal 最近的自然边界；没有则返回 ideal。
func snap(gs []string, ideal, from, to int) int {
	good := func(p int) bool {
		return isBlank(gs[p]) || isBlank(gs[p-1]) || strings.Contains(cjkBreaks, gs[p-1])
	}
	for d := 0; ideal-d >= from || ideal+d <= to; d++ {
		if p := ideal - d; p >= from && p <= to && good(p) {
			return p
		}
		if p := ideal + d; p >= from && p <= to && good(p) {
			return p
		}
	}
	return ideal
}

const cjkBreaks = "，。、！？；：…「」『』（）"

func graphemes(s string) []string {
	var out []string
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
