package segment

import (
	"errors"
	"reflect"
	"testing"

	"subtitle-translate/internal/codec"
	"subtitle-translate/pkg/contract"
)

func mustParse(t *testing.T, s string) *contract.Document {
	t.Helper()
	doc, err := codec.Parse([]byte(s))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

const threeCues = "1\n00:00:01,000 --> 00:00:02,500\nHello there, how are\n\n" +
	"2\n00:00:02,600 --> 00:00:04,000\nyou today? I am fine.\n\n" +
	"3\n00:00:04,100 --> 00:00:06,000\nSee you.\n"

// UT-SEG-01: 跨 cue 的句子合并为一个片段
func TestSegmentAcrossCues(t *testing.T) {
	doc := mustParse(t, threeCues)
	batches, m, err := Segment(doc, Limit{MaxChars: 500, MaxFragments: 50})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("预算充足时应为单批, got %d", len(batches))
	}
	want := []string{"Hello there, how are you today? I am fine.", "See you."}
	if !reflect.DeepEqual(batches[0].Fragments, want) {
		t.Fatalf("片段错误: %q", batches[0].Fragments)
	}
	if m.Fragments != 2 || len(m.Refs) != 3 {
		t.Fatalf("映射规模错误: %+v", m)
	}
	r0, r1 := m.Refs[0], m.Refs[1]
	if r0.Slot != 0 || r0.From != 0 || r0.To != 20 || r1.Slot != 0 || r1.From != 21 || r1.Coord.Cue != 1 {
		t.Fatalf("区间错误: %+v %+v", r0, r1)
	}
	if m.Refs[2].Slot != 1 || m.Refs[2].Coord != (contract.Coord{Cue: 2}) {
		t.Fatalf("第三条映射错误: %+v", m.Refs[2])
	}
}

// UT-SEG-02: 样式 Span 独立成片段
func TestSegmentStyledSpanIsolated(t *testing.T) {
	doc := mustParse(t, "1\n00:00:01,000 --> 00:00:02,000\nHello, <i>big world</i> again\n")
	batches, m, err := Segment(doc, Limit{MaxChars: 100})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	want := []string{"Hello,", "big world", "again"}
	if !reflect.DeepEqual(batches[0].Fragments, want) {
		t.Fatalf("片段错误: %q", batches[0].Fragments)
	}
	if m.Refs[0].Trail != " " || m.Refs[2].Lead != " " {
		t.Fatalf("两端空白未记录: %+v", m.Refs)
	}
}

// UT-SEG-03: 超长 Span 在空白处拆分并记录分隔符
func TestSegmentSplitsLongSpan(t *testing.T) {
	doc := mustParse(t, "1\n00:00:01,000 --> 00:00:02,000\naaaa bbbb  cccc\n")
	batches, m, err := Segment(doc, Limit{MaxChars: 10})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	var frags []string
	for _, b := range batches {
		frags = append(frags, b.Fragments...)
	}
	if !reflect.DeepEqual(frags, []string{"aaaa bbbb", "cccc"}) {
		t.Fatalf("拆分错误: %q", frags)
	}
	if len(m.Refs) != 2 || m.Refs[0].Parts != 2 || m.Refs[1].Part != 1 || m.Refs[1].Sep != "  " {
		t.Fatalf("拆分标记错误: %+v", m.Refs)
	}
}

func TestSplitLongWithoutWhitespace(t *testing.T) {
	parts, seps := splitLong("abcdefghij", 4)
	if !reflect.DeepEqual(parts, []string{"abcd", "efgh", "ij"}) || !reflect.DeepEqual(seps, []string{"", "", ""}) {
		t.Fatalf("硬切错误: %q %q", parts, seps)
	}
	// 字素簇不可拆开
	parts, _ = splitLong("👍🏽👍🏽👍🏽", 2)
	if len(parts) != 2 || parts[0] != "👍🏽👍🏽" {
		t.Fatalf("字素边界错误: %q", parts)
	}
}

// UT-SEG-04: 片段数与字素预算
func TestSegmentBudget(t *testing.T) {
	doc := mustParse(t, "1\n00:00:01,000 --> 00:00:02,000\nOne. Two.\n<b>Three.</b>\n\n2\n00:00:03,000 --> 00:00:04,000\n<i>Four.</i> <i>Five.</i>\n")
	batches, m, err := Segment(doc, Limit{MaxChars: 100, MaxFragments: 2})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	total := 0
	for i, bt := range batches {
		if bt.Index != i || len(bt.Fragments) > 2 || len(bt.Fragments) == 0 {
			t.Fatalf("批次 %d 违反片段预算: %+v", i, bt)
		}
		total += len(bt.Fragments)
	}
	if total != m.Fragments || total != 4 || len(batches) != 2 {
		t.Fatalf("片段总数错误: total=%d mapping=%d batches=%d", total, m.Fragments, len(batches))
	}
	for _, r := range m.Refs {
		if r.Batch >= len(batches) || r.Slot >= len(batches[r.Batch].Fragments) {
			t.Fatalf("映射越界: %+v", r)
		}
	}

	batches, _, err = Segment(doc, Limit{MaxChars: 12})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	for _, bt := range batches {
		if BatchChars(bt) > 12 {
			t.Fatalf("批次超出字素预算: %q", bt.Fragments)
		}
	}
}

// UT-SEG-05: 确定性
func TestSegmentDeterministic(t *testing.T) {
	doc := mustParse(t, threeCues)
	b1, m1, _ := Segment(doc, Limit{MaxChars: 15, MaxFragments: 3})
	b2, m2, _ := Segment(doc, Limit{MaxChars: 15, MaxFragments: 3})
	if !reflect.DeepEqual(b1, b2) || !reflect.DeepEqual(m1, m2) {
		t.Fatalf("相同输入应得到相同批次与映射")
	}
}

func TestSegmentSkipsBlankAndValidates(t *testing.T) {
	doc := &contract.Document{Cues: []contract.Cue{{Index: 1, Lines: []contract.Line{{Spans: []contract.Span{{Text: "   "}}}}}}}
	batches, m, err := Segment(doc, Limit{MaxChars: 10})
	if err != nil || len(batches) != 0 || len(m.Refs) != 0 {
		t.Fatalf("空白 Span 不应送翻译: %v %+v", err, m)
	}
	if _, _, err := Segment(doc, Limit{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("MaxChars=0 应失败: %v", err)
	}
	if Len("é") != 1 || Len("你好") != 2 {
		t.Fatalf("字素计数错误")
	}
}

func TestEndsSentence(t *testing.T) {
	cases := map[string]bool{"Done.": true, "Why?\"": true, "好。": true, "（好！）": true, "and": false, "wait…": true, "x,": false}
	for s, want := range cases {
		if got := endsSentence(s); got != want {
			t.Fatalf("%q: got %v", s, got)
		}
	}
}
