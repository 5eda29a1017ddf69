package contract

import "time"

// Format: 字幕格式（闭集）。
// ASS/SSA/MicroDVD 为行式格式：Header/Preamble/Epilogue 的元素为原样行而非块。
type Format string

const (
	FormatSRT      Format = "srt"
	FormatVTT      Format = "vtt"
	FormatASS      Format = "ass"
	FormatSSA      Format = "ssa"
	FormatMicroDVD Format = "microdvd"
)

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Span: 行内一段连续文本及其前置标记。
// 约束：
// - Tag 为紧邻 Text 之前的原样标记（<i>、</font>、{\an8} 等），不翻译、不改写；
// - Styled 表示该段处于已打开的样式标签内部；
// - Tag+Text 原样拼接即可复原输入。
type Span struct {
	Tag    string
	Text   string
	Styled bool
}

// Line: 一行字幕文本；Tail 为最后一段文本之后的标记。
type Line struct {
	Spans []Span
	Tail  string
}

// Cue: 单条字幕。
// 约束：0 <= Start < End；Index 自 1 连续；Label/Settings/Preamble 原样回写。
type Cue struct {
	Index int
	// Label: SRT 序号行或 VTT cue 标识（可为空）；ASS 为 "Dialogue:" 及 Start 之前的字段。
	Label string
	Start time.Duration
	End   time.Duration
	// Settings: 结束时间戳之后的原样文本（VTT cue settings、SRT 坐标；ASS 为 End 与 Text 之间的字段）。
	Settings string
	// Preamble: 位于本 cue 之前、上一 cue 之后的原样块（如 VTT NOTE）。
	Preamble []string
	Lines    []Line
}

// Document: 一份完整字幕文档。
// 同一时刻只有一个所有者；翻译流程只读输入，输出为新副本。
type Document struct {
	Format Format
	// Header: 首个 cue 之前的原样块（VTT 的 WEBVTT/STYLE/REGION/NOTE；ASS 的 [Script Info]、样式与 Format 行）。
	Header []string
	Cues   []Cue
	// Epilogue: 最后一个 cue 之后的原样块。
	Epilogue []string
	// EOL: 换行风格（"\n" 或 "\r\n"）。
	EOL string
	BOM bool
	// ShortHours: VTT 时间戳省略小时位（mm:ss.ttt）。
	ShortHours bool
	// FrameRate: MicroDVD 帧率（帧/秒），用于帧号与时间互换。
	FrameRate float64
	// Trailer: 末尾多余空行数。
	Trailer    int
	NoFinalEOL bool
	// UnknownMarkup: 解析期遇到的未知行内标记数量（原样保留）。
	UnknownMarkup int
}

// Clone 深拷贝文档；Span 等值类型逐层复制。
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Header = cloneStrings(d.Header)
	out.Epilogue = cloneStrings(d.Epilogue)
	if d.Cues != nil {
		out.Cues = make([]Cue, len(d.Cues))
		for i, c := range d.Cues {
			nc := c
			nc.Preamble = cloneStrings(c.Preamble)
			if c.Lines != nil {
				nc.Lines = make([]Line, len(c.Lines))
				for j, l := range c.Lines {
					nl := l
					if l.Spans != nil {
						nl.Spans = make([]Span, len(l.Spans))
						copy(nl.Spans, l.Spans)
					}
					nc.Lines[j] = nl
				}
			}
			out.Cues[i] = nc
		}
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Coord: 文档内一个 Span 的坐标（均为 0 起）。
type Coord struct {
	Cue  int
	Line int
	Span int
}

// Batch: 一次翻译请求的片段集合；不持有文档引用。
type Batch struct {
	Index     int
	Fragments []string
}

// Ref: 片段到文档坐标的映射记录。
// - Batch/Slot 定位片段；
// - From/To 为该 Span 文本在片段内的字素区间 [From,To)；
// - Parts>1 表示超长 Span 被拆分，Part 为序号，Sep 为与前一部分之间的原文空白；
// - Lead/Trail 为 Span 文本两端被剥离的空白。
type Ref struct {
	Batch int
	Slot  int
	Coord Coord
	From  int
	To    int
	Part  int
	Parts int
	Sep   string
	Lead  string
	Trail string
}

// Mapping: 有序映射表（文档顺序）；Fragments 为片段总数。
type Mapping struct {
	Refs      []Ref
	Fragments int
}

// LangPair: 源/目标语言（BCP 47；源语言可为 "auto"）。
type LangPair struct {
	Source string
	Target string
}

// Result: 单批翻译结果。
// Err 非空表示该批已降级（文本保持原文）；Texts 与 Batch.Fragments 等长同序。
type Result struct {
	Batch    int
	Texts    []string
	Err      error
	Attempts int
}
