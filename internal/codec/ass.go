package codec

import (
	"fmt"
	"strings"

	"subtitle-translate/pkg/contract"
)

// ASS/SSA：[Events] 节中的 Dialogue 行为 cue，其余行（节头、Style、Format、Comment、空行）原样保留。
// Dialogue 行 = Label（"Dialogue:" 与 Start 之前的字段）+ Start + "," + End + Settings（End 与 Text 之间的字段）+ Text；
// Text 为末字段（可含逗号），以 \N 分行。

const (
	assBreak           = `\N`
	assDefaultLabel    = "Dialogue: 0,"
	assDefaultSettings = ",Default,,0,0,0,,"
)

// eventFormat: [Events] Format 行给出的字段布局；Text 恒为末字段。
type eventFormat struct {
	n, start, end int
}

// ASS 与 SSA 的默认布局相同（Layer/Marked, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text）。
var defaultEventFormat = eventFormat{n: 10, start: 1, end: 2}

func parseEventFormat(v string) (eventFormat, bool) {
	names := strings.Split(v, ",")
	f := eventFormat{n: len(names), start: -1, end: -1}
	for i, nm := range names {
		switch strings.ToLower(strings.TrimSpace(nm)) {
		case "start":
			f.start = i
		case "end":
			f.end = i
		case "text":
			if i != len(names)-1 {
				return f, false
			}
		}
	}
	ok := f.start >= 0 && f.end == f.start+1 && strings.EqualFold(strings.TrimSpace(names[len(names)-1]), "text")
	return f, ok
}

func parseASS(doc *contract.Document, lines []string) error {
	section := ""
	format := defaultEventFormat
	var pending []string
	prev := -1
	for i, l := range lines {
		lineNo := i + 1
		if t := strings.TrimSpace(l); strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
			section = strings.ToLower(t)
		}
		if key, val, ok := strings.Cut(l, ":"); ok && section == "[events]" {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "format":
				f, ok := parseEventFormat(val)
				if !ok {
					return &contract.ParseError{Kind: contract.UnknownFormat, Line: lineNo, Msg: fmt.Sprintf("unsupported event format %q", strings.TrimSpace(val))}
				}
				format = f
			case "dialogue":
				label, tm, text, err := parseDialogue(l, len(key)+1, format, lineNo)
				if err != nil {
					return err
				}
				if err := checkOrder(doc, tm, &prev, lineNo); err != nil {
					return err
				}
				c := buildCue(doc, len(doc.Cues)+1, label, tm, strings.Split(text, assBreak))
				c.Preamble = pending
				pending = nil
				doc.Cues = append(doc.Cues, c)
				continue
			}
		}
		if len(doc.Cues) == 0 {
			doc.Header = append(doc.Header, l)
		} else {
			pending = append(pending, l)
		}
	}
	doc.Epilogue = pending
	return nil
}

// parseDialogue 拆分一条 Dialogue 行；body 从冒号之后开始。
func parseDialogue(line string, body int, f eventFormat, lineNo int) (string, timing, string, error) {
	fields := strings.SplitN(line[body:], ",", f.n)
	if len(fields) < f.n {
		return "", timing{}, "", &contract.ParseError{Kind: contract.UnterminatedBlock, Line: lineNo, Msg: fmt.Sprintf("dialogue has %d fields, want %d", len(fields), f.n)}
	}
	var label strings.Builder
	label.WriteString(line[:body])
	for _, x := range fields[:f.start] {
		label.WriteString(x + ",")
	}
	startRaw, endRaw := fields[f.start], fields[f.end]
	label.WriteString(startRaw[:len(startRaw)-len(strings.TrimLeft(startRaw, " "))])

	start, _, ok := parseClock(strings.TrimSpace(startRaw))
	if !ok {
		return "", timing{}, "", &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("bad start timestamp %q", strings.TrimSpace(startRaw))}
	}
	end, _, ok := parseClock(strings.TrimSpace(endRaw))
	if !ok {
		return "", timing{}, "", &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("bad end timestamp %q", strings.TrimSpace(endRaw))}
	}
	if end <= start {
		return "", timing{}, "", &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("end %s not after start %s", strings.TrimSpace(endRaw), strings.TrimSpace(startRaw))}
	}

	var settings strings.Builder
	settings.WriteString(endRaw[len(strings.TrimRight(endRaw, " ")):])
	for _, x := range fields[f.end+1 : f.n-1] {
		settings.WriteString("," + x)
	}
	settings.WriteString(",")
	return label.String(), timing{start: start, end: end, settings: settings.String()}, fields[f.n-1], nil
}

func assLines(doc *contract.Document) []string {
	out := append([]string(nil), doc.Header...)
	for i := range doc.Cues {
		c := &doc.Cues[i]
		out = append(out, c.Preamble...)
		label, settings := c.Label, c.Settings
		if label == "" {
			label = assDefaultLabel
		}
		if settings == "" {
			settings = assDefaultSettings
		}
		text := make([]string, len(c.Lines))
		for j, l := range c.Lines {
			text[j] = RenderLine(l)
		}
		out = append(out, label+formatClock(c.Start, doc.Format, false)+","+formatClock(c.End, doc.Format, false)+settings+strings.Join(text, assBreak))
	}
	return append(out, doc.Epilogue...)
}
