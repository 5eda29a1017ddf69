package codec

import (
	"fmt"
	"strings"

	"subtitle-translate/pkg/contract"
)

// parseSRT: 块 = [序号行] 时间轴行 文本行*。
func parseSRT(doc *contract.Document, blocks []block) error {
	prev := -1
	for _, b := range blocks {
		i := 0
		label := ""
		if !isTiming(b.lines[0]) {
			label = b.lines[0]
			if !isDigits(strings.TrimSpace(label)) {
				return &contract.ParseError{Kind: contract.InvalidSequence, Line: b.start, Msg: fmt.Sprintf("invalid sequence line %q", label)}
			}
			if len(b.lines) < 2 {
				return &contract.ParseError{Kind: contract.UnterminatedBlock, Line: b.start, Msg: "cue ends before its timing line"}
			}
			i = 1
		}
		tm, err := parseTiming(b.lines[i], b.start+i)
		if err != nil {
			return err
		}
		if err := checkOrder(doc, tm, &prev, b.start+i); err != nil {
			return err
		}
		doc.Cues = append(doc.Cues, buildCue(doc, len(doc.Cues)+1, label, tm, b.lines[i+1:]))
	}
	return nil
}

func checkOrder(doc *contract.Document, tm timing, prev *int, lineNo int) error {
	if *prev >= 0 && tm.start < doc.Cues[*prev].Start {
		return &contract.ParseError{Kind: contract.OutOfOrderCue, Line: lineNo, Msg: fmt.Sprintf("cue starts before previous cue %d", doc.Cues[*prev].Index)}
	}
	*prev = len(doc.Cues)
	return nil
}

func buildCue(doc *contract.Document, index int, label string, tm timing, text []string) contract.Cue {
	c := contract.Cue{Index: index, Label: label, Start: tm.start, End: tm.end, Settings: tm.settings}
	tz := &tokenizer{mdvd: doc.Format == contract.FormatMicroDVD}
	for _, l := range text {
		c.Lines = append(c.Lines, tz.line(l))
	}
	doc.UnknownMarkup += tz.unknown
	return c
}
