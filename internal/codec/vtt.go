package codec

import (
	"strings"

	"subtitle-translate/pkg/contract"
)

// parseVTT: 首块为 WEBVTT 头；首个 cue 之前的块归入 Header，cue 之间的非 cue 块归入下一 cue 的 Preamble，
// 最后一个 cue 之后的非 cue 块归入 Epilogue。
func parseVTT(doc *contract.Document, blocks []block) error {
	if len(blocks) == 0 || !strings.HasPrefix(blocks[0].lines[0], "WEBVTT") {
		return &contract.ParseError{Kind: contract.UnknownFormat, Line: 1, Msg: "missing WEBVTT signature"}
	}
	doc.Header = append(doc.Header, blocks[0].text())
	var pending []string
	prev := -1
	for _, b := range blocks[1:] {
		if isMetaBlock(b) {
			if len(doc.Cues) == 0 {
				doc.Header = append(doc.Header, b.text())
			} else {
				pending = append(pending, b.text())
			}
			continue
		}
		i := 0
		label := ""
		if !isTiming(b.lines[0]) {
			if len(b.lines) < 2 || !isTiming(b.lines[1]) {
				return &contract.ParseError{Kind: contract.UnterminatedBlock, Line: b.start, Msg: "cue block without timing line"}
			}
			label = b.lines[0]
			i = 1
		}
		tm, err := parseTiming(b.lines[i], b.start+i)
		if err != nil {
			return err
		}
		// 仅当全部 cue 都省略小时位时写回短格式
		doc.ShortHours = tm.short && (len(doc.Cues) == 0 || doc.ShortHours)
		if err := checkOrder(doc, tm, &prev, b.start+i); err != nil {
			return err
		}
		c := buildCue(doc, len(doc.Cues)+1, label, tm, b.lines[i+1:])
		c.Preamble = pending
		pending = nil
		doc.Cues = append(doc.Cues, c)
	}
	doc.Epilogue = pending
	return nil
}

// isMetaBlock: NOTE/STYLE/REGION 块，原样保留。
func isMetaBlock(b block) bool {
	first := b.lines[0]
	for _, kw := range []string{"NOTE", "STYLE", "REGION"} {
		if first == kw || strings.HasPrefix(first, kw+" ") || strings.HasPrefix(first, kw+"\t") {
			return true
		}
	}
	return false
}
