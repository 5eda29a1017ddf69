package codec

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"subtitle-translate/pkg/contract"
)

// MicroDVD：每行 {起始帧}{结束帧}文本，行内以 | 分行；{y:i} 等控制码为不翻译的标记。
// 首个 cue 位置的 {1}{1}<fps>（或 {0}{0}<fps>）声明帧率，原样保留在 Header。

var (
	mdvdRe    = regexp.MustCompile(`^\{(\d+)\}\{(\d+)\}(.*)$`)
	mdvdCtlRe = regexp.MustCompile(`^\{[A-Za-z]:[^{}]*\}`)
)

const mdvdBreak = "|"

func parseMicroDVD(doc *contract.Document, lines []string, fps float64) error {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	doc.FrameRate = fps
	var pending []string
	prev := -1
	for i, l := range lines {
		lineNo := i + 1
		if strings.TrimSpace(l) == "" {
			if len(doc.Cues) == 0 {
				doc.Header = append(doc.Header, l)
			} else {
				pending = append(pending, l)
			}
			continue
		}
		m := mdvdRe.FindStringSubmatch(l)
		if m == nil {
			return &contract.ParseError{Kind: contract.InvalidSequence, Line: lineNo, Msg: fmt.Sprintf("not a MicroDVD line %q", l)}
		}
		sf, err1 := strconv.ParseInt(m[1], 10, 64)
		ef, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			return &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("frame number out of range in %q", l)}
		}
		if len(doc.Cues) == 0 && sf == ef && sf <= 1 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(m[3]), 64); err == nil && v > 0 && v <= 1000 {
				doc.FrameRate = v
				doc.Header = append(doc.Header, l)
				continue
			}
		}
		tm := timing{start: frameTime(sf, doc.FrameRate), end: frameTime(ef, doc.FrameRate)}
		if tm.end <= tm.start {
			return &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("end frame %d not after start frame %d", ef, sf)}
		}
		if err := checkOrder(doc, tm, &prev, lineNo); err != nil {
			return err
		}
		c := buildCue(doc, len(doc.Cues)+1, "", tm, strings.Split(m[3], mdvdBreak))
		c.Preamble = pending
		pending = nil
		doc.Cues = append(doc.Cues, c)
	}
	doc.Epilogue = pending
	return nil
}

// frameTime 帧号 → 毫秒精度时间；fps < 1000 时与 timeFrame 互逆。
func frameTime(frame int64, fps float64) time.Duration {
	return time.Duration(math.Round(float64(frame)*1000/fps)) * time.Millisecond
}

func timeFrame(d time.Duration, fps float64) int64 {
	return int64(math.Round(float64(d.Milliseconds()) * fps / 1000))
}

func mdvdLines(doc *contract.Document) []string {
	fps := doc.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	out := append([]string(nil), doc.Header...)
	for i := range doc.Cues {
		c := &doc.Cues[i]
		out = append(out, c.Preamble...)
		text := make([]string, len(c.Lines))
		for j, l := range c.Lines {
			text[j] = RenderLine(l)
		}
		out = append(out, fmt.Sprintf("{%d}{%d}", timeFrame(c.Start, fps), timeFrame(c.End, fps))+strings.Join(text, mdvdBreak))
	}
	return append(out, doc.Epilogue...)
}
