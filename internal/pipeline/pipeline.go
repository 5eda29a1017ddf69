package pipeline

import (
	"context"
	"fmt"

	"subtitle-translate/internal/diag"
	"subtitle-translate/internal/driver"
	"subtitle-translate/internal/reassemble"
	"subtitle-translate/internal/segment"
	"subtitle-translate/pkg/contract"
)

// - 单点并发：仅驱动层并发调用翻译能力；切分与重组单线程。
// - 输入文档只读：输出为新副本，失败时不产出部分文档。
// - 严格模式失败返回 *contract.DriverError；降级模式返回完整文档与回退报告。

// Engine: 单文档翻译所需的能力与参数。
type Engine struct {
	Translator contract.Translator
	Limit      segment.Limit
	Driver     driver.Settings
	// OnPlan: 切分完成后回调批次数（可选）。
	OnPlan func(batches int)
}

// Translate 将文档翻译为目标语言：segment → driver → reassemble。
func Translate(ctx context.Context, doc *contract.Document, lang contract.LangPair, eng Engine) (*contract.Document, reassemble.Report, error) {
	if doc == nil {
		return nil, reassemble.Report{}, fmt.Errorf("pipeline: nil document: %w", contract.ErrInvalidInput)
	}
	if eng.Translator == nil {
		return nil, reassemble.Report{}, fmt.Errorf("pipeline: nil translator: %w", contract.ErrInvalidInput)
	}
	log := eng.Driver.Logger
	fid := eng.Driver.FileID

	st := log.StartWith("segment", "segment", fid, "")
	batches, m, err := segment.Segment(doc, eng.Limit)
	if err != nil {
		diag.Failure(log, "segment", "segment failed", err, st, fid, -1)
		return nil, reassemble.Report{}, fmt.Errorf("segment: %w", err)
	}
	st.Finish("segment", int64(m.Fragments))
	diag.IncOp("segment", "finish", "success")
	if eng.OnPlan != nil {
		eng.OnPlan(len(batches))
	}

	dt := log.StartWith("driver", "run", fid, "")
	results, err := driver.Run(ctx, batches, lang, eng.Translator, eng.Driver)
	if err != nil {
		// 批级失败已由驱动层记录
		return nil, reassemble.Report{}, err
	}
	dt.Finish("run", int64(len(batches)))

	rt := log.StartWith("reassemble", "reassemble", fid, "")
	out, rep, err := reassemble.Reassemble(doc, m, results)
	if err != nil {
		diag.Failure(log, "reassemble", "reassemble failed", err, rt, fid, -1)
		return nil, reassemble.Report{}, fmt.Errorf("reassemble: %w", err)
	}
	rt.Finish("reassemble", int64(rep.Cues))
	diag.IncOp("reassemble", "finish", "success")
	if rep.Fallback > 0 {
		log.Warn("reassemble", string(diag.CodeRejected), "cues fell back to source text", fid, "", map[string]string{
			"fallback_cues":  fmt.Sprint(len(rep.FallbackCues)),
			"failed_batches": fmt.Sprint(len(rep.FailedBatches)),
		})
	}
	if doc.UnknownMarkup > 0 {
		log.Warn("codec", "", "unknown inline markup preserved verbatim", fid, "", map[string]string{
			"count": fmt.Sprint(doc.UnknownMarkup),
		})
	}
	return out, rep, nil
}
