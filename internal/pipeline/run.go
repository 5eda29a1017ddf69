package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"subtitle-translate/internal/codec"
	"subtitle-translate/internal/diag"
	"subtitle-translate/internal/driver"
	"subtitle-translate/internal/reassemble"
	"subtitle-translate/internal/segment"
	"subtitle-translate/pkg/contract"
)

// ReportSuffix: 报告边车后缀（<artifact>.report.json）。
const ReportSuffix = ".report.json"

// DefaultMaxInputBytes: 单个输入文件的默认字节上限。
const DefaultMaxInputBytes = 64 << 20

// Components 聚合文件级运行所需的组件。
type Components struct {
	Reader     contract.Reader
	Writer     contract.Writer
	Translator contract.Translator
}

// Settings 文件级运行配置。
type Settings struct {
	Inputs []string
	Lang   contract.LangPair
	Limit  segment.Limit
	// Driver: 驱动参数模板；FileID/Logger/OnBatch 由 Run 逐文件填充。
	Driver driver.Settings
	// TranslatorName 仅用于报告与终端提示。
	TranslatorName string
	// Artifact 将输入 FileID 映射为输出标识；nil 时原样使用。
	Artifact func(contract.FileID) contract.ArtifactID
	// Report: 为每个输出写 JSON 报告边车。
	Report        bool
	MaxInputBytes int64
	// FrameRate: MicroDVD 默认帧率（文件内声明优先）。
	FrameRate float64
}

// FileReport: 单文件报告（边车内容）。
type FileReport struct {
	File       string          `json:"file"`
	Artifact   string          `json:"artifact"`
	Format     contract.Format `json:"format"`
	Source     string          `json:"source_lang"`
	Target     string          `json:"target_lang"`
	Translator string          `json:"translator,omitempty"`
	Policy     string          `json:"policy"`
	CorrID     string          `json:"corr_id,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	reassemble.Report
}

// Summary: 一次运行的汇总。
type Summary struct {
	Files    int
	Fallback int
	Reports  []FileReport
}

// Run 逐文件执行：Reader → codec.Parse → Translate → codec.Serialize → Writer (+报告边车)。
// 任一文件失败即停止并返回该错误；严格模式失败的文件不产出任何输出。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	var sum Summary
	if comp.Reader == nil || comp.Writer == nil || comp.Translator == nil {
		return sum, fmt.Errorf("pipeline: missing components: %w", contract.ErrInvalidInput)
	}
	if err := set.Limit.Validate(); err != nil {
		return sum, err
	}
	if set.MaxInputBytes <= 0 {
		set.MaxInputBytes = DefaultMaxInputBytes
	}

	rt := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, r io.Reader) error {
		rep, err := runFile(ctx, comp, set, logger, fid, r)
		if err != nil {
			return fmt.Errorf("%s: %w", fid, err)
		}
		sum.Files++
		if rep.Fallback > 0 {
			sum.Fallback++
		}
		sum.Reports = append(sum.Reports, rep)
		return nil
	})
	if err != nil {
		// 文件内错误已在 runFile 中记录
		var pe *contract.ParseError
		var de *contract.DriverError
		if !errors.As(err, &pe) && !errors.As(err, &de) {
			diag.Failure(logger, "reader", "iterate failed", err, rt, "", -1)
		}
		return sum, err
	}
	rt.Finish("iterate", int64(sum.Files))
	diag.IncOp("reader", "finish", "success")
	return sum, nil
}

func runFile(ctx context.Context, comp Components, set Settings, logger *diag.Logger, fid contract.FileID, r io.Reader) (rep FileReport, err error) {
	start := time.Now()
	term := diag.GetTerminal()
	planned, fallback := false, 0
	defer func() {
		if !planned {
			term.FileStart(string(fid), 0)
		}
		term.FileFinish(err == nil, fallback, time.Since(start))
	}()

	raw, err := io.ReadAll(io.LimitReader(r, set.MaxInputBytes+1))
	if err != nil {
		diag.Failure(logger, "reader", "read failed", err, nil, string(fid), -1)
		return rep, fmt.Errorf("read: %w", err)
	}
	if int64(len(raw)) > set.MaxInputBytes {
		err = fmt.Errorf("input exceeds %d bytes: %w", set.MaxInputBytes, contract.ErrBudgetExceeded)
		diag.Failure(logger, "reader", "read failed", err, nil, string(fid), -1)
		return rep, err
	}

	pt := logger.StartWith("codec", "parse", string(fid), "")
	doc, err := codec.ParseWith(raw, codec.Options{FrameRate: set.FrameRate})
	if err != nil {
		diag.Failure(logger, "codec", "parse failed", err, pt, string(fid), -1)
		return rep, err
	}
	pt.Finish("parse", int64(len(doc.Cues)))
	if hint, ok := contract.FormatOf(fid); ok && hint != doc.Format {
		logger.Warn("codec", "format_mismatch", "extension does not match content", string(fid), "", map[string]string{
			"ext_format": string(hint),
			"format":     string(doc.Format),
		})
	}
	diag.IncOp("codec", "parse", "success")

	ds := set.Driver
	ds.FileID = string(fid)
	ds.Logger = logger
	ds.OnBatch = term.FileProgress
	onPlan := func(n int) {
		planned = true
		term.FileStart(string(fid), n)
	}
	eng := Engine{Translator: comp.Translator, Limit: set.Limit, Driver: ds, OnPlan: onPlan}
	out, frep, err := Translate(ctx, doc, set.Lang, eng)
	if err != nil {
		return rep, err
	}
	fallback = len(frep.FallbackCues)

	aid := contract.ArtifactID(fid)
	if set.Artifact != nil {
		aid = set.Artifact(fid)
	}
	wt := logger.StartWith("writer", "write", string(aid), "")
	if err := comp.Writer.Write(ctx, aid, bytes.NewReader(codec.Serialize(out))); err != nil {
		diag.Failure(logger, "writer", "write failed", err, wt, string(aid), -1)
		return rep, fmt.Errorf("write: %w", err)
	}
	wt.Finish("write", 1)
	diag.IncOp("writer", "finish", "success")

	policy := ds.Policy
	if policy == "" {
		policy = driver.Strict
	}
	rep = FileReport{
		File:       string(fid),
		Artifact:   string(aid),
		Format:     doc.Format,
		Source:     set.Lang.Source,
		Target:     set.Lang.Target,
		Translator: set.TranslatorName,
		Policy:     string(policy),
		CorrID:     logger.CorrID(),
		DurationMS: time.Since(start).Milliseconds(),
		Report:     frep,
	}
	if set.Report {
		b, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return rep, fmt.Errorf("report encode: %w", err)
		}
		rid := aid + ReportSuffix
		if err := comp.Writer.Write(ctx, rid, bytes.NewReader(append(b, '\n'))); err != nil {
			diag.Failure(logger, "writer", "report write failed", err, nil, string(rid), -1)
			return rep, fmt.Errorf("write report: %w", err)
		}
	}
	return rep, nil
}
