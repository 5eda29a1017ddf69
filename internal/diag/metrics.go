package diag

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 进程级指标，注册在私有 registry 上：
// - subtrans_ops_total{comp,stage,result}
// - subtrans_errors_total{comp,code}
// - subtrans_op_duration_ms{comp,stage}
// - subtrans_batch_attempts_total{result}
// - subtrans_fragments_total{outcome}
var (
	registry = prometheus.NewRegistry()

	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtrans_ops_total",
		Help: "Component operations by stage and result",
	}, []string{"comp", "stage", "result"})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtrans_errors_total",
		Help: "Classified errors by component",
	}, []string{"comp", "code"})
	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subtrans_op_duration_ms",
		Help:    "Operation duration in milliseconds",
		Buckets: []float64{1, 5, 20, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	}, []string{"comp", "stage"})
	batchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtrans_batch_attempts_total",
		Help: "Translation attempts by result (ok, retry, failed)",
	}, []string{"result"})
	fragmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subtrans_fragments_total",
		Help: "Fragments by outcome (translated, fallback)",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(opsTotal, errorsTotal, opDuration, batchAttempts, fragmentsTotal)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opsTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorsTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncAttempt 记录一次翻译调用结果。
func IncAttempt(result string) {
	batchAttempts.WithLabelValues(result).Inc()
}

// AddFragments 按结果累加片段数。
func AddFragments(outcome string, n int) {
	if n > 0 {
		fragmentsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// Failure 汇总一次组件失败：error 日志 + 计数（分类非 unknown 时计入 errors_total）。
func Failure(l *Logger, comp, msg string, err error, t *Timer, fileID string, batch int) Code {
	code := Classify(err)
	b := ""
	if batch >= 0 {
		b = strconv.Itoa(batch)
	}
	l.ErrorWithKV(comp, string(code), msg+": "+err.Error(), t.Since(), fileID, b, nil)
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	return code
}

// Registry 返回私有 registry（测试与导出使用）。
func Registry() *prometheus.Registry { return registry }

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// WriteFile 将当前指标以文本格式写入文件（node_exporter textfile 约定）。
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
