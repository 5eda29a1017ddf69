package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// NewRouter 返回诊断路由：/metrics 与 /healthz。
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve 在 addr 上提供诊断路由，直到 ctx 结束后优雅关闭。
// 返回的 channel 在服务退出后收到最终错误（正常关闭为 nil）。
func Serve(ctx context.Context, addr string, l *Logger) <-chan error {
	done := make(chan error, 1)
	srv := &http.Server{Addr: addr, Handler: NewRouter(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		l.DebugStart("metrics", "listen", "", "", map[string]string{"addr": addr})
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics", string(CodeNetwork), "metrics server: "+err.Error(), nil)
			done <- err
			return
		}
		done <- nil
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	return done
}
