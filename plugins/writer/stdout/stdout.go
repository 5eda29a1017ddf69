package stdout

import (
	"context"
	"io"
	"os"
	"sync"

	"subtitle-translate/pkg/contract"
)

// Stdout 将工件按到达顺序写到标准输出（destination 为 "-" 时使用）。
type Stdout struct {
	mu  sync.Mutex
	out io.Writer
}

func New() *Stdout { return &Stdout{out: os.Stdout} }

// NewWriter 写入任意 io.Writer。
func NewWriter(w io.Writer) *Stdout { return &Stdout{out: w} }

func (s *Stdout) Write(ctx context.Context, _ contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.Copy(s.out, r)
	return err
}

var _ contract.Writer = (*Stdout)(nil)
