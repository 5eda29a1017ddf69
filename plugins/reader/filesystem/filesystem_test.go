package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"subtitle-translate/pkg/contract"
)

func collect(t *testing.T, r *FileSystem, roots ...string) ([]string, error) {
	t.Helper()
	var got []string
	err := r.Iterate(context.Background(), roots, func(id contract.FileID, rc io.Reader) error {
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		got = append(got, filepath.Base(string(id))+"="+string(b))
		return nil
	})
	return got, err
}

func write(t *testing.T, p, s string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(s), 0o644); err != nil {
		t.Fatal(err)
	}
}

// UT-RD-01 目录遍历：扩展名过滤、排除目录、字典序稳定
func TestIterateDirectory(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "b.srt"), "B")
	write(t, filepath.Join(root, "a.VTT"), "A")
	write(t, filepath.Join(root, "notes.txt"), "N")
	write(t, filepath.Join(root, "d.ass"), "D")
	write(t, filepath.Join(root, "e.sub"), "E")
	write(t, filepath.Join(root, "s1", "c.srt"), "C")
	write(t, filepath.Join(root, ".git", "x.srt"), "X")
	r := New(Options{ExcludeDirNames: []string{".GIT"}})
	got, err := collect(t, r, root)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if strings.Join(got, ",") != "a.VTT=A,b.srt=B,d.ass=D,e.sub=E,c.srt=C" {
		t.Fatalf("遍历结果错误: %v", got)
	}
	r = New(Options{AllowExts: []string{"txt"}})
	got, _ = collect(t, r, root)
	if strings.Join(got, ",") != "notes.txt=N" {
		t.Fatalf("自定义扩展名无效: %v", got)
	}
}

// UT-RD-02 单文件根不受扩展名限制；缺失文件报错
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "movie.subs")
	write(t, p, "S")
	got, err := collect(t, New(Options{}), p)
	if err != nil || len(got) != 1 || got[0] != "movie.subs=S" {
		t.Fatalf("单文件读取错误: %v %v", got, err)
	}
	if _, err := collect(t, New(Options{}), filepath.Join(dir, "none.srt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("缺失文件应报错: %v", err)
	}
}

// UT-RD-03 STDIN 与混用校验
func TestIterateStdin(t *testing.T) {
	r := New(Options{})
	r.stdin = strings.NewReader("from stdin")
	var id contract.FileID
	var body string
	err := r.Iterate(context.Background(), []string{"-"}, func(fid contract.FileID, rc io.Reader) error {
		b, _ := io.ReadAll(rc)
		id, body = fid, string(b)
		return nil
	})
	if err != nil || id != StdinID || body != "from stdin" {
		t.Fatalf("stdin 读取错误: %v %q %q", err, id, body)
	}
	if err := r.Iterate(context.Background(), []string{"-", "a.srt"}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("混用 '-' 应报错: %v", err)
	}
}

// UT-RD-04 yield 错误中止遍历；取消的 ctx 立即返回
func TestIterateStops(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.srt"), "A")
	write(t, filepath.Join(root, "b.srt"), "B")
	boom := errors.New("boom")
	n := 0
	err := New(Options{}).Iterate(context.Background(), []string{root}, func(contract.FileID, io.Reader) error {
		n++
		return boom
	})
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("yield 错误应中止: %v n=%d", err, n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(Options{}).Iterate(ctx, []string{root}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消应返回: %v", err)
	}
}
