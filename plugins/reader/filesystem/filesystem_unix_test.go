//go:build !windows

package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// 非常规文件与目录符号链接被忽略；文件符号链接被跟随
func TestIterateSpecialEntries(t *testing.T) {
	root := t.TempDir()
	if err := syscall.Mkfifo(filepath.Join(root, "pipe.srt"), 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	realDir := filepath.Join(t.TempDir(), "realDir")
	write(t, filepath.Join(realDir, "in.srt"), "R")
	if err := os.Symlink(realDir, filepath.Join(root, "dirlink")); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(realDir, "target.srt"), "T")
	if err := os.Symlink(filepath.Join(realDir, "target.srt"), filepath.Join(root, "link.srt")); err != nil {
		t.Fatal(err)
	}
	got, err := collect(t, New(Options{}), root)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if strings.Join(got, ",") != "link.srt=T" {
		t.Fatalf("特殊条目处理错误: %v", got)
	}
	if err := os.Symlink(filepath.Join(root, "none"), filepath.Join(root, "dangling.srt")); err != nil {
		t.Fatal(err)
	}
	if _, err := collect(t, New(Options{}), root); err == nil {
		t.Fatalf("失效链接应报错")
	}
}
