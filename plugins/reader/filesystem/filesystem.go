package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"subtitle-translate/pkg/contract"
)

// StdinID: "-" 根对应的 FileID。
const StdinID contract.FileID = "stdin"

// Options: 文件系统 Reader 配置。
type Options struct {
	// BufSize: 读缓冲区大小（字节），默认 64KiB。
	BufSize int `json:"buf_size"`
	// AllowExts: 目录遍历时接受的扩展名（不区分大小写），默认 contract.SubtitleExts()。
	// 单文件根不受限制。
	AllowExts []string `json:"allow_exts"`
	// ExcludeDirNames: 遍历时跳过的目录基名，例如 [".git"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
}

// FileSystem 基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize    int
	exts       map[string]struct{}
	excludeDir map[string]struct{}
	stdin      io.Reader
}

// New 创建 FileSystem Reader。
func New(opts Options) *FileSystem {
	b := opts.BufSize
	if b <= 0 {
		b = 64 * 1024
	}
	exts := opts.AllowExts
	if len(exts) == 0 {
		exts = contract.SubtitleExts()
	}
	return &FileSystem{bufSize: b, exts: lowerSet(exts, true), excludeDir: lowerSet(opts.ExcludeDirNames, false), stdin: os.Stdin}
}

func lowerSet(in []string, dot bool) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if dot && !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		m[s] = struct{}{}
	}
	return m
}

// Iterate 按稳定顺序对每个字幕文件调用 yield；"-" 表示 STDIN，且不能与其他根混用。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range roots {
		if s == "-" && len(roots) > 1 {
			return fmt.Errorf("stdin '-' cannot be mixed with other roots: %w", contract.ErrInvalidInput)
		}
	}
	if len(roots) == 0 || roots[0] == "-" {
		return yield(StdinID, bufio.NewReaderSize(r.stdin, r.bufSize))
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.Reader) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s: not a regular file: %w", root, contract.ErrInvalidInput)
		}
		return r.emit(root, yield)
	}
	// 目录符号链接不跟随（WalkDir 不进入链接目录）
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if _, skip := r.excludeDir[strings.ToLower(d.Name())]; skip && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := r.exts[strings.ToLower(filepath.Ext(p))]; !ok {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		return r.emit(p, yield)
	})
}

func (r *FileSystem) emit(p string, yield func(contract.FileID, io.Reader) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return yield(contract.NormalizeFileID(p), bufio.NewReaderSize(f, r.bufSize))
}

var _ contract.Reader = (*FileSystem)(nil)
