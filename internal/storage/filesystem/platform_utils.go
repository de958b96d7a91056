package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	// 1. 检查路径长度
	if len(path) > 2000 { // 保守的长度限制
		return fmt.Errorf("path too long: %d characters", len(path))
	}

	// 2. 检查是否包含路径遍历
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}

	return nil
}

// IsCaseSensitive 检查当前文件系统是否大小写敏感
func (p *PlatformUtils) IsCaseSensitive() bool {
	switch runtime.GOOS {
	case "windows":
		return false
	case "darwin", "linux":
		return true
	default:
		// 保守假设为大小写敏感
		return true
	}
}

// NormalizePath 标准化路径
func (p *PlatformUtils) NormalizePath(path string) string {
	// 1. 转换为绝对路径
	absPath, err := filepath.Abs(path)
	if err != nil {
		// 如果转换失败，返回原路径
		return path
	}

	// 2. 清理路径
	cleanPath := filepath.Clean(absPath)

	// 3. 如果文件系统不区分大小写，转换为小写
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}

	return cleanPath
}

// WriteFileAtomic 原子地写入文件
//
// 先写入同目录下的临时文件并 fsync，再 rename 覆盖目标文件。
// 读取方要么看到旧文件，要么看到完整的新文件。reader 返回错误时
// 临时文件被删除，目标文件保持不变。
func (p *PlatformUtils) WriteFileAtomic(dir, name string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return n, err
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return n, fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}

	p.SyncDir(dir)
	return n, nil
}

// SyncDir 刷新目录项，使 rename 持久化（Windows 不支持对目录 fsync，直接跳过）
func (p *PlatformUtils) SyncDir(dir string) {
	if runtime.GOOS == "windows" {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
