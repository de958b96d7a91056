package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"clipportal/backend/internal/domain"
)

// dirRegistry 基于目录的邮箱注册表
//
// 邮箱目录的独占创建（os.Mkdir）就是 ID 占用操作；index 只缓存已确认存在的
// 邮箱，未命中时回退到 os.Stat，不会因为缓存而误判 ID 可用。
type dirRegistry struct {
	root  string
	utils *PlatformUtils
	index sync.Map // mailboxID -> struct{}
}

func newDirRegistry(root string, utils *PlatformUtils) *dirRegistry {
	return &dirRegistry{root: root, utils: utils}
}

// load 扫描邮箱目录，填充存在性索引
func (r *dirRegistry) load() (int, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || !domain.IsValidMailboxID(entry.Name()) {
			continue
		}
		r.index.Store(entry.Name(), struct{}{})
		count++
	}
	return count, nil
}

// Claim 独占创建邮箱目录并写入凭证材料
func (r *dirRegistry) Claim(ctx context.Context, mailbox *domain.Mailbox, capability *domain.Capability) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(r.root, mailbox.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ErrMailboxExists
		}
		return fmt.Errorf("failed to claim mailbox directory: %w", err)
	}

	data, err := json.Marshal(capability)
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to marshal capability: %w", err)
	}

	if _, err := r.utils.WriteFileAtomic(dir, capabilityFile, bytes.NewReader(data)); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to write capability: %w", err)
	}

	r.index.Store(mailbox.ID, struct{}{})
	return nil
}

// Exists 检查邮箱是否存在
func (r *dirRegistry) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := r.index.Load(id); ok {
		return true, nil
	}

	info, err := os.Stat(filepath.Join(r.root, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat mailbox: %w", err)
	}
	if !info.IsDir() {
		return false, nil
	}

	r.index.Store(id, struct{}{})
	return true, nil
}

// Capability 读取邮箱的凭证材料
func (r *dirRegistry) Capability(ctx context.Context, id string) (*domain.Capability, error) {
	data, err := os.ReadFile(filepath.Join(r.root, id, capabilityFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to read capability: %w", err)
	}

	var capability domain.Capability
	if err := json.Unmarshal(data, &capability); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capability: %w", err)
	}

	return &capability, nil
}
