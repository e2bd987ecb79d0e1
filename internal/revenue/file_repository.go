package revenue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// 内存中最多保留的流水条数，磁盘文件保留全量历史。
const fileRepositoryCap = 512

// FileRepository 使用本地 JSONL 文件模拟数据库的效果，方便迭代开发。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	entries  []Entry
}

// NewFileRepository 创建一个文件流水仓库，启动时恢复历史记录。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: filepath.Join(dataDir, "entries.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录流水。
func (r *FileRepository) Save(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开流水日志失败: %w", err)
	}
	defer file.Close()

	for _, entry := range entries {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("序列化流水记录失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入流水日志失败: %w", err)
		}
		r.entries = append([]Entry{entry}, r.entries...)
	}
	if len(r.entries) > fileRepositoryCap {
		r.entries = r.entries[:fileRepositoryCap]
	}
	return nil
}

// ListLatest 返回最近的流水记录，按写入顺序倒序排列。
func (r *FileRepository) ListLatest(_ context.Context, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	results := make([]Entry, limit)
	copy(results, r.entries[:limit])
	return results, nil
}

// Summarize 在内存中按账户与币种聚合流水。
func (r *FileRepository) Summarize(_ context.Context, account string, since, until int64) ([]Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account = strings.TrimSpace(account)
	buckets := make(map[string]*Summary)
	for _, entry := range r.entries {
		if account != "" && entry.Account != account {
			continue
		}
		if since > 0 && entry.OccurredAt < since {
			continue
		}
		if until > 0 && entry.OccurredAt > until {
			continue
		}
		key := entry.Account + "\x00" + entry.Currency
		bucket, ok := buckets[key]
		if !ok {
			bucket = &Summary{Account: entry.Account, Currency: entry.Currency}
			buckets[key] = bucket
		}
		bucket.Entries++
		bucket.TotalCents += entry.AmountCents
	}

	summaries := make([]Summary, 0, len(buckets))
	for _, bucket := range buckets {
		summaries = append(summaries, *bucket)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Account == summaries[j].Account {
			return summaries[i].Currency < summaries[j].Currency
		}
		return summaries[i].Account < summaries[j].Account
	})
	return summaries, nil
}

// Close 实现 Repository 接口，文件句柄按次打开无需关闭。
func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取流水日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Entry
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]Entry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析流水日志失败: %w", err)
	}

	if len(restored) > fileRepositoryCap {
		restored = restored[:fileRepositoryCap]
	}
	if len(restored) > 0 {
		r.entries = restored
	}
	return nil
}

var _ Repository = (*FileRepository)(nil)
