package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更并在成功重新加载后回调 onChange。
// 编辑器保存通常会产生一串 Write/Create 事件，这里做了简单去抖。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if onChange == nil {
		return fmt.Errorf("onChange 回调不能为空")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}

	// 监听目录而不是文件本身，原子替换(rename+create)时才不会丢事件。
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("监听配置目录失败: %w", err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(path)
		var timer *time.Timer
		reload := func() {
			cfg, err := Load(target)
			if err != nil {
				// 写到一半的文件会解析失败，保留旧配置继续运行。
				return
			}
			onChange(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, reload)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
