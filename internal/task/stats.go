package task

// TaskStats 按状态统计任务数量，供 stats 接口与健康检查使用。
// 时间戳为 Unix 秒，指向统计范围内最早与最晚的更新。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// InFlight 返回尚未进入终态的任务数。
func (s TaskStats) InFlight() int {
	return s.Pending + s.Running
}
