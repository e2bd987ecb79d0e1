package revenue

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/workflow"
)

// 内置的作业类型。
const (
	JobTypeRecord    = "revenue.record"
	JobTypeAggregate = "revenue.aggregate"
	JobTypeEcho      = "revenue.echo"
)

// Handlers 将营收相关的作业处理函数挂载到工作流注册表。
type Handlers struct {
	repo Repository
}

// NewHandlers 构造 Handlers。
func NewHandlers(repo Repository) *Handlers {
	return &Handlers{repo: repo}
}

// RegisterAll 注册全部内置作业类型。
func (h *Handlers) RegisterAll(registry *workflow.Registry) error {
	if registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "工作流注册表未初始化")
	}
	if err := registry.Register(JobTypeRecord, h.Record); err != nil {
		return err
	}
	if err := registry.Register(JobTypeAggregate, h.Aggregate); err != nil {
		return err
	}
	return registry.Register(JobTypeEcho, h.Echo)
}

// Record 解析并落库一批营收流水。
func (h *Handlers) Record(ctx context.Context, job workflow.Job) (*workflow.Result, error) {
	if h.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "营收仓库未初始化")
	}
	entries, err := decodeEntries(job.Payload)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, xerrors.New(CodeEntryValidation, "entries 不能为空")
	}

	entries, err = PrepareEntries(entries)
	if err != nil {
		return nil, err
	}

	currency := ""
	mixed := false
	var total int64
	for i := range entries {
		total += entries[i].AmountCents
		if currency == "" {
			currency = entries[i].Currency
		} else if currency != entries[i].Currency {
			mixed = true
		}
	}
	if mixed {
		// 混合币种时合计金额无意义，仅保留条数。
		total = 0
		currency = ""
	}

	if err := h.repo.Save(ctx, entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入营收流水失败")
	}

	return &workflow.Result{
		Summary:    fmt.Sprintf("recorded %d entries", len(entries)),
		Records:    len(entries),
		TotalCents: total,
		Currency:   currency,
	}, nil
}

// Aggregate 汇总指定账户在给定时间窗口内的营收。
func (h *Handlers) Aggregate(ctx context.Context, job workflow.Job) (*workflow.Result, error) {
	if h.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "营收仓库未初始化")
	}

	account, _ := job.Payload["account"].(string)
	since := decodeUnix(job.Payload["since"])
	until := decodeUnix(job.Payload["until"])
	if since > 0 && until > 0 && since > until {
		return nil, xerrors.New(CodeEntryValidation, "since 不能晚于 until")
	}

	summaries, err := h.repo.Summarize(ctx, account, since, until)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "汇总营收流水失败")
	}

	output := make(map[string]any, 1)
	encoded, err := json.Marshal(summaries)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码汇总结果失败")
	}
	var generic []any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解码汇总结果失败")
	}
	output["summaries"] = generic

	entries := 0
	var total int64
	currency := ""
	mixed := false
	for _, summary := range summaries {
		entries += summary.Entries
		total += summary.TotalCents
		if currency == "" {
			currency = summary.Currency
		} else if currency != summary.Currency {
			mixed = true
		}
	}
	if mixed {
		total = 0
		currency = ""
	}

	return &workflow.Result{
		Summary:    fmt.Sprintf("aggregated %d entries across %d buckets", entries, len(summaries)),
		Output:     output,
		Records:    entries,
		TotalCents: total,
		Currency:   currency,
	}, nil
}

// Echo 原样返回请求负载，用于连通性验证。
func (h *Handlers) Echo(_ context.Context, job workflow.Job) (*workflow.Result, error) {
	output := make(map[string]any, len(job.Payload))
	for key, value := range job.Payload {
		output[key] = value
	}
	return &workflow.Result{
		Summary: "echo",
		Output:  output,
	}, nil
}

// decodeEntries 将请求负载中的 entries 字段转换为流水列表。
func decodeEntries(payload map[string]any) ([]Entry, error) {
	raw, ok := payload["entries"]
	if !ok {
		return nil, xerrors.New(CodeEntryValidation, "缺少 entries 字段")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeEntryValidation, err, "编码 entries 失败")
	}
	var entries []Entry
	if err := json.Unmarshal(encoded, &entries); err != nil {
		return nil, xerrors.Wrap(CodeEntryValidation, err, "entries 格式不正确")
	}
	return entries, nil
}

// decodeUnix 宽容地解析时间戳字段，JSON 数字默认是 float64。
func decodeUnix(value any) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
