package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"Revenue-API/internal/revenue"
)

// SQLRevenueRepository 将营收流水保存在 MySQL 中。
type SQLRevenueRepository struct {
	db *sql.DB
}

// NewSQLRevenueRepository 建立连接并执行迁移后返回仓储实例。
func NewSQLRevenueRepository(ctx context.Context, cfg Config) (*SQLRevenueRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRevenueRepository{db: db}, nil
}

// Close 释放底层连接池。
func (r *SQLRevenueRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save 在单个事务内批量写入流水。
func (r *SQLRevenueRepository) Save(ctx context.Context, entries []revenue.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启流水事务失败: %w", err)
	}
	const insert = `INSERT INTO revenue_entries (id, account, amount_cents, currency, description, occurred_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, insert,
			entry.ID,
			entry.Account,
			entry.AmountCents,
			entry.Currency,
			entry.Description,
			entry.OccurredAt,
			entry.CreatedAt,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入流水 %s 失败: %w", entry.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交流水事务失败: %w", err)
	}
	return nil
}

// ListLatest 按入账时间倒序返回最近的流水。
func (r *SQLRevenueRepository) ListLatest(ctx context.Context, limit int) ([]revenue.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, account, amount_cents, currency, description, occurred_at, created_at
FROM revenue_entries ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	defer rows.Close()

	var entries []revenue.Entry
	for rows.Next() {
		var entry revenue.Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.Account,
			&entry.AmountCents,
			&entry.Currency,
			&entry.Description,
			&entry.OccurredAt,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析流水失败: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历流水失败: %w", err)
	}
	return entries, nil
}

// Summarize 按账户与币种聚合给定时间窗口内的流水。
func (r *SQLRevenueRepository) Summarize(ctx context.Context, account string, since, until int64) ([]revenue.Summary, error) {
	var builder strings.Builder
	builder.WriteString(`SELECT account, currency, COUNT(*), SUM(amount_cents)
FROM revenue_entries`)
	var conditions []string
	var args []any
	if account = strings.TrimSpace(account); account != "" {
		conditions = append(conditions, "account = ?")
		args = append(args, account)
	}
	if since > 0 {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "occurred_at <= ?")
		args = append(args, until)
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" GROUP BY account, currency ORDER BY account, currency")

	rows, err := r.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("聚合流水失败: %w", err)
	}
	defer rows.Close()

	var summaries []revenue.Summary
	for rows.Next() {
		var summary revenue.Summary
		if err := rows.Scan(&summary.Account, &summary.Currency, &summary.Entries, &summary.TotalCents); err != nil {
			return nil, fmt.Errorf("解析聚合结果失败: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历聚合结果失败: %w", err)
	}
	return summaries, nil
}

var _ revenue.Repository = (*SQLRevenueRepository)(nil)
