package revenue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Revenue-API/internal/errors"
)

// Entry 表示一条营收流水。金额以最小货币单位(分)计，避免浮点误差。
type Entry struct {
	ID          string `json:"id,omitempty"`
	Account     string `json:"account"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	OccurredAt  int64  `json:"occurred_at,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// Summary 汇总某账户在单一币种下的营收情况。
type Summary struct {
	Account    string `json:"account"`
	Currency   string `json:"currency"`
	Entries    int    `json:"entries"`
	TotalCents int64  `json:"total_cents"`
}

// Repository 抽象营收流水的持久化接口。
type Repository interface {
	Save(ctx context.Context, entries []Entry) error
	ListLatest(ctx context.Context, limit int) ([]Entry, error)
	Summarize(ctx context.Context, account string, since, until int64) ([]Summary, error)
	Close() error
}

const (
	CodeEntryValidation xerrors.Code = "REVENUE_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeEntryValidation, xerrors.Attributes{
		Message:   "revenue entry validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Normalise 清理账户与币种字段。
func (e *Entry) Normalise() {
	e.Account = strings.TrimSpace(e.Account)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	e.Description = strings.TrimSpace(e.Description)
}

// Validate 检查流水记录是否满足入账要求。
func (e *Entry) Validate() error {
	e.Normalise()
	if e.Account == "" {
		return xerrors.New(CodeEntryValidation, "账户不能为空")
	}
	if e.AmountCents == 0 {
		return xerrors.New(CodeEntryValidation, "金额不能为零")
	}
	if !isValidCurrency(e.Currency) {
		return xerrors.New(CodeEntryValidation, fmt.Sprintf("非法的币种代码: %q", e.Currency))
	}
	return nil
}

// PrepareEntries 校验一批流水并补齐 ID 与时间戳，返回可直接落库的副本。
func PrepareEntries(entries []Entry) ([]Entry, error) {
	now := time.Now().Unix()
	prepared := make([]Entry, len(entries))
	copy(prepared, entries)
	for i := range prepared {
		if err := prepared[i].Validate(); err != nil {
			return nil, err
		}
		if prepared[i].ID == "" {
			prepared[i].ID = uuid.NewString()
		}
		if prepared[i].OccurredAt == 0 {
			prepared[i].OccurredAt = now
		}
		prepared[i].CreatedAt = now
	}
	return prepared, nil
}

// isValidCurrency 要求 ISO 4217 形式的三位大写字母。
func isValidCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
