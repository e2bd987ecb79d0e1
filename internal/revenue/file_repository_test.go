package revenue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)

	entries := []Entry{
		{ID: "e-1", Account: "acct-1", AmountCents: 1000, Currency: "USD", OccurredAt: 100, CreatedAt: 100},
		{ID: "e-2", Account: "acct-1", AmountCents: -250, Currency: "USD", OccurredAt: 200, CreatedAt: 200},
		{ID: "e-3", Account: "acct-2", AmountCents: 500, Currency: "EUR", OccurredAt: 300, CreatedAt: 300},
	}
	require.NoError(t, repo.Save(context.Background(), entries))

	latest, err := repo.ListLatest(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "e-3", latest[0].ID)
	require.Equal(t, "e-2", latest[1].ID)

	// 重新打开仓库应从磁盘恢复历史记录。
	reopened, err := NewFileRepository(dir)
	require.NoError(t, err)
	restored, err := reopened.ListLatest(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, restored, 3)
	require.Equal(t, "e-3", restored[0].ID)
}

func TestFileRepositorySummarize(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	entries := []Entry{
		{ID: "e-1", Account: "acct-1", AmountCents: 1000, Currency: "USD", OccurredAt: 100},
		{ID: "e-2", Account: "acct-1", AmountCents: 500, Currency: "USD", OccurredAt: 200},
		{ID: "e-3", Account: "acct-1", AmountCents: 300, Currency: "EUR", OccurredAt: 300},
		{ID: "e-4", Account: "acct-2", AmountCents: 700, Currency: "USD", OccurredAt: 400},
	}
	require.NoError(t, repo.Save(context.Background(), entries))

	all, err := repo.Summarize(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	scoped, err := repo.Summarize(context.Background(), "acct-1", 150, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	require.Equal(t, "EUR", scoped[0].Currency)
	require.EqualValues(t, 300, scoped[0].TotalCents)
	require.Equal(t, "USD", scoped[1].Currency)
	require.EqualValues(t, 500, scoped[1].TotalCents)
	require.Equal(t, 1, scoped[1].Entries)
}
