package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Revenue-API/internal/auth"
)

// SQLAuthStore 将用户、角色与权限保存在 MySQL 中。
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore 建立连接并执行迁移后返回存储实例。
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close 释放底层连接池。
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUserByUsername 实现 auth.Store。未命中时透传 sql.ErrNoRows，
// 由上层翻译成凭据错误。
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`,
		strings.TrimSpace(username))

	var (
		user     auth.User
		disabled int
	)
	switch err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, err
	default:
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject 加载主体及其角色与权限。
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, disabled FROM auth_users WHERE id = ?`, userID)

	var (
		subject  auth.Subject
		disabled int
	)
	switch err := row.Scan(&subject.ID, &subject.Username, &disabled); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, err
	default:
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	subject.Disabled = disabled == 1

	var err error
	subject.Roles, err = s.collectStrings(ctx, `SELECT r.name FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`, subject.ID)
	if err != nil {
		return nil, err
	}

	// 角色继承的权限与直接授予的权限取并集。
	subject.Permissions, err = s.collectStrings(ctx, `SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_role_permissions rp ON rp.permission_id = p.id
JOIN auth_user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = ?
UNION
SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_user_permissions up ON up.permission_id = p.id
WHERE up.user_id = ?`, subject.ID, subject.ID)
	if err != nil {
		return nil, err
	}

	subject.Normalise()
	return &subject, nil
}

// collectStrings 把单列查询结果折叠成排好序的小写列表。
func (s *SQLAuthStore) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询列表失败: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("解析列表失败: %w", err)
		}
		result = append(result, strings.ToLower(strings.TrimSpace(value)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历列表失败: %w", err)
	}
	sort.Strings(result)
	return result, nil
}

// ApplySeed 以幂等方式写入初始账户、角色与权限。整个种子在一个
// 事务内落库。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := seedInTx(ctx, tx, username, passwordHash, seed, now); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func seedInTx(ctx context.Context, tx *sql.Tx, username, passwordHash string, seed auth.Seed, now int64) error {
	userID, err := upsertSeedUser(ctx, tx, username, passwordHash, seed.Disabled, now)
	if err != nil {
		return err
	}
	grants := []struct {
		table    string
		link     string
		linkStmt string
		values   []string
	}{
		{"auth_roles", "角色", `INSERT IGNORE INTO auth_user_roles (user_id, role_id, assigned_at) VALUES (?, ?, ?)`, seed.Roles},
		{"auth_permissions", "权限", `INSERT IGNORE INTO auth_user_permissions (user_id, permission_id, assigned_at) VALUES (?, ?, ?)`, seed.Permissions},
	}
	for _, grant := range grants {
		for _, name := range dedupeValues(grant.values) {
			id, err := upsertNamed(ctx, tx, grant.table, name, now)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, grant.linkStmt, userID, id, now); err != nil {
				return fmt.Errorf("绑定用户%s失败: %w", grant.link, err)
			}
		}
	}
	return nil
}

// upsertSeedUser 写入或更新用户并返回其 ID。LAST_INSERT_ID 技巧让
// 更新路径也能拿到主键。
func upsertSeedUser(ctx context.Context, tx *sql.Tx, username, passwordHash string, disabled bool, now int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO auth_users (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`,
		username, passwordHash, boolToInt(disabled), now, now)
	if err != nil {
		return 0, fmt.Errorf("保存用户失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取用户ID失败: %w", err)
	}
	return id, nil
}

func upsertNamed(ctx context.Context, tx *sql.Tx, table, name string, now int64) (int64, error) {
	stmt := fmt.Sprintf(`INSERT INTO %s (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`, table)
	res, err := tx.ExecContext(ctx, stmt, name, now, now)
	if err != nil {
		return 0, fmt.Errorf("保存 %s 记录失败: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 %s 记录ID失败: %w", table, err)
	}
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dedupeValues 去重、去空白并统一小写，输出排序后的列表。
func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			seen[value] = struct{}{}
		}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
