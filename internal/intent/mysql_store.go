package intent

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CrossFlow/internal/errors"
)

// MySQLStore 使用 MySQL 持久化意图状态投影。
// 终态不可变性由条件 UPDATE 强制：所有 Mark* 语句只匹配非终态行，
// 影响行数为零时再回读一次以区分"不存在"与"已是终态"。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 在已有连接池上创建 MySQLStore。
// intent_statuses 表结构由迁移负责，这里不做建表。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的状态记录。
func (s *MySQLStore) Create(ctx context.Context, record *StatusRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态记录不能为空")
	}
	if strings.TrimSpace(record.IntentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "intentId 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO intent_statuses
        (intent_id, status, detail, tx_id, last_error, error_code, attempts, max_attempts, created_at, updated_at)
        VALUES (?, ?, ?, '', '', '', ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.IntentID,
		record.State,
		record.Detail,
		record.Attempts,
		record.MaxAttempts,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入意图状态失败")
	}
	return nil
}

// Get 查询指定意图的状态。
func (s *MySQLStore) Get(ctx context.Context, intentID string) (*StatusRecord, error) {
	const stmt = `SELECT intent_id, status, detail, tx_id, last_error, error_code, attempts, max_attempts, created_at, updated_at
        FROM intent_statuses WHERE intent_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, intentID)

	var record StatusRecord
	if err := row.Scan(
		&record.IntentID,
		&record.State,
		&record.Detail,
		&record.TxID,
		&record.Error,
		&record.ErrorCode,
		&record.Attempts,
		&record.MaxAttempts,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图状态失败")
	}
	return &record, nil
}

// MarkProcessing 实现 StatusStore 接口。
func (s *MySQLStore) MarkProcessing(ctx context.Context, intentID string, attempt, maxAttempts int, detail string) error {
	const stmt = `UPDATE intent_statuses SET status = ?, detail = ?, attempts = ?, max_attempts = ?, last_error = '', error_code = '', updated_at = ?
        WHERE intent_id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StateProcessing,
		detail,
		attempt,
		maxAttempts,
		time.Now().Unix(),
		intentID,
		StateSucceeded,
		StateFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新意图状态失败")
	}
	return s.explainNoRows(ctx, res, intentID)
}

// MarkSucceeded 实现 StatusStore 接口。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, intentID, txID string) error {
	const stmt = `UPDATE intent_statuses SET status = ?, detail = '', tx_id = ?, last_error = '', error_code = '', updated_at = ?
        WHERE intent_id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StateSucceeded,
		txID,
		time.Now().Unix(),
		intentID,
		StateSucceeded,
		StateFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记意图成功失败")
	}
	return s.explainNoRows(ctx, res, intentID)
}

// MarkFailed 实现 StatusStore 接口。
func (s *MySQLStore) MarkFailed(ctx context.Context, intentID string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE intent_statuses SET status = ?, detail = '', last_error = ?, error_code = ?, updated_at = ?
        WHERE intent_id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StateFailed,
		lastError,
		string(code),
		time.Now().Unix(),
		intentID,
		StateSucceeded,
		StateFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记意图失败失败")
	}
	return s.explainNoRows(ctx, res, intentID)
}

// explainNoRows 在条件更新未命中任何行时区分原因。
func (s *MySQLStore) explainNoRows(ctx context.Context, res sql.Result, intentID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	record, getErr := s.Get(ctx, intentID)
	if getErr != nil {
		return getErr
	}
	if record.Terminal() {
		return ErrTerminalStatus
	}
	return nil
}

// List 返回符合过滤条件的状态记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*StatusRecord, error) {
	opts.applyDefaults()

	query := `SELECT intent_id, status, detail, tx_id, last_error, error_code, attempts, max_attempts, created_at, updated_at
        FROM intent_statuses`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, intent_id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, intent_id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图状态列表失败")
	}
	defer rows.Close()

	records := make([]*StatusRecord, 0, opts.Limit)
	for rows.Next() {
		var record StatusRecord
		if err := rows.Scan(
			&record.IntentID,
			&record.State,
			&record.Detail,
			&record.TxID,
			&record.Error,
			&record.ErrorCode,
			&record.Attempts,
			&record.MaxAttempts,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描意图状态失败")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历意图状态失败")
	}
	return records, nil
}

// Stats 统计各状态下的意图数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const stmt = `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM intent_statuses GROUP BY status`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计意图状态失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var state State
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&state, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描统计结果失败")
		}
		stats.Total += count
		switch state {
		case StatePending:
			stats.Pending = count
		case StateProcessing:
			stats.Processing = count
		case StateSucceeded:
			stats.Succeeded = count
		case StateFailed:
			stats.Failed = count
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 实现 StatusStore 接口。连接池由 Open 的调用方负责关闭。
func (s *MySQLStore) Close() error {
	return nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for idx, state := range opts.States {
			placeholders[idx] = "?"
			args = append(args, state)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	return strings.Join(clauses, " AND "), args
}

var _ StatusStore = (*MySQLStore)(nil)
