package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/permission"
)

// PermissionStore 使用 MySQL 持久化派生路径下的钱包与预授权操作。
// 每次可变调用都在事务里用条件 UPDATE 推进 next_nonce：只匹配仍处于
// 期望 nonce 的行，同一路径上的并发变更最多只有一个能提交。
type PermissionStore struct {
	db *sql.DB
}

// NewPermissionStore 在共享连接池上创建权限存储。表结构由迁移负责。
func NewPermissionStore(db *sql.DB) (*PermissionStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &PermissionStore{db: db}, nil
}

// Get 实现 permission.Store 接口。
func (s *PermissionStore) Get(ctx context.Context, derivationPath string) (*permission.Record, error) {
	record := &permission.Record{DerivationPath: derivationPath}

	row := s.db.QueryRowContext(ctx,
		`SELECT next_nonce FROM permission_paths WHERE derivation_path = ?`, derivationPath)
	if err := row.Scan(&record.NextNonce); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, permission.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询权限记录失败")
	}

	wallets, err := s.loadWallets(ctx, derivationPath)
	if err != nil {
		return nil, err
	}
	record.Wallets = wallets

	ops, err := s.queryOperations(ctx,
		`SELECT `+operationColumns+` FROM permission_operations
         WHERE derivation_path = ? ORDER BY created_at ASC, operation_id ASC`, derivationPath)
	if err != nil {
		return nil, err
	}
	record.Operations = ops
	return record, nil
}

// AppendWallet 实现 permission.Store 接口。
func (s *PermissionStore) AppendWallet(ctx context.Context, derivationPath string, wallet permission.Wallet, expectedNonce uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO permission_paths (derivation_path, next_nonce, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		derivationPath, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建权限记录失败")
	}
	if err := s.advanceNonce(ctx, tx, derivationPath, expectedNonce, now); err != nil {
		return err
	}

	const insert = `INSERT INTO permission_wallets
        (derivation_path, wallet_type, public_key, chain_address, added_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		derivationPath, wallet.WalletType, wallet.PublicKey, wallet.ChainAddress, wallet.AddedAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if !stdErrors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存钱包失败")
		}
		// 地址已存在：同一路径重复注册刷新记录，不同路径拒绝。
		var owner string
		row := tx.QueryRowContext(ctx,
			`SELECT derivation_path FROM permission_wallets WHERE chain_address = ?`, wallet.ChainAddress)
		if scanErr := row.Scan(&owner); scanErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "查询钱包绑定失败")
		}
		if owner != derivationPath {
			return permission.ErrWalletBound
		}
		if _, updErr := tx.ExecContext(ctx,
			`UPDATE permission_wallets SET wallet_type = ?, public_key = ?, added_at = ? WHERE chain_address = ?`,
			wallet.WalletType, wallet.PublicKey, wallet.AddedAt, wallet.ChainAddress); updErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, updErr, "刷新钱包失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// AppendOperation 实现 permission.Store 接口。
func (s *PermissionStore) AppendOperation(ctx context.Context, derivationPath string, op permission.Operation, expectedNonce uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := s.advanceNonce(ctx, tx, derivationPath, expectedNonce, time.Now().Unix()); err != nil {
		return err
	}

	const insert = `INSERT INTO permission_operations
        (operation_id, derivation_path, operation_type, source_asset, target_asset, max_amount,
         destination_address, destination_chain, slippage_bps, price_asset, quote_asset,
         trigger_price, price_condition, expires_at, executed, nonce, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		op.OperationID,
		op.DerivationPath,
		op.OperationType,
		op.SourceAsset,
		op.TargetAsset,
		op.MaxAmount,
		op.DestinationAddress,
		op.DestinationChain,
		op.SlippageBps,
		op.PriceAsset,
		op.QuoteAsset,
		op.TriggerPrice,
		op.Condition,
		op.ExpiresAt,
		op.Nonce,
		op.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存操作失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// DeleteOperation 实现 permission.Store 接口。
func (s *PermissionStore) DeleteOperation(ctx context.Context, derivationPath, operationID string, expectedNonce uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := s.advanceNonce(ctx, tx, derivationPath, expectedNonce, time.Now().Unix()); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM permission_operations WHERE derivation_path = ? AND operation_id = ?`,
		derivationPath, operationID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除操作失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return permission.ErrOperationNotFound
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ConsumeOperation 实现 permission.Store 接口。
// executed 的翻转是一条条件 UPDATE，天然保证至多一次。
func (s *PermissionStore) ConsumeOperation(ctx context.Context, derivationPath, operationID string) (*permission.Operation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_operations SET executed = 1
         WHERE derivation_path = ? AND operation_id = ? AND executed = 0`,
		derivationPath, operationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "消费操作失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	ops, err := s.queryOperations(ctx,
		`SELECT `+operationColumns+` FROM permission_operations
         WHERE derivation_path = ? AND operation_id = ?`, derivationPath, operationID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM permission_paths WHERE derivation_path = ?`, derivationPath)
		var exists int
		if scanErr := row.Scan(&exists); scanErr != nil {
			if stdErrors.Is(scanErr, sql.ErrNoRows) {
				return nil, permission.ErrNotFound
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "查询权限记录失败")
		}
		return nil, permission.ErrOperationNotFound
	}
	if affected == 0 {
		return nil, permission.ErrOperationExecuted
	}
	consumed := ops[0]
	return &consumed, nil
}

// ListActive 实现 permission.Store 接口。
func (s *PermissionStore) ListActive(ctx context.Context, from, limit int, now int64) ([]permission.Operation, error) {
	if from < 0 {
		from = 0
	}
	if limit <= 0 {
		limit = 50
	}
	ops, err := s.queryOperations(ctx,
		`SELECT `+operationColumns+` FROM permission_operations
         WHERE executed = 0 AND (expires_at = 0 OR expires_at > ?)
         ORDER BY created_at ASC, operation_id ASC LIMIT ? OFFSET ?`,
		now, limit, from)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []permission.Operation{}
	}
	return ops, nil
}

// PathForWallet 实现 permission.Store 接口。
func (s *PermissionStore) PathForWallet(ctx context.Context, chainAddress string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT derivation_path FROM permission_wallets WHERE chain_address = ? LIMIT 1`, chainAddress)
	var path string
	if err := row.Scan(&path); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", permission.ErrNotFound
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包绑定失败")
	}
	return path, nil
}

// advanceNonce 条件推进路径的 next_nonce，区分记录缺失与 nonce 过期。
func (s *PermissionStore) advanceNonce(ctx context.Context, tx *sql.Tx, derivationPath string, expectedNonce uint64, now int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE permission_paths SET next_nonce = next_nonce + 1, updated_at = ?
         WHERE derivation_path = ? AND next_nonce = ?`,
		now, derivationPath, expectedNonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进 nonce 失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT next_nonce FROM permission_paths WHERE derivation_path = ?`, derivationPath)
	var current uint64
	if scanErr := row.Scan(&current); scanErr != nil {
		if stdErrors.Is(scanErr, sql.ErrNoRows) {
			return permission.ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "查询权限记录失败")
	}
	return permission.ErrNonceMismatch
}

const operationColumns = `operation_id, derivation_path, operation_type, source_asset, target_asset,
        max_amount, destination_address, destination_chain, slippage_bps, price_asset, quote_asset,
        trigger_price, price_condition, expires_at, executed, nonce, created_at`

func (s *PermissionStore) loadWallets(ctx context.Context, derivationPath string) ([]permission.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT wallet_type, public_key, chain_address, added_at
         FROM permission_wallets WHERE derivation_path = ? ORDER BY id ASC`, derivationPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包列表失败")
	}
	defer rows.Close()

	var wallets []permission.Wallet
	for rows.Next() {
		var w permission.Wallet
		if err := rows.Scan(&w.WalletType, &w.PublicKey, &w.ChainAddress, &w.AddedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描钱包失败")
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包列表失败")
	}
	return wallets, nil
}

func (s *PermissionStore) queryOperations(ctx context.Context, query string, args ...any) ([]permission.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	var ops []permission.Operation
	for rows.Next() {
		var op permission.Operation
		if err := rows.Scan(
			&op.OperationID,
			&op.DerivationPath,
			&op.OperationType,
			&op.SourceAsset,
			&op.TargetAsset,
			&op.MaxAmount,
			&op.DestinationAddress,
			&op.DestinationChain,
			&op.SlippageBps,
			&op.PriceAsset,
			&op.QuoteAsset,
			&op.TriggerPrice,
			&op.Condition,
			&op.ExpiresAt,
			&op.Executed,
			&op.Nonce,
			&op.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描操作失败")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作列表失败")
	}
	return ops, nil
}

var _ permission.Store = (*PermissionStore)(nil)
