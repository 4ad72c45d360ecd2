package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/order"
)

// OrderStore 使用 MySQL 持久化订单。
// 状态迁移由条件 UPDATE 强制：语句只匹配处于期望前置状态的行，
// 影响行数为零时回读一次以区分"不存在"与"状态已被并发修改"。
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore 在共享连接池上创建订单存储。表结构由迁移负责。
func NewOrderStore(db *sql.DB) (*OrderStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &OrderStore{db: db}, nil
}

// Create 实现 order.Store 接口。
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	if o == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单不能为空")
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO orders
        (order_id, order_type, side, price_asset, quote_asset, trigger_price, price_condition,
         source_chain, source_asset, amount, destination_chain, target_asset, user_destination,
         agent_address, agent_chain, slippage_bps, state, expires_at, created_at, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`

	_, err := s.db.ExecContext(ctx, stmt,
		o.OrderID,
		o.Type,
		o.Side,
		o.PriceAsset,
		o.QuoteAsset,
		o.TriggerPrice,
		o.Condition,
		o.SourceChain,
		o.SourceAsset,
		o.Amount,
		o.DestinationChain,
		o.TargetAsset,
		o.UserDestination,
		o.AgentAddress,
		o.AgentChain,
		o.SlippageBps,
		o.State,
		o.ExpiresAt,
		o.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return order.ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

const orderColumns = `order_id, order_type, side, price_asset, quote_asset, trigger_price, price_condition,
        source_chain, source_asset, amount, destination_chain, target_asset, user_destination,
        agent_address, agent_chain, slippage_bps, state, expires_at, created_at, funded_at,
        funding_tx_hash, triggered_at, executed_at, triggered_price, execution_tx_id, output_amount, last_error`

// Get 实现 order.Store 接口。
func (s *OrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	return o, nil
}

// Activate 实现 order.Store 接口。
func (s *OrderStore) Activate(ctx context.Context, orderID string, fundedAt int64, fundingTxHash string) error {
	const stmt = `UPDATE orders SET state = ?, funded_at = ?, funding_tx_hash = ? WHERE order_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, order.StateActive, fundedAt, fundingTxHash, orderID, order.StatePending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "激活订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Trigger 实现 order.Store 接口。
func (s *OrderStore) Trigger(ctx context.Context, orderID string, price decimal.Decimal, triggeredAt int64) error {
	const stmt = `UPDATE orders SET state = ?, triggered_at = ?, triggered_price = ? WHERE order_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, order.StateTriggered, triggeredAt, price, orderID, order.StateActive)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "触发订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Reactivate 实现 order.Store 接口。
func (s *OrderStore) Reactivate(ctx context.Context, orderID string) error {
	const stmt = `UPDATE orders SET state = ?, triggered_at = 0, triggered_price = NULL WHERE order_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, order.StateActive, orderID, order.StateTriggered)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回退订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Execute 实现 order.Store 接口。
func (s *OrderStore) Execute(ctx context.Context, orderID, txID, outputAmount string, executedAt int64) error {
	const stmt = `UPDATE orders SET state = ?, executed_at = ?, execution_tx_id = ?, output_amount = ? WHERE order_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, order.StateExecuted, executedAt, txID, outputAmount, orderID, order.StateTriggered)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Fail 实现 order.Store 接口。
func (s *OrderStore) Fail(ctx context.Context, orderID, reason string) error {
	const stmt = `UPDATE orders SET state = ?, last_error = ? WHERE order_id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, order.StateFailed, reason, orderID, order.StateTriggered)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记订单失败失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Cancel 实现 order.Store 接口。
func (s *OrderStore) Cancel(ctx context.Context, orderID string) error {
	const stmt = `UPDATE orders SET state = ? WHERE order_id = ? AND state IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, order.StateCancelled, orderID,
		order.StatePending, order.StateActive, order.StateTriggered)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// Expire 实现 order.Store 接口。
func (s *OrderStore) Expire(ctx context.Context, orderID string) error {
	const stmt = `UPDATE orders SET state = ? WHERE order_id = ? AND state IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, order.StateExpired, orderID,
		order.StatePending, order.StateActive, order.StateTriggered)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "过期订单失败")
	}
	return s.explainNoRows(ctx, res, orderID)
}

// explainNoRows 在条件更新未命中任何行时区分原因。
func (s *OrderStore) explainNoRows(ctx context.Context, res sql.Result, orderID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, getErr := s.Get(ctx, orderID); getErr != nil {
		return getErr
	}
	return order.ErrStateChanged
}

// List 实现 order.Store 接口。
func (s *OrderStore) List(ctx context.Context, opts order.ListOptions) ([]*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`

	clauses := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if opts.UserDestination != "" {
		clauses = append(clauses, "user_destination = ?")
		args = append(args, opts.UserDestination)
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for idx, state := range opts.States {
			placeholders[idx] = "?"
			args = append(args, state)
		}
		clauses = append(clauses, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY created_at DESC, order_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryOrders(ctx, query, args...)
}

// ListActive 实现 order.Store 接口。
func (s *OrderStore) ListActive(ctx context.Context) ([]*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE state = ? ORDER BY order_id ASC`
	return s.queryOrders(ctx, query, order.StateActive)
}

// ListExpirable 实现 order.Store 接口。
func (s *OrderStore) ListExpirable(ctx context.Context, now int64) ([]*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
        WHERE expires_at > 0 AND expires_at <= ? AND state IN (?, ?, ?) ORDER BY order_id ASC`
	return s.queryOrders(ctx, query, now, order.StatePending, order.StateActive, order.StateTriggered)
}

// Close 实现 order.Store 接口。连接池由 Open 的调用方负责关闭。
func (s *OrderStore) Close() error { return nil }

func (s *OrderStore) queryOrders(ctx context.Context, query string, args ...any) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描订单失败")
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单列表失败")
	}
	return orders, nil
}

func scanOrder(scan func(dest ...any) error) (*order.Order, error) {
	var (
		o         order.Order
		triggered decimal.NullDecimal
		lastError sql.NullString
	)
	if err := scan(
		&o.OrderID,
		&o.Type,
		&o.Side,
		&o.PriceAsset,
		&o.QuoteAsset,
		&o.TriggerPrice,
		&o.Condition,
		&o.SourceChain,
		&o.SourceAsset,
		&o.Amount,
		&o.DestinationChain,
		&o.TargetAsset,
		&o.UserDestination,
		&o.AgentAddress,
		&o.AgentChain,
		&o.SlippageBps,
		&o.State,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.FundedAt,
		&o.FundingTxHash,
		&o.TriggeredAt,
		&o.ExecutedAt,
		&triggered,
		&o.ExecutionTxID,
		&o.OutputAmount,
		&lastError,
	); err != nil {
		return nil, err
	}
	if triggered.Valid {
		price := triggered.Decimal
		o.TriggeredPrice = &price
	}
	if lastError.Valid {
		o.Error = lastError.String
	}
	return &o, nil
}

var _ order.Store = (*OrderStore)(nil)
