package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"strings"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/order"
)

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateOrder(w, r)
	case http.MethodGet:
		s.handleListOrders(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleOrderSubtree 分发 /api/orders/ 下的子路径：
// 轮询器状态、手动巡检，以及单个订单的查询、注资与取消。
func (s *Server) handleOrderSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	switch rest {
	case "status/poller":
		s.handlePollerHealth(w, r)
		return
	case "status/check":
		s.handlePollerCheck(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	orderID := parts[0]
	if orderID == "" {
		http.Error(w, "缺少订单标识", http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		s.handleGetOrder(w, r, orderID)
		return
	}
	switch parts[1] {
	case "cancel":
		s.handleCancelOrder(w, r, orderID)
	case "fund":
		s.handleFundOrder(w, r, orderID)
	default:
		http.Error(w, "未知的订单操作", http.StatusNotFound)
	}
}

// createOrderResponse 在订单之上附带托管入金坐标，客户端按此打款。
type createOrderResponse struct {
	*order.Order
	CustodyAddress string `json:"custodyAddress"`
	CustodyChain   string `json:"custodyChain"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		http.Error(w, "订单引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	var req order.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.orders.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createOrderResponse{
		Order:          created,
		CustodyAddress: created.AgentAddress,
		CustodyChain:   created.AgentChain,
	})
}

type orderListResponse struct {
	Orders []*order.Order `json:"orders"`
	Count  int            `json:"count"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		http.Error(w, "订单引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := order.ListOptions{
		UserDestination: strings.TrimSpace(r.URL.Query().Get("userAddress")),
		Limit:           queryInt(r, "limit", 0),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := order.ParseState(raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "不支持的订单状态"))
			return
		}
		opts.States = []order.State{state}
	}
	orders, err := s.orders.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderListResponse{Orders: orders, Count: len(orders)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.orders == nil {
		http.Error(w, "订单引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	found, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orders == nil {
		http.Error(w, "订单引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	var req order.CancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cancelled, err := s.orders.Cancel(r.Context(), orderID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

type fundRequest struct {
	FundingTxHash string `json:"fundingTxHash"`
}

// handleFundOrder 上报入金。请求体可省略，此时只做状态推进不记录交易哈希。
func (s *Server) handleFundOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orders == nil {
		http.Error(w, "订单引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	var req fundRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	funded, err := s.orders.Fund(r.Context(), orderID, req.FundingTxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funded)
}

func (s *Server) handlePollerHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.poller == nil {
		http.Error(w, "价格轮询器未启用", http.StatusServiceUnavailable)
		return
	}
	health, err := s.poller.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handlePollerCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.poller == nil {
		http.Error(w, "价格轮询器未启用", http.StatusServiceUnavailable)
		return
	}
	result, err := s.poller.CheckNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeOptionalJSON 与 decodeJSON 相同，但允许请求体为空。
func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !stdErrors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
