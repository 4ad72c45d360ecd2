package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/permission"
)

// handlePermissionSubtree 分发 /api/permission/ 下的子路径。
// 保留字 active/register/operation/wallet 之外的剩余路径一律当作
// 派生路径查询，因此派生路径自身可以包含斜杠。
func (s *Server) handlePermissionSubtree(w http.ResponseWriter, r *http.Request) {
	if s.permissions == nil {
		http.Error(w, "权限服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/permission/")
	switch {
	case rest == "active":
		s.handleActiveOperations(w, r)
	case rest == "register":
		s.handleRegisterWallet(w, r)
	case rest == "operation":
		s.handleOperation(w, r)
	case rest == "operation/consume":
		s.handleConsumeOperation(w, r)
	case strings.HasPrefix(rest, "wallet/"):
		s.handleWalletLookup(w, r, strings.TrimPrefix(rest, "wallet/"))
	case rest != "":
		s.handleGetRecord(w, r, rest)
	default:
		http.Error(w, "缺少派生路径", http.StatusNotFound)
	}
}

type activeOperationsResponse struct {
	Operations []permission.Operation `json:"operations"`
	Count      int                    `json:"count"`
}

func (s *Server) handleActiveOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	from := queryInt(r, "from", 0)
	limit := queryInt(r, "limit", 0)
	ops, err := s.permissions.ListActive(r.Context(), from, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activeOperationsResponse{Operations: ops, Count: len(ops)})
}

// handleRegisterWallet 绑定所有者钱包，返回更新后的权限记录。
func (s *Server) handleRegisterWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req permission.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.permissions.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAddOperation(w, r)
	case http.MethodDelete:
		s.handleRemoveOperation(w, r)
	default:
		http.Error(w, "仅支持 POST/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAddOperation(w http.ResponseWriter, r *http.Request) {
	var req permission.OperationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	op, err := s.permissions.AddOperation(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleRemoveOperation(w http.ResponseWriter, r *http.Request) {
	var req permission.RemoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.permissions.RemoveOperation(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type consumeRequest struct {
	DerivationPath string `json:"derivationPath"`
	OperationID    string `json:"operationId"`
	Price          string `json:"price,omitempty"`
	ObservedAt     int64  `json:"observedAt,omitempty"`
}

// handleConsumeOperation 供执行代理消费预授权操作。条件类操作必须
// 附带 price 与 observedAt 构成的价格证据。
func (s *Server) handleConsumeOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var evidence *permission.PriceEvidence
	if strings.TrimSpace(req.Price) != "" {
		price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "价格证据不是合法数字"))
			return
		}
		observedAt := time.Now()
		if req.ObservedAt > 0 {
			observedAt = time.Unix(req.ObservedAt, 0)
		}
		evidence = &permission.PriceEvidence{Price: price, ObservedAt: observedAt}
	}
	op, err := s.permissions.Consume(r.Context(), req.DerivationPath, req.OperationID, evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, derivationPath string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.permissions.Get(r.Context(), derivationPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type walletLookupResponse struct {
	ChainAddress   string `json:"chainAddress"`
	DerivationPath string `json:"derivationPath"`
}

// handleWalletLookup 通过链上地址反查派生路径。
func (s *Server) handleWalletLookup(w http.ResponseWriter, r *http.Request, chainAddress string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if chainAddress == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少链上地址"))
		return
	}
	path, err := s.permissions.PathForWallet(r.Context(), chainAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletLookupResponse{ChainAddress: chainAddress, DerivationPath: path})
}
