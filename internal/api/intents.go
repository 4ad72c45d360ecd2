package api

import (
	"net/http"
	"strings"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/intent"
)

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitIntent(w, r)
	case http.MethodGet:
		s.handleListIntents(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitIntent 接收跨链意图并异步入队，成功时返回 202 与初始状态。
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	if s.intents == nil {
		http.Error(w, "意图服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var in intent.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.intents.Submit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

type intentListResponse struct {
	Intents []*intent.StatusRecord `json:"intents"`
	Count   int                    `json:"count"`
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	if s.intents == nil {
		http.Error(w, "意图服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := []intent.ListOption{intent.WithLimit(queryInt(r, "limit", 20))}
	if states, err := parseIntentStates(r.URL.Query()["state"]); err != nil {
		writeError(w, err)
		return
	} else if len(states) > 0 {
		opts = append(opts, intent.WithStates(states...))
	}
	records, err := s.intents.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentListResponse{Intents: records, Count: len(records)})
}

func (s *Server) handleIntentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.intents == nil {
		http.Error(w, "意图服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.intents.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleIntentStatus 查询单个意图的处理状态。
func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.intents == nil {
		http.Error(w, "意图服务未初始化", http.StatusServiceUnavailable)
		return
	}
	intentID := strings.TrimPrefix(r.URL.Path, "/api/status/")
	if intentID == "" || strings.Contains(intentID, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少意图标识"))
		return
	}
	record, err := s.intents.Get(r.Context(), intentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// parseIntentStates 解析查询参数里的状态过滤，支持逗号分隔与重复参数。
func parseIntentStates(raw []string) ([]intent.State, error) {
	var states []intent.State
	for _, chunk := range raw {
		for _, item := range strings.Split(chunk, ",") {
			item = strings.ToLower(strings.TrimSpace(item))
			if item == "" {
				continue
			}
			state := intent.State(item)
			if !intent.IsValidState(state) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的意图状态: "+item)
			}
			states = append(states, state)
		}
	}
	return states, nil
}
