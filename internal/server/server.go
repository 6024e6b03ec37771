package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"hyperagent/internal/config"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/store"
	"hyperagent/internal/workflow"
)

// Runner 抽象工作流入口。
type Runner interface {
	Run(ctx context.Context, prompt string) (workflow.Result, error)
}

// Exchange 抽象杠杆直通接口所需的交易所能力。
type Exchange interface {
	Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error)
	NewSession() *hyperliquid.Session
	UpdateLeverage(ctx context.Context, session *hyperliquid.Session, symbol string, leverage int) (string, error)
}

// History 抽象运行历史的读写，缺省可为 nil（不持久化）。
type History interface {
	RecordRun(ctx context.Context, prompt string, success bool, summary string, actions, errs interface{}) error
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Server 暴露 HTTP 前门：健康检查、自然语言指令入口与杠杆直通接口。
type Server struct {
	cfg      config.ServerConfig
	runner   Runner
	exchange Exchange
	history  History
	logger   *zap.Logger
}

// New 创建 HTTP 服务。history 可以为 nil。
func New(cfg config.ServerConfig, runner Runner, exchange Exchange, history History, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		exchange: exchange,
		history:  history,
		logger:   logger,
	}
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/prompt", s.handlePrompt)
		r.Post("/update_leverage", s.handleUpdateLeverage)
		r.Get("/runs", s.handleListRuns)
	})

	return r
}

// ListenAndServe 启动服务并在 ctx 取消时优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownTimeout := s.cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authenticate 校验 Bearer 令牌。未配置令牌时放行（本地开发）。
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"message": "未授权",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type actionView struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

type promptResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Actions []actionView `json:"actions"`
	Errors  []string     `json:"errors,omitempty"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, promptResponse{Message: "请求体不是合法 JSON"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, promptResponse{Message: "prompt 不能为空"})
		return
	}

	result, err := s.runner.Run(r.Context(), req.Prompt)
	if err != nil {
		s.logger.Error("工作流执行失败", zap.Error(err))
	}

	resp := promptResponse{
		Success: result.Success,
		Message: result.Summary,
		Actions: make([]actionView, 0, len(result.Actions)),
		Errors:  result.Errors,
	}
	for _, outcome := range result.Actions {
		resp.Actions = append(resp.Actions, actionView{
			Tool:    outcome.Key.String(),
			Success: outcome.Success,
			Detail:  outcome.Message,
			Error:   outcome.Err,
		})
	}

	s.recordRun(r.Context(), req.Prompt, result)

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) recordRun(ctx context.Context, prompt string, result workflow.Result) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordRun(ctx, prompt, result.Success, result.Summary, result.Actions, result.Errors); err != nil {
		s.logger.Warn("持久化运行记录失败", zap.Error(err))
	}
}

type leverageRequest struct {
	AssetID  int `json:"assetId"`
	Leverage int `json:"leverage"`
}

func (s *Server) handleUpdateLeverage(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "请求体不是合法 JSON",
		})
		return
	}
	if req.Leverage < 1 || req.Leverage > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "leverage 必须位于 [1,100]",
		})
		return
	}

	instruments, err := s.exchange.Instruments(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "加载合约元数据失败: " + err.Error(),
		})
		return
	}

	var target *hyperliquid.Instrument
	for _, inst := range instruments {
		if inst.AssetID == req.AssetID {
			found := inst
			target = &found
			break
		}
	}
	if target == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": "未找到 assetId 对应的合约: " + strconv.Itoa(req.AssetID),
		})
		return
	}
	if target.MaxLeverage > 0 && req.Leverage > target.MaxLeverage {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "杠杆超过合约上限 " + strconv.Itoa(target.MaxLeverage) + "x",
		})
		return
	}

	session := s.exchange.NewSession()
	response, err := s.exchange.UpdateLeverage(r.Context(), session, target.Symbol, req.Leverage)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "调整杠杆失败: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  target.Base + " 杠杆已调整为 " + strconv.Itoa(req.Leverage) + "x",
		"response": response,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []store.Run{})
		return
	}

	limit := 50
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 500 {
				v = 500
			}
			limit = v
		}
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "查询运行记录失败: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
