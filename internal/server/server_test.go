package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hyperagent/internal/config"
	"hyperagent/internal/hyperliquid"
	"hyperagent/internal/pipeline"
	"hyperagent/internal/store"
	"hyperagent/internal/workflow"
)

type stubRunner struct {
	result workflow.Result
	err    error
	prompt string
}

func (s *stubRunner) Run(ctx context.Context, prompt string) (workflow.Result, error) {
	s.prompt = prompt
	return s.result, s.err
}

type stubExchange struct {
	instruments map[string]hyperliquid.Instrument
	leverage    int
	symbol      string
	updateErr   error
}

func (s *stubExchange) Instruments(ctx context.Context) (map[string]hyperliquid.Instrument, error) {
	return s.instruments, nil
}

func (s *stubExchange) NewSession() *hyperliquid.Session { return nil }

func (s *stubExchange) UpdateLeverage(ctx context.Context, session *hyperliquid.Session, symbol string, leverage int) (string, error) {
	if s.updateErr != nil {
		return "", s.updateErr
	}
	s.symbol = symbol
	s.leverage = leverage
	return "ok", nil
}

type stubHistory struct {
	recorded int
	runs     []store.Run
}

func (s *stubHistory) RecordRun(ctx context.Context, prompt string, success bool, summary string, actions, errs interface{}) error {
	s.recorded++
	return nil
}

func (s *stubHistory) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func newTestServer(runner Runner, exchange Exchange, history History, token string) *Server {
	return New(config.ServerConfig{
		Addr:      ":0",
		AuthToken: token,
	}, runner, exchange, history, nil)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&stubRunner{}, &stubExchange{}, nil, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// 健康检查不要求令牌。
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestPrompt_RequiresBearerToken(t *testing.T) {
	srv := newTestServer(&stubRunner{}, &stubExchange{}, nil, "secret")
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/prompt", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/prompt", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestPrompt_RunsWorkflow(t *testing.T) {
	key := pipeline.Key{Stage: pipeline.StageOrders, Instrument: "BTC", Seq: 0}
	runner := &stubRunner{result: workflow.Result{
		Success: true,
		Summary: "已买入",
		Actions: []pipeline.Outcome{{Key: key, Success: true, Message: "市价买入 BTC"}},
	}}
	history := &stubHistory{}
	srv := newTestServer(runner, &stubExchange{}, history, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/prompt", strings.NewReader(`{"prompt":"市价买入BTC"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.prompt != "市价买入BTC" {
		t.Errorf("prompt not forwarded: %q", runner.prompt)
	}

	var resp promptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if !resp.Success || resp.Message != "已买入" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Tool != "orders/BTC#0" {
		t.Errorf("unexpected actions: %+v", resp.Actions)
	}
	if history.recorded != 1 {
		t.Errorf("expected run to be persisted, got %d records", history.recorded)
	}
}

func TestPrompt_RejectsEmptyPrompt(t *testing.T) {
	srv := newTestServer(&stubRunner{}, &stubExchange{}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/prompt", strings.NewReader(`{"prompt":"  "}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPrompt_FatalWorkflowReturns500(t *testing.T) {
	runner := &stubRunner{
		result: workflow.Result{Success: false, Summary: "流程无法继续"},
		err:    errors.New("metadata unavailable"),
	}
	srv := newTestServer(runner, &stubExchange{}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/prompt", strings.NewReader(`{"prompt":"买BTC"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestUpdateLeverage_ResolvesAssetID(t *testing.T) {
	exchange := &stubExchange{
		instruments: map[string]hyperliquid.Instrument{
			"BTC": {Symbol: "BTC/USDC:USDC", Base: "BTC", AssetID: 0, MaxLeverage: 50},
			"ETH": {Symbol: "ETH/USDC:USDC", Base: "ETH", AssetID: 1, MaxLeverage: 25},
		},
	}
	srv := newTestServer(&stubRunner{}, exchange, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/update_leverage", strings.NewReader(`{"assetId":1,"leverage":10}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if exchange.symbol != "ETH/USDC:USDC" || exchange.leverage != 10 {
		t.Errorf("leverage not applied to resolved symbol: %s %d", exchange.symbol, exchange.leverage)
	}
}

func TestUpdateLeverage_UnknownAssetID(t *testing.T) {
	srv := newTestServer(&stubRunner{}, &stubExchange{
		instruments: map[string]hyperliquid.Instrument{
			"BTC": {Symbol: "BTC/USDC:USDC", Base: "BTC", AssetID: 0},
		},
	}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/update_leverage", strings.NewReader(`{"assetId":99,"leverage":10}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateLeverage_RejectsOverLimit(t *testing.T) {
	srv := newTestServer(&stubRunner{}, &stubExchange{
		instruments: map[string]hyperliquid.Instrument{
			"ETH": {Symbol: "ETH/USDC:USDC", Base: "ETH", AssetID: 1, MaxLeverage: 25},
		},
	}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/update_leverage", strings.NewReader(`{"assetId":1,"leverage":50}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListRuns(t *testing.T) {
	history := &stubHistory{runs: []store.Run{{ID: 1, Prompt: "p"}}}
	srv := newTestServer(&stubRunner{}, &stubExchange{}, history, "")

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []store.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(runs) != 1 || runs[0].Prompt != "p" {
		t.Errorf("unexpected runs: %+v", runs)
	}
}
