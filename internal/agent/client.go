package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"hyperagent/internal/config"
)

// ErrInterpretation 表示模型返回了无法解析或校验失败的结构化输出。
// 该类错误只影响对应分析阶段，兄弟阶段不受影响。
var ErrInterpretation = errors.New("agent: 模型输出解析失败")

// Client 封装 OpenAI 调用，把自由文本指令解释为各阶段的结构化意图。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建解释器客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("OpenAI 返回结果为空")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 返回内容为空")
	}
	return content, nil
}

type validator interface {
	Validate() error
}

func (c *Client) interpret(ctx context.Context, stage string, prompt string, out interface{}) error {
	content, err := c.complete(ctx, prompt)
	if err != nil {
		return err
	}

	payload, err := extractJSON(content)
	if err != nil {
		c.logger.Error("模型输出不含有效JSON",
			zap.String("stage", stage),
			zap.String("raw_content", content),
		)
		return fmt.Errorf("%w: %v", ErrInterpretation, err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: 解析%s结果失败: %v", ErrInterpretation, stage, err)
	}

	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s校验失败: %v", ErrInterpretation, stage, err)
		}
	}

	return nil
}

// IdentifySymbols 识别指令中涉及的合约符号。
func (c *Client) IdentifySymbols(ctx context.Context, pc PromptContext) (SymbolAnalysis, error) {
	prompt, err := renderPrompt(symbolTmpl, pc)
	if err != nil {
		return SymbolAnalysis{}, err
	}
	var analysis SymbolAnalysis
	if err := c.interpret(ctx, "符号识别", prompt, &analysis); err != nil {
		return SymbolAnalysis{}, err
	}
	return analysis, nil
}

// AnalyzeOrders 提取普通委托意图。
func (c *Client) AnalyzeOrders(ctx context.Context, pc PromptContext) (OrderAnalysis, error) {
	prompt, err := renderPrompt(orderTmpl, pc)
	if err != nil {
		return OrderAnalysis{}, err
	}
	var analysis OrderAnalysis
	if err := c.interpret(ctx, "普通委托分析", prompt, &analysis); err != nil {
		return OrderAnalysis{}, err
	}
	return analysis, nil
}

// AnalyzeTriggers 提取止盈/止损触发单意图。
func (c *Client) AnalyzeTriggers(ctx context.Context, pc PromptContext) (TriggerAnalysis, error) {
	prompt, err := renderPrompt(triggerTmpl, pc)
	if err != nil {
		return TriggerAnalysis{}, err
	}
	var analysis TriggerAnalysis
	if err := c.interpret(ctx, "止盈止损分析", prompt, &analysis); err != nil {
		return TriggerAnalysis{}, err
	}
	return analysis, nil
}

// AnalyzeLeverage 提取杠杆调整意图。
func (c *Client) AnalyzeLeverage(ctx context.Context, pc PromptContext) (LeverageAnalysis, error) {
	prompt, err := renderPrompt(leverageTmpl, pc)
	if err != nil {
		return LeverageAnalysis{}, err
	}
	var analysis LeverageAnalysis
	if err := c.interpret(ctx, "杠杆分析", prompt, &analysis); err != nil {
		return LeverageAnalysis{}, err
	}
	return analysis, nil
}

// AnalyzeCancellations 提取撤单意图。
func (c *Client) AnalyzeCancellations(ctx context.Context, pc PromptContext) (CancelAnalysis, error) {
	prompt, err := renderPrompt(cancelTmpl, pc)
	if err != nil {
		return CancelAnalysis{}, err
	}
	var analysis CancelAnalysis
	if err := c.interpret(ctx, "撤单分析", prompt, &analysis); err != nil {
		return CancelAnalysis{}, err
	}
	return analysis, nil
}

// Summarize 根据各阶段结果生成面向用户的执行汇报。
func (c *Client) Summarize(ctx context.Context, pc PromptContext) (string, error) {
	prompt, err := renderPrompt(summaryTmpl, pc)
	if err != nil {
		return "", err
	}
	return c.complete(ctx, prompt)
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
