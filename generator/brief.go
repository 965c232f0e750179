package generator

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sequence_doc_generator/sequence"
)

// BriefGenerator 为已完成章节生成结构化Brief，并负责整体进展摘要的刷新。
// Brief永不失败：模型输出不可用时退回到内置的fallback摘要。
type BriefGenerator struct {
	llm    LLMClient
	logger *log.Logger
}

func NewBriefGenerator(llm LLMClient, logger *log.Logger) (*BriefGenerator, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BriefGenerator{llm: llm, logger: logger}, nil
}

func (g *BriefGenerator) Brief(ctx context.Context, title, content, contextSummary string) sequence.Brief {
	excerpt := truncateRunes(strings.TrimSpace(content), 500)
	wordCount := len([]rune(content))

	raw, err := g.llm.Complete(ctx, buildBriefPrompt(contextSummary, title, excerpt, wordCount))
	if err != nil {
		g.logger.Printf("[brief] Brief生成失败, 使用fallback: %v", err)
		return g.fallbackBrief(title, content)
	}
	payload := extractJSON(raw)
	summary := gjson.Get(payload, "summary").String()
	if summary == "" {
		g.logger.Printf("[brief] 模型输出缺少summary, 使用fallback")
		return g.fallbackBrief(title, content)
	}
	return sequence.Brief{
		Summary:            summary,
		SuggestionsForNext: gjson.Get(payload, "suggestions_for_next").String(),
		WordCount:          wordCount,
		GeneratedAt:        nowUTC(),
	}
}

func (g *BriefGenerator) OverallSummary(ctx context.Context, current, title, briefSummary string) (string, error) {
	raw, err := g.llm.Complete(ctx, buildOverallPrompt(current, title, briefSummary))
	if err != nil {
		return "", err
	}
	overall := gjson.Get(extractJSON(raw), "overall_summary").String()
	if overall == "" {
		return "", errors.New("模型未返回overall_summary")
	}
	return overall, nil
}

func (g *BriefGenerator) fallbackBrief(title, content string) sequence.Brief {
	snippet := truncateRunes(strings.TrimSpace(content), 140)
	if snippet != strings.TrimSpace(content) {
		snippet += "..."
	}
	return sequence.Brief{
		Summary:            title + " - " + snippet,
		SuggestionsForNext: "延续当前章节的重点，确保上下文衔接。",
		WordCount:          len([]rune(content)),
		GeneratedAt:        nowUTC(),
	}
}

// extractJSON pulls the outermost JSON object out of a model reply that may
// be wrapped in code fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
