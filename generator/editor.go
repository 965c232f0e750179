package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"sequence_doc_generator/sequence"
)

// Editor 按写作指引+前文摘要+检索资料一次性生成章节正文，不做质量评估循环。
// 普通模型失败不报错，而是返回占位失败文本，由人工在队列里发现并处理。
type Editor struct {
	llm    LLMClient
	logger *log.Logger
}

func NewEditor(llm LLMClient, logger *log.Logger) (*Editor, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Editor{llm: llm, logger: logger}, nil
}

func (e *Editor) Generate(ctx context.Context, title, howToWrite string, material sequence.RetrievedMaterial, contextSummary string) (sequence.Generation, error) {
	prompt := buildContentPrompt(title, howToWrite, contextSummary, material.Text)
	raw, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		e.logger.Printf("[editor] 内容生成失败: %v", err)
		return sequence.Generation{
			Content: fmt.Sprintf("[生成失败] %s章节内容生成时发生错误。", title),
		}, nil
	}
	content := cleanContent(raw)
	e.logger.Printf("[editor] 内容生成完成: %s, 字数: %d", title, utf8.RuneCountInString(content))
	return sequence.Generation{
		Content:   content,
		WordCount: utf8.RuneCountInString(content),
	}, nil
}

// cleanContent strips markdown markers the model sneaks in despite the
// plain-text instruction; heading lines keep their text.
func cleanContent(content string) string {
	content = strings.ReplaceAll(content, "**", "")
	content = strings.ReplaceAll(content, "__", "")

	lines := strings.Split(content, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			text := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
			if text != "" {
				cleaned = append(cleaned, text)
			}
			continue
		}
		cleaned = append(cleaned, line)
	}
	content = strings.Join(cleaned, "\n")

	content = strings.ReplaceAll(content, "*", "")
	content = strings.ReplaceAll(content, "_", "")
	return strings.TrimSpace(content)
}
