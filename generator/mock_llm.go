package generator

import (
	"context"
	"strings"
)

// MockLLM 一个占位实现，便于不接外部模型的本地调试。
// 对JSON类提示词返回固定Brief，其余返回拼接的正文段落。
type MockLLM struct{}

func (m MockLLM) Complete(_ context.Context, prompt Prompt) (string, error) {
	if strings.Contains(prompt.User, "输出JSON") {
		return `{"summary": "本章概述了既定主题的核心内容。", "suggestions_for_next": "下一章延续当前论述的重点。", "overall_summary": "文档按计划推进。"}`, nil
	}
	var sb strings.Builder
	sb.WriteString("这里是一段自动生成的章节正文，概述本章要点。\n\n")
	sb.WriteString("根据写作指引生成的内容：\n")
	if i := strings.Index(prompt.User, "【写作指引"); i >= 0 {
		sb.WriteString(truncateRunes(prompt.User[i:], 200))
	}
	return sb.String(), nil
}
