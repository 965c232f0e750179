package generator

import (
	"fmt"
	"strings"

	"sequence_doc_generator/sequence"
)

// 章节正文生成提示词。正文必须是纯文本段落，结构交给写作指引约束。
const contentGenerationTemplate = `你是一位专业的写作者，你的任务是：基于【写作指引】+【前文摘要】+【参考资料】撰写一个章节正文。

【章节标题】：%[1]s

【写作指引（重点参考）】：
%[2]s

【前文摘要】：
%[3]s

【核心参考资料】：
%[4]s

输出要求：
1) 只输出“章节正文”，不要输出任何额外说明（例如“以下是正文”）。
2) 语言风格与结构严格遵循【写作指引】。
3) 如引用关键事实/数据，尽量保留原文中的数值与表述，不要编造。
4）全文使用纯文本格式，绝不包含任何Markdown标记。
5）严禁输出任何形式的小节标题或编号（如一、%[1]s等），只写正文段落。`

// 章节Brief生成提示词，供后续章节衔接使用。
const briefTemplate = `你是一名专业的文档编审，需要为新完成的章节生成Brief摘要，用于保持文档整体连贯和帮助后续章节更好地衔接。

当前累积摘要:
%[1]s

新完成的章节:
标题: %[2]s
内容摘要: %[3]s

请基于当前文档进展和新章节内容，输出JSON（不要包含` + "```" + `）：
{
  "summary": "本章节的核心内容概述，总结主要观点和结论",
  "suggestions_for_next": "对后续章节的建议或需要衔接的重点",
  "word_count": %[4]d
}

要求：
1. summary: 简明扼要地总结本章节的核心内容（控制在150字以内）
2. suggestions_for_next: 基于本章节内容，为后续章节提供衔接建议（控制在100字以内）
3. word_count: 本章节的字数（直接使用提供的值）
4. 保持整体文档的连贯性和逻辑性`

// 整体进展摘要更新提示词。
const overallSummaryTemplate = `你是一名专业的文档编审，需要在新章节完成后更新文档的整体进展摘要。

当前整体摘要:
%[1]s

新完成的章节:
标题: %[2]s
章节摘要: %[3]s

请输出JSON（不要包含` + "```" + `）：
{
  "overall_summary": "更新后的整体进展摘要，覆盖到最新章节（控制在200字以内）"
}`

func buildContentPrompt(title, howToWrite, contextSummary string, text []sequence.RetrievedItem) Prompt {
	summary := contextSummary
	if summary == "" {
		summary = "本章是文档的第一章"
	}
	return Prompt{
		System: "严格按要求输出章节正文，不要任何额外说明。",
		User:   fmt.Sprintf(contentGenerationTemplate, title, howToWrite, summary, formatRetrievedText(text)),
	}
}

func buildBriefPrompt(contextSummary, title, excerpt string, wordCount int) Prompt {
	if contextSummary == "" {
		contextSummary = "文档开始"
	}
	return Prompt{
		System: "只输出JSON，不要任何解释。",
		User:   fmt.Sprintf(briefTemplate, contextSummary, title, excerpt, wordCount),
	}
}

func buildOverallPrompt(current, title, briefSummary string) Prompt {
	if current == "" {
		current = "文档开始"
	}
	return Prompt{
		System: "只输出JSON，不要任何解释。",
		User:   fmt.Sprintf(overallSummaryTemplate, current, title, briefSummary),
	}
}

func formatRetrievedText(items []sequence.RetrievedItem) string {
	var b strings.Builder
	n := 0
	for _, item := range items {
		if item.Content == "" {
			continue
		}
		n++
		source := item.Source
		if source == "" {
			source = "未知来源"
		}
		fmt.Fprintf(&b, "[资料%d - %s]\n%s\n\n", n, source, item.Content)
	}
	if n == 0 {
		return "暂无参考资料"
	}
	return strings.TrimRight(b.String(), "\n")
}
