package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"sequence_doc_generator/sequence"
)

const maxRAGResponseBytes = 10 << 20

// RAGOptions configures the document-search service client.
type RAGOptions struct {
	BaseURL string
	TopK    int
	Timeout time.Duration
}

// RAGRetriever 调用远程RAG服务为章节检索资料。按约定它从不失败：
// 任何传输或解析问题都返回空结果，由runner的资料充足性判断接手。
type RAGRetriever struct {
	opts   RAGOptions
	client *http.Client
	logger *log.Logger
}

func NewRAGRetriever(opts RAGOptions, client *http.Client, logger *log.Logger) *RAGRetriever {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RAGRetriever{opts: opts, client: client, logger: logger}
}

func (r *RAGRetriever) Retrieve(ctx context.Context, title, howToWrite, contextSummary, projectName string) sequence.RetrievedMaterial {
	if r.opts.BaseURL == "" {
		r.logger.Printf("[retriever] RAG服务未配置, 返回空结果: %s", title)
		return sequence.RetrievedMaterial{}
	}

	query := buildQuery(title, howToWrite, contextSummary)
	payload, err := json.Marshal(map[string]any{
		"query_text":   query,
		"project_name": projectName,
		"top_k":        r.opts.TopK,
		"content_type": "all",
	})
	if err != nil {
		return sequence.RetrievedMaterial{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+"/document_search", bytes.NewReader(payload))
	if err != nil {
		r.logger.Printf("[retriever] 构造RAG请求失败: %v", err)
		return sequence.RetrievedMaterial{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Printf("[retriever] RAG检索失败: %v", err)
		return sequence.RetrievedMaterial{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Printf("[retriever] RAG检索返回 %d: %s", resp.StatusCode, title)
		return sequence.RetrievedMaterial{}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRAGResponseBytes))
	if err != nil {
		r.logger.Printf("[retriever] 读取RAG响应失败: %v", err)
		return sequence.RetrievedMaterial{}
	}

	material := parseRAGResults(body, r.logger)
	r.logger.Printf("[retriever] 检索完成: 文本=%d, 图片=%d, 表格=%d",
		len(material.Text), len(material.Images), len(material.Tables))
	return material
}

// buildQuery folds the bounded context summary into the search text so the
// retrieval stays consistent with what was already written.
func buildQuery(title, howToWrite, contextSummary string) string {
	query := title + ": " + howToWrite
	if contextSummary != "" {
		query = "[前文摘要: " + truncateRunes(contextSummary, 200) + "] " + query
	}
	return query
}

func parseRAGResults(body []byte, logger *log.Logger) sequence.RetrievedMaterial {
	results := gjson.GetBytes(body, "data.results")
	if !results.Exists() || !results.IsArray() {
		logger.Printf("[retriever] RAG结果中没有找到 results 字段")
		return sequence.RetrievedMaterial{}
	}

	var material sequence.RetrievedMaterial
	idx := 0
	results.ForEach(func(_, item gjson.Result) bool {
		idx++
		page := int(item.Get("page_number").Int())
		if page == 0 {
			page = idx
		}
		source := item.Get("source").String()
		if source == "" {
			source = fmt.Sprintf("文档第%d页", page)
		}

		if content := item.Get("content").String(); content != "" {
			material.Text = append(material.Text, sequence.RetrievedItem{
				Content:    content,
				Source:     source,
				PageNumber: page,
				Relevance:  item.Get("similarity").Float(),
			})
		}
		item.Get("images").ForEach(func(_, img gjson.Result) bool {
			if asset, ok := parseAsset(img, source, page); ok {
				material.Images = append(material.Images, asset)
			}
			return true
		})
		item.Get("tables").ForEach(func(_, tbl gjson.Result) bool {
			if asset, ok := parseAsset(tbl, source, page); ok {
				material.Tables = append(material.Tables, asset)
			}
			return true
		})
		return true
	})
	return material
}

// parseAsset accepts both bare-path strings and {path|url, caption} objects.
func parseAsset(v gjson.Result, source string, page int) (sequence.RetrievedAsset, bool) {
	asset := sequence.RetrievedAsset{PageNumber: page, Caption: "来自" + source}
	switch v.Type {
	case gjson.String:
		asset.Path = v.String()
	case gjson.JSON:
		asset.Path = v.Get("path").String()
		if asset.Path == "" {
			asset.Path = v.Get("url").String()
		}
		if caption := v.Get("caption").String(); caption != "" {
			asset.Caption = caption
		}
	}
	if asset.Path == "" {
		return sequence.RetrievedAsset{}, false
	}
	return asset, true
}
