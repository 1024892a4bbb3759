package pipeline

import (
	"errors"
	"regexp"
	"strings"
)

// 段落之间的分隔符，同时用于拼接注入的重叠词尾。
const paragraphSep = "\n\n"

var blankLine = regexp.MustCompile(`\n\s*\n`)

// ErrInvalidChunking 表示重叠不小于块大小，滑动窗口无法前进。
var ErrInvalidChunking = errors.New("chunk overlap must be smaller than chunk size")

// ChunkOptions 控制文本分块行为。
type ChunkOptions struct {
	ChunkSize          int
	ChunkOverlap       int
	PreserveParagraphs bool
}

// DefaultChunkOptions 返回默认分块参数。
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:          500,
		ChunkOverlap:       100,
		PreserveParagraphs: true,
	}
}

// ChunkText 将文本切分为有界、带重叠的块，顺序与原文一致。
//
// 段落保持模式按空行切段，段落永不被拆开；当再追加一个段落（连同
// 预留的重叠空间）会超出 ChunkSize 时闭合当前块，并把上一块的词尾
// 作为下一块的开头，保证跨块语境连续。重叠词数按 ChunkOverlap/7
// 估算（平均词长启发式），至少一个词。单个超长段落独占一块。
//
// 非保持模式退化为按字符的滑动窗口，步长 ChunkSize-ChunkOverlap。
func ChunkText(text string, opts ChunkOptions) ([]string, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkOptions().ChunkSize
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		return nil, ErrInvalidChunking
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	if opts.PreserveParagraphs {
		return chunkByParagraph(text, opts), nil
	}
	return chunkBySlidingWindow(text, opts), nil
}

func chunkByParagraph(text string, opts ChunkOptions) []string {
	var paragraphs []string
	for _, p := range blankLine.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var chunks []string
	cur := ""
	for _, para := range paragraphs {
		if cur == "" {
			cur = para
			continue
		}
		// 预留重叠空间，使注入词尾后的块仍接近 ChunkSize
		if len(cur)+len(paragraphSep)+len(para)+opts.ChunkOverlap > opts.ChunkSize {
			chunks = append(chunks, cur)
			if seed := overlapTail(cur, opts.ChunkOverlap); seed != "" {
				cur = seed + paragraphSep + para
			} else {
				cur = para
			}
		} else {
			cur = cur + paragraphSep + para
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// overlapTail 取一个块末尾的若干个词作为下一块的种子。
func overlapTail(chunk string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	n := overlap / 7
	if n < 1 {
		n = 1
	}
	words := strings.Fields(chunk)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

// chunkBySlidingWindow 按 rune 切分，避免截断多字节字符。
func chunkBySlidingWindow(text string, opts ChunkOptions) []string {
	runes := []rune(text)
	advance := opts.ChunkSize - opts.ChunkOverlap

	var chunks []string
	for start := 0; start < len(runes); start += advance {
		end := start + opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
