package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextEmptyInput(t *testing.T) {
	for _, input := range []string{"", "   ", "\n\n\n"} {
		chunks, err := ChunkText(input, DefaultChunkOptions())
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestChunkTextRejectsOverlapNotSmallerThanSize(t *testing.T) {
	tests := []struct {
		name string
		opts ChunkOptions
	}{
		{"overlap equals size", ChunkOptions{ChunkSize: 100, ChunkOverlap: 100}},
		{"overlap exceeds size", ChunkOptions{ChunkSize: 100, ChunkOverlap: 150}},
		{"sliding window overlap equals size", ChunkOptions{ChunkSize: 50, ChunkOverlap: 50, PreserveParagraphs: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ChunkText("some text long enough to matter", tt.opts)
			assert.ErrorIs(t, err, ErrInvalidChunking)
		})
	}
}

func TestChunkTextParagraphOverlapSeed(t *testing.T) {
	chunks, err := ChunkText("Para A.\n\nPara B.", ChunkOptions{
		ChunkSize:          20,
		ChunkOverlap:       5,
		PreserveParagraphs: true,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Para A.", chunks[0])
	// 第二块以第一块的重叠词尾开头
	tail := overlapTail(chunks[0], 5)
	require.NotEmpty(t, tail)
	assert.True(t, strings.HasPrefix(chunks[1], tail),
		"second chunk %q should start with overlap tail %q", chunks[1], tail)
	assert.Contains(t, chunks[1], "Para B.")
}

func TestChunkTextParagraphsNeverSplit(t *testing.T) {
	paragraphs := []string{
		"First paragraph with a handful of words in it.",
		"Second paragraph, also short.",
		"Third paragraph closes the document.",
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks, err := ChunkText(text, ChunkOptions{
		ChunkSize:          60,
		ChunkOverlap:       14,
		PreserveParagraphs: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// 每个原始段落必须完整出现在某一个块中
	joined := strings.Join(chunks, "\n\n")
	for _, p := range paragraphs {
		assert.Contains(t, joined, p)
	}
}

func TestChunkTextReconstructsParagraphSequence(t *testing.T) {
	paragraphs := []string{
		"Alpha block of text that fills some room.",
		"Beta block of text, slightly different.",
		"Gamma block of text to force another chunk.",
		"Delta block of text at the end.",
	}
	text := strings.Join(paragraphs, "\n\n")

	opts := ChunkOptions{ChunkSize: 70, ChunkOverlap: 14, PreserveParagraphs: true}
	chunks, err := ChunkText(text, opts)
	require.NoError(t, err)
	require.True(t, len(chunks) > 1, "expected the input to split")

	// 去掉注入的重叠词尾后，按顺序拼接应还原全部段落
	var rebuilt []string
	for i, c := range chunks {
		if i > 0 {
			seed := overlapTail(chunks[i-1], opts.ChunkOverlap)
			if seed != "" && strings.HasPrefix(c, seed+paragraphSep) {
				c = strings.TrimPrefix(c, seed+paragraphSep)
			}
		}
		rebuilt = append(rebuilt, strings.Split(c, paragraphSep)...)
	}
	assert.Equal(t, paragraphs, rebuilt)
}

func TestChunkTextOversizedParagraphKeptWhole(t *testing.T) {
	big := strings.Repeat("word ", 40) + "tail."
	text := "Small intro.\n\n" + big + "\n\nSmall outro."

	chunks, err := ChunkText(text, ChunkOptions{ChunkSize: 50, ChunkOverlap: 7, PreserveParagraphs: true})
	require.NoError(t, err)

	found := false
	for _, c := range chunks {
		if strings.Contains(c, big) {
			found = true
		}
	}
	assert.True(t, found, "oversized paragraph must land in a single chunk unsplit")
}

func TestChunkTextSlidingWindow(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10) // 100 chars, no paragraph breaks

	chunks, err := ChunkText(text, ChunkOptions{ChunkSize: 40, ChunkOverlap: 10, PreserveParagraphs: false})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// 步长 30：相邻块共享 10 个字符
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		overlap := prev[len(prev)-10:]
		assert.True(t, strings.HasPrefix(chunks[i], overlap))
	}

	// 所有字符无丢失：去重叠拼接还原原文
	rebuilt := chunks[0]
	for i := 1; i < len(chunks); i++ {
		rebuilt += chunks[i][10:]
	}
	assert.Equal(t, text, rebuilt)
}

func TestChunkTextSlidingWindowMultibyte(t *testing.T) {
	text := strings.Repeat("中文字符测试", 20)

	chunks, err := ChunkText(text, ChunkOptions{ChunkSize: 25, ChunkOverlap: 5, PreserveParagraphs: false})
	require.NoError(t, err)

	for _, c := range chunks {
		assert.True(t, strings.ToValidUTF8(c, "?") == c, "chunk must not cut a rune in half")
	}
}

func TestChunkTextDefaultsApplied(t *testing.T) {
	opts := DefaultChunkOptions()
	assert.Equal(t, 500, opts.ChunkSize)
	assert.Equal(t, 100, opts.ChunkOverlap)
	assert.True(t, opts.PreserveParagraphs)

	// 单段短文本，默认配置下单块返回
	chunks, err := ChunkText("just one short paragraph", opts)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "just one short paragraph", chunks[0])
}
