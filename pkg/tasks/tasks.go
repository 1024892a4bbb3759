// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask represents one document ingestion job.
// Text 非空时内容直接随任务传递（文本接入）；否则由消费端从对象存储
// 取回 ObjectName 指向的原始文件并经 Tika 提取。
type IngestTask struct {
	SourceID    string `json:"source_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SourceTag   string `json:"source_tag"`
	ObjectName  string `json:"object_name"`
	FileName    string `json:"file_name"`
	Text        string `json:"text,omitempty"`
}
