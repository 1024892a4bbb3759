package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// State 表示一次流式解码的生命周期阶段。
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// EventType 标识解码器产出的事件类型。
type EventType int

const (
	EventText EventType = iota
	EventDone
	EventError
)

// Event 是一个完整帧解码后的产物。Text 事件携带本帧新增的文本。
type Event struct {
	Type EventType
	Text string
}

// ErrDecoderTerminal 表示解码器已处于终态，不再接受输入。
var ErrDecoderTerminal = errors.New("stream decoder is in a terminal state")

const doneSentinel = "[DONE]"

// StreamDecoder 将生成服务的流式字节解码为文本增量。
//
// 线上格式为 SSE 风格：帧之间以空行分隔，每帧形如
//
//	data: {"text": "..."}
//	data: {"error": "..."}
//	data: [DONE]
//
// 网络读取可能在任意字节处切断一帧，未完成的帧（包括被切断的
// UTF-8 多字节序列）保留在缓冲区中等待后续输入，不丢失也不重复。
// 状态机为 Idle → Streaming → {Done | Errored}，终态拒绝继续喂入。
type StreamDecoder struct {
	buf   []byte
	text  strings.Builder
	state State
	err   error
}

// NewStreamDecoder 创建一个处于 Idle 状态的解码器。
// 解码器只服务一次流式响应，新的请求需要新的解码器。
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{state: StateIdle}
}

// State 返回当前状态。
func (d *StreamDecoder) State() State {
	return d.state
}

// Text 返回到目前为止累积的完整文本。增量只会追加，调用方观察到的
// 永远是单调增长的前缀。
func (d *StreamDecoder) Text() string {
	return d.text.String()
}

// Err 返回进入 Errored 状态的原因，未出错时为 nil。
func (d *StreamDecoder) Err() error {
	return d.err
}

// Feed 喂入一段原始字节并返回本次解出的事件序列。
// 处于终态时返回 ErrDecoderTerminal。
func (d *StreamDecoder) Feed(p []byte) ([]Event, error) {
	if d.state == StateDone || d.state == StateErrored {
		return nil, ErrDecoderTerminal
	}
	if d.state == StateIdle && len(p) > 0 {
		d.state = StateStreaming
	}

	d.buf = append(d.buf, p...)

	var events []Event
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		ev, ok := d.decodeFrame(frame)
		if !ok {
			continue
		}
		events = append(events, ev)
		if d.state == StateDone || d.state == StateErrored {
			// 终态之后缓冲区里剩余的字节一律丢弃
			d.buf = nil
			break
		}
	}
	return events, nil
}

// Fail 将解码器置为 Errored，用于传输层失败（连接中断、超时）。
// 已累积的部分文本保持可读。
func (d *StreamDecoder) Fail(err error) {
	if d.state == StateDone || d.state == StateErrored {
		return
	}
	d.state = StateErrored
	d.err = err
}

// decodeFrame 解析一个完整帧。无法识别的帧被跳过。
func (d *StreamDecoder) decodeFrame(frame []byte) (Event, bool) {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		text := strings.TrimSuffix(string(line), "\r")
		if !strings.HasPrefix(text, "data:") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(text, "data:"), " ")

		if strings.TrimSpace(payload) == doneSentinel {
			d.state = StateDone
			return Event{Type: EventDone}, true
		}

		var body struct {
			Text  *string `json:"text"`
			Error *string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			continue
		}

		if body.Error != nil {
			d.state = StateErrored
			d.err = fmt.Errorf("generation service reported error: %s", *body.Error)
			return Event{Type: EventError, Text: *body.Error}, true
		}
		if body.Text != nil && *body.Text != "" {
			d.text.WriteString(*body.Text)
			return Event{Type: EventText, Text: *body.Text}, true
		}
	}
	return Event{}, false
}
