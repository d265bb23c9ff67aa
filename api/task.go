// File: api/task.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound tasks returned by WebSocket endpoints. The reactor applies them
// in order on its own goroutine after the handoff returns.

package api

import "time"

// TaskKind enumerates outbound task types.
type TaskKind int

const (
	TaskSendText TaskKind = iota + 1
	TaskSendBinary
	TaskSendPing
	TaskSendPong
	TaskSendClose
	TaskSendTextTo
	TaskSendBinaryTo
	TaskSendCloseTo
	TaskSubscribe
	TaskUnsubscribe
	TaskUnsubscribeAll
	TaskPublishText
	TaskPublishBinary
	TaskStartKeepAlive
	TaskStopKeepAlive
)

// Task is one outbound action.
type Task struct {
	Kind     TaskKind
	Text     string
	Data     []byte
	Code     uint16
	Target   string // session id for *To tasks
	Topic    string
	Local    bool // subscriber also receives its own publications
	Interval time.Duration
}

func SendText(text string) Task     { return Task{Kind: TaskSendText, Text: text} }
func SendBinary(data []byte) Task   { return Task{Kind: TaskSendBinary, Data: data} }
func SendPing(data []byte) Task     { return Task{Kind: TaskSendPing, Data: data} }
func SendPong(data []byte) Task     { return Task{Kind: TaskSendPong, Data: data} }
func SendClose(code uint16) Task    { return Task{Kind: TaskSendClose, Code: code} }
func Unsubscribe(topic string) Task { return Task{Kind: TaskUnsubscribe, Topic: topic} }
func UnsubscribeAll() Task          { return Task{Kind: TaskUnsubscribeAll} }
func StopKeepAlive() Task           { return Task{Kind: TaskStopKeepAlive} }

func SendTextTo(id, text string) Task {
	return Task{Kind: TaskSendTextTo, Target: id, Text: text}
}

func SendBinaryTo(id string, data []byte) Task {
	return Task{Kind: TaskSendBinaryTo, Target: id, Data: data}
}

func SendCloseTo(id string, code uint16) Task {
	return Task{Kind: TaskSendCloseTo, Target: id, Code: code}
}

func Subscribe(topic string, local bool) Task {
	return Task{Kind: TaskSubscribe, Topic: topic, Local: local}
}

func PublishText(topic, text string) Task {
	return Task{Kind: TaskPublishText, Topic: topic, Text: text}
}

func PublishBinary(topic string, data []byte) Task {
	return Task{Kind: TaskPublishBinary, Topic: topic, Data: data}
}

func StartKeepAlive(interval time.Duration) Task {
	return Task{Kind: TaskStartKeepAlive, Interval: interval}
}
