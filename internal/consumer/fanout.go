package consumer

import (
	"sync"

	"github.com/veluv01/AcoustiVision/internal/models"
)

// Sink 读数和日志事件的接收方
type Sink interface {
	OnReading(r models.Reading)
	OnLog(e models.LogEvent)
}

// Fanout 把每个事件按注册顺序转发给所有 Sink
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout 创建 Fanout
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: append([]Sink(nil), sinks...)}
}

// Add 注册一个 Sink
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Len 已注册的 Sink 数量
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *Fanout) OnReading(r models.Reading) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.OnReading(r)
	}
}

func (f *Fanout) OnLog(e models.LogEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.OnLog(e)
	}
}
