package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindSystem Kind = "system"
)

const (
	MetaCallID  = "call_id"
	MetaTraceID = "trace_id"
	MetaSource  = "source"
	MetaReason  = "reason"
)

// Frame is the unit of data moving between the media feed and a session.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one chunk of raw PCM for a call. Frames for a call are
// sequenced by PTS and must reach the engine in PTS order.
type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(callID string, pts int64, data []byte, rate int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		meta: mergeMeta(callID, meta),
	}
}

func NewAudioFrameFromPool(callID string, pts int64, data []byte, rate int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		meta:   mergeMeta(callID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) CallID() string          { return a.meta[MetaCallID] }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// SystemFrame signals a call lifecycle event from the host platform
// (call_start, call_end).
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(callID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(callID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }
func (s SystemFrame) CallID() string          { return s.meta[MetaCallID] }

// PTSGen hands out strictly increasing per-call timestamps so audio order
// survives re-batching in the feed adapter.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(callID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[callID] + time.Millisecond.Nanoseconds()
	g.value[callID] = v
	return v
}

func (g *PTSGen) Forget(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.value, callID)
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(callID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if callID != "" {
		out[MetaCallID] = callID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
