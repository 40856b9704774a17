package media

import (
	"context"
	"fmt"
	"sync"
)

type StreamKind string

const (
	Kind_Video = StreamKind("video")
	Kind_Audio = StreamKind("audio")
)

// RawFrame 采集或解码后的原始帧
type RawFrame struct {
	Kind      StreamKind `json:"kind"`
	Timestamp int64      `json:"timestamp"`
	Data      []byte     `json:"data"`
}

// Frame 编码后的媒体帧，按编码顺序递增序号，接收端据此丢弃迟到帧
type Frame struct {
	Kind      StreamKind `json:"kind"`
	Sequence  uint64     `json:"sequence"`
	Timestamp int64      `json:"timestamp"`
	Keyframe  bool       `json:"keyframe"`
	Data      []byte     `json:"data"`
}

type Capturer interface {
	Init() error
	Capture(ctx context.Context) (*RawFrame, error)
	Close() error
}

type Encoder interface {
	Init() error
	Encode(raw *RawFrame) (*Frame, error)
	Close() error
}

type Decoder interface {
	Init() error
	Decode(frame *Frame) (*RawFrame, error)
	Close() error
}

type Renderer interface {
	Init() error
	Render(raw *RawFrame) error
	Close() error
}

// Registry 按标签注册各能力的构造函数，会话启动时解析一次
type Registry struct {
	lock      sync.RWMutex
	capturers map[StreamKind]map[string]func() Capturer
	encoders  map[StreamKind]map[string]func() Encoder
	decoders  map[StreamKind]map[string]func() Decoder
	renderers map[StreamKind]map[string]func() Renderer
}

func NewRegistry() *Registry {
	return &Registry{
		capturers: map[StreamKind]map[string]func() Capturer{},
		encoders:  map[StreamKind]map[string]func() Encoder{},
		decoders:  map[StreamKind]map[string]func() Decoder{},
		renderers: map[StreamKind]map[string]func() Renderer{},
	}
}

func (r *Registry) RegisterCapturer(kind StreamKind, tag string, factory func() Capturer) {
	defer r.lock.Unlock()
	r.lock.Lock()
	if r.capturers[kind] == nil {
		r.capturers[kind] = map[string]func() Capturer{}
	}
	r.capturers[kind][tag] = factory
}

func (r *Registry) RegisterEncoder(kind StreamKind, tag string, factory func() Encoder) {
	defer r.lock.Unlock()
	r.lock.Lock()
	if r.encoders[kind] == nil {
		r.encoders[kind] = map[string]func() Encoder{}
	}
	r.encoders[kind][tag] = factory
}

func (r *Registry) RegisterDecoder(kind StreamKind, tag string, factory func() Decoder) {
	defer r.lock.Unlock()
	r.lock.Lock()
	if r.decoders[kind] == nil {
		r.decoders[kind] = map[string]func() Decoder{}
	}
	r.decoders[kind][tag] = factory
}

func (r *Registry) RegisterRenderer(kind StreamKind, tag string, factory func() Renderer) {
	defer r.lock.Unlock()
	r.lock.Lock()
	if r.renderers[kind] == nil {
		r.renderers[kind] = map[string]func() Renderer{}
	}
	r.renderers[kind][tag] = factory
}

// HasDecodeAbility 会话启动前探测解码能力，缺失时快速失败
func (r *Registry) HasDecodeAbility(kind StreamKind) bool {
	defer r.lock.RUnlock()
	r.lock.RLock()
	return len(r.decoders[kind]) > 0
}

func (r *Registry) ResolveCapturer(kind StreamKind, tag string) (Capturer, error) {
	defer r.lock.RUnlock()
	r.lock.RLock()
	if factory, ok := r.capturers[kind][tag]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("未注册的采集器: %v/%v", kind, tag)
}

func (r *Registry) ResolveEncoder(kind StreamKind, tag string) (Encoder, error) {
	defer r.lock.RUnlock()
	r.lock.RLock()
	if factory, ok := r.encoders[kind][tag]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("未注册的编码器: %v/%v", kind, tag)
}

func (r *Registry) ResolveDecoder(kind StreamKind, tag string) (Decoder, error) {
	defer r.lock.RUnlock()
	r.lock.RLock()
	if factory, ok := r.decoders[kind][tag]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("未注册的解码器: %v/%v", kind, tag)
}

func (r *Registry) ResolveRenderer(kind StreamKind, tag string) (Renderer, error) {
	defer r.lock.RUnlock()
	r.lock.RLock()
	if factory, ok := r.renderers[kind][tag]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("未注册的渲染器: %v/%v", kind, tag)
}
