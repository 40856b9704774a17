package media

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/utils"
)

// Sender 把编码帧写入活动传输
type Sender interface {
	SendFrame(frame *Frame) error
}

const defaultQueueCapacity = 8

// CapturePipeline 被控端采集编码管线：采集协程产帧入有界队列，
// 发送协程出队写传输，两段以丢旧帧方式解耦
type CapturePipeline struct {
	utils.Closer
	kind     StreamKind
	capturer Capturer
	encoder  Encoder
	sender   Sender
	queue    *FrameQueue
	sequence atomic.Uint64
}

func NewCapturePipeline(kind StreamKind, capturer Capturer, encoder Encoder, sender Sender) *CapturePipeline {
	p := &CapturePipeline{
		kind:     kind,
		capturer: capturer,
		encoder:  encoder,
		sender:   sender,
		queue:    NewFrameQueue(defaultQueueCapacity),
	}
	p.SetOnClose(func() {
		_ = p.capturer.Close()
		_ = p.encoder.Close()
	})
	return p
}

func (p *CapturePipeline) initCode() errcode.Code {
	if p.kind == Kind_Audio {
		return errcode.WorkerInitAudioFailed
	}
	return errcode.WorkerInitVideoFailed
}

func (p *CapturePipeline) Start(ctx context.Context) error {
	if err := p.capturer.Init(); err != nil {
		return errcode.Wrap(p.initCode(), err)
	}
	if err := p.encoder.Init(); err != nil {
		_ = p.capturer.Close()
		return errcode.Wrap(p.initCode(), err)
	}

	p.SetCtx(ctx)
	go p.captureRun()
	go p.sendRun()
	return nil
}

func (p *CapturePipeline) captureRun() {
	for !p.IsClosed() {
		raw, err := p.capturer.Capture(p.Ctx())
		if err != nil {
			if p.IsClosed() {
				return
			}
			log.Println(fmt.Sprintf("采集%v帧失败: %v", p.kind, err))
			continue
		}
		frame, err := p.encoder.Encode(raw)
		if err != nil {
			log.Println(fmt.Sprintf("编码%v帧失败: %v", p.kind, err))
			continue
		}
		frame.Kind = p.kind
		frame.Sequence = p.sequence.Add(1)
		p.queue.Push(frame)
	}
}

func (p *CapturePipeline) sendRun() {
	for !p.IsClosed() {
		frame, err := p.queue.Pop(p.Ctx())
		if err != nil {
			return
		}
		if err = p.sender.SendFrame(frame); err != nil {
			log.Println(fmt.Sprintf("发送%v帧失败: %v", p.kind, err))
		}
	}
}

func (p *CapturePipeline) Dropped() int64 {
	return p.queue.Dropped()
}

const defaultMaxConsecutiveFailures = 30

// RenderPipeline 主控端解码渲染管线。单帧失败记录后继续下一帧，
// 连续失败达到上限升级为致命错误；迟到帧直接丢弃，不做重排
type RenderPipeline struct {
	utils.Closer
	kind         StreamKind
	decoder      Decoder
	renderer     Renderer
	onFatal      func(fault *errcode.Fault)
	maxFailures  int
	consecutive  int
	lastSequence uint64
	escalated    bool
}

func NewRenderPipeline(kind StreamKind, decoder Decoder, renderer Renderer, onFatal func(fault *errcode.Fault)) *RenderPipeline {
	p := &RenderPipeline{
		kind:        kind,
		decoder:     decoder,
		renderer:    renderer,
		onFatal:     onFatal,
		maxFailures: defaultMaxConsecutiveFailures,
	}
	p.SetOnClose(func() {
		_ = p.decoder.Close()
		_ = p.renderer.Close()
	})
	return p
}

func (p *RenderPipeline) SetMaxConsecutiveFailures(n int) {
	if n > 0 {
		p.maxFailures = n
	}
}

// Start 先探测解码能力再初始化管线，两类失败都是会话级致命错误
func (p *RenderPipeline) Start(ctx context.Context, registry *Registry) error {
	if !registry.HasDecodeAbility(p.kind) {
		return errcode.New(errcode.NoDecodeAbility)
	}
	if err := p.decoder.Init(); err != nil {
		return errcode.Wrap(errcode.InitDecodeRenderPipelineFailed, err)
	}
	if err := p.renderer.Init(); err != nil {
		_ = p.decoder.Close()
		return errcode.Wrap(errcode.InitDecodeRenderPipelineFailed, err)
	}
	p.SetCtx(ctx)
	return nil
}

// HandleFrame 按接收顺序处理帧。只在会话的单个读取循环中调用
func (p *RenderPipeline) HandleFrame(frame *Frame) {
	if p.IsClosed() || p.escalated {
		return
	}
	if frame.Sequence <= p.lastSequence {
		return
	}
	p.lastSequence = frame.Sequence

	raw, err := p.decoder.Decode(frame)
	if err != nil {
		p.frameFailed(errcode.DecodeFailed, err)
		return
	}
	if err = p.renderer.Render(raw); err != nil {
		p.frameFailed(errcode.RenderFailed, err)
		return
	}
	p.consecutive = 0
}

func (p *RenderPipeline) frameFailed(code errcode.Code, cause error) {
	p.consecutive++
	log.Println(fmt.Sprintf("%v帧处理失败(%v/%v): %v", p.kind, p.consecutive, p.maxFailures, cause))
	if p.consecutive >= p.maxFailures {
		p.escalated = true
		if p.onFatal != nil {
			p.onFatal(errcode.Wrap(code, cause))
		}
	}
}
