package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luoming-git/yuankong/errcode"
)

type fakeCapturer struct {
	frames  chan *RawFrame
	initErr error
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{frames: make(chan *RawFrame, 64)}
}

func (c *fakeCapturer) Init() error { return c.initErr }

func (c *fakeCapturer) Capture(ctx context.Context) (*RawFrame, error) {
	select {
	case raw := <-c.frames:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeCapturer) Close() error { return nil }

type fakeEncoder struct {
	initErr error
}

func (e *fakeEncoder) Init() error { return e.initErr }

func (e *fakeEncoder) Encode(raw *RawFrame) (*Frame, error) {
	return &Frame{Timestamp: raw.Timestamp, Data: raw.Data}, nil
}

func (e *fakeEncoder) Close() error { return nil }

type chanSender struct {
	frames chan *Frame
}

func (s *chanSender) SendFrame(frame *Frame) error {
	s.frames <- frame
	return nil
}

type fakeDecoder struct {
	initErr error
	fail    func(frame *Frame) error
}

func (d *fakeDecoder) Init() error { return d.initErr }

func (d *fakeDecoder) Decode(frame *Frame) (*RawFrame, error) {
	if d.fail != nil {
		if err := d.fail(frame); err != nil {
			return nil, err
		}
	}
	return &RawFrame{Timestamp: frame.Timestamp, Data: frame.Data}, nil
}

func (d *fakeDecoder) Close() error { return nil }

type fakeRenderer struct {
	initErr  error
	rendered []*RawFrame
}

func (r *fakeRenderer) Init() error { return r.initErr }

func (r *fakeRenderer) Render(raw *RawFrame) error {
	r.rendered = append(r.rendered, raw)
	return nil
}

func (r *fakeRenderer) Close() error { return nil }

func TestCapturePipelineDeliversFramesInOrder(t *testing.T) {
	capturer := newFakeCapturer()
	sender := &chanSender{frames: make(chan *Frame, 64)}
	p := NewCapturePipeline(Kind_Video, capturer, &fakeEncoder{}, sender)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.CtxCancel()

	for i := 0; i < 5; i++ {
		capturer.frames <- &RawFrame{Timestamp: int64(i), Data: []byte(fmt.Sprintf("f%v", i))}
	}

	for i := 0; i < 5; i++ {
		select {
		case frame := <-sender.frames:
			if frame.Sequence != uint64(i+1) {
				t.Fatalf("帧序号乱序: got %v want %v", frame.Sequence, i+1)
			}
			if frame.Kind != Kind_Video {
				t.Fatalf("帧类型错误: %v", frame.Kind)
			}
		case <-time.After(time.Second * 3):
			t.Fatal("等待帧超时")
		}
	}
}

func TestCapturePipelineInitFailureCodes(t *testing.T) {
	video := NewCapturePipeline(Kind_Video, &fakeCapturer{initErr: errors.New("no device"), frames: make(chan *RawFrame)}, &fakeEncoder{}, &chanSender{frames: make(chan *Frame, 1)})
	if errcode.CodeOf(video.Start(context.Background())) != errcode.WorkerInitVideoFailed {
		t.Fatal("视频采集初始化失败码错误")
	}

	audio := NewCapturePipeline(Kind_Audio, newFakeCapturer(), &fakeEncoder{initErr: errors.New("no codec")}, &chanSender{frames: make(chan *Frame, 1)})
	if errcode.CodeOf(audio.Start(context.Background())) != errcode.WorkerInitAudioFailed {
		t.Fatal("音频编码初始化失败码错误")
	}
}

func TestFrameQueueDropsOldestWhenFull(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push(&Frame{Sequence: 1})
	q.Push(&Frame{Sequence: 2})
	q.Push(&Frame{Sequence: 3})

	if q.Dropped() != 1 {
		t.Fatalf("丢帧计数错误: %v", q.Dropped())
	}

	frame, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if frame.Sequence != 2 {
		t.Fatalf("应丢弃最旧的帧, got %v", frame.Sequence)
	}
}

func TestRenderPipelineNoDecodeAbility(t *testing.T) {
	registry := NewRegistry()
	p := NewRenderPipeline(Kind_Video, &fakeDecoder{}, &fakeRenderer{}, nil)
	if errcode.CodeOf(p.Start(context.Background(), registry)) != errcode.NoDecodeAbility {
		t.Fatal("缺失解码能力应快速失败")
	}
}

func TestRenderPipelineInitFailureIsFatal(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDecoder(Kind_Video, "fake", func() Decoder { return &fakeDecoder{} })

	p := NewRenderPipeline(Kind_Video, &fakeDecoder{initErr: errors.New("init")}, &fakeRenderer{}, nil)
	if errcode.CodeOf(p.Start(context.Background(), registry)) != errcode.InitDecodeRenderPipelineFailed {
		t.Fatal("管线初始化失败码错误")
	}
}

func TestRenderPipelineDropsLateFrames(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDecoder(Kind_Video, "fake", func() Decoder { return &fakeDecoder{} })

	renderer := &fakeRenderer{}
	p := NewRenderPipeline(Kind_Video, &fakeDecoder{}, renderer, nil)
	if err := p.Start(context.Background(), registry); err != nil {
		t.Fatal(err)
	}
	defer p.CtxCancel()

	p.HandleFrame(&Frame{Sequence: 1})
	p.HandleFrame(&Frame{Sequence: 3})
	p.HandleFrame(&Frame{Sequence: 2})
	p.HandleFrame(&Frame{Sequence: 3})
	p.HandleFrame(&Frame{Sequence: 4})

	if len(renderer.rendered) != 3 {
		t.Fatalf("迟到帧应被丢弃: rendered=%v", len(renderer.rendered))
	}
}

func TestRenderPipelineEscalatesAfterConsecutiveFailures(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDecoder(Kind_Video, "fake", func() Decoder { return &fakeDecoder{} })

	decoder := &fakeDecoder{fail: func(frame *Frame) error {
		return errors.New("bad frame")
	}}

	faults := []*errcode.Fault{}
	p := NewRenderPipeline(Kind_Video, decoder, &fakeRenderer{}, func(fault *errcode.Fault) {
		faults = append(faults, fault)
	})
	p.SetMaxConsecutiveFailures(3)
	if err := p.Start(context.Background(), registry); err != nil {
		t.Fatal(err)
	}
	defer p.CtxCancel()

	for i := 1; i <= 5; i++ {
		p.HandleFrame(&Frame{Sequence: uint64(i)})
	}

	if len(faults) != 1 {
		t.Fatalf("连续失败应恰好升级一次: %v", len(faults))
	}
	if faults[0].Code != errcode.DecodeFailed {
		t.Fatalf("升级错误码错误: %v", faults[0].Code)
	}
}

func TestRenderPipelineSuccessResetsFailureCount(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDecoder(Kind_Video, "fake", func() Decoder { return &fakeDecoder{} })

	decoder := &fakeDecoder{fail: func(frame *Frame) error {
		if frame.Sequence%2 == 1 {
			return errors.New("bad frame")
		}
		return nil
	}}

	escalated := false
	p := NewRenderPipeline(Kind_Video, decoder, &fakeRenderer{}, func(fault *errcode.Fault) {
		escalated = true
	})
	p.SetMaxConsecutiveFailures(3)
	if err := p.Start(context.Background(), registry); err != nil {
		t.Fatal(err)
	}
	defer p.CtxCancel()

	for i := 1; i <= 20; i++ {
		p.HandleFrame(&Frame{Sequence: uint64(i)})
	}
	if escalated {
		t.Fatal("间歇性失败不应升级为致命错误")
	}
}
