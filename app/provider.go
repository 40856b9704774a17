package app

import (
	"context"
	"fmt"
	"time"

	"github.com/luoming-git/yuankong/media"
)

// SoftwareTag 无硬件依赖的软件媒体能力标签，
// 没有专用采集/编解码器的环境用它兜底
const SoftwareTag = "software"

type patternCapturer struct {
	kind     media.StreamKind
	interval time.Duration
	counter  uint64
}

func (c *patternCapturer) Init() error {
	return nil
}

func (c *patternCapturer) Capture(ctx context.Context) (*media.RawFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.interval):
	}

	c.counter++
	return &media.RawFrame{
		Kind:      c.kind,
		Timestamp: time.Now().UnixMilli(),
		Data:      []byte(fmt.Sprintf("%v-frame-%d", c.kind, c.counter)),
	}, nil
}

func (c *patternCapturer) Close() error {
	return nil
}

type passthroughEncoder struct{}

func (e *passthroughEncoder) Init() error {
	return nil
}

func (e *passthroughEncoder) Encode(raw *media.RawFrame) (*media.Frame, error) {
	return &media.Frame{
		Kind:      raw.Kind,
		Timestamp: raw.Timestamp,
		Keyframe:  true,
		Data:      raw.Data,
	}, nil
}

func (e *passthroughEncoder) Close() error {
	return nil
}

type passthroughDecoder struct{}

func (d *passthroughDecoder) Init() error {
	return nil
}

func (d *passthroughDecoder) Decode(frame *media.Frame) (*media.RawFrame, error) {
	return &media.RawFrame{
		Kind:      frame.Kind,
		Timestamp: frame.Timestamp,
		Data:      frame.Data,
	}, nil
}

func (d *passthroughDecoder) Close() error {
	return nil
}

type nullRenderer struct{}

func (r *nullRenderer) Init() error {
	return nil
}

func (r *nullRenderer) Render(_ *media.RawFrame) error {
	return nil
}

func (r *nullRenderer) Close() error {
	return nil
}

// RegisterSoftwareProviders 注册两类流的软件能力
func RegisterSoftwareProviders(registry *media.Registry) {
	registry.RegisterCapturer(media.Kind_Video, SoftwareTag, func() media.Capturer {
		return &patternCapturer{kind: media.Kind_Video, interval: time.Millisecond * 33}
	})
	registry.RegisterCapturer(media.Kind_Audio, SoftwareTag, func() media.Capturer {
		return &patternCapturer{kind: media.Kind_Audio, interval: time.Millisecond * 20}
	})
	registry.RegisterEncoder(media.Kind_Video, SoftwareTag, func() media.Encoder {
		return &passthroughEncoder{}
	})
	registry.RegisterEncoder(media.Kind_Audio, SoftwareTag, func() media.Encoder {
		return &passthroughEncoder{}
	})
	registry.RegisterDecoder(media.Kind_Video, SoftwareTag, func() media.Decoder {
		return &passthroughDecoder{}
	})
	registry.RegisterDecoder(media.Kind_Audio, SoftwareTag, func() media.Decoder {
		return &passthroughDecoder{}
	})
	registry.RegisterRenderer(media.Kind_Video, SoftwareTag, func() media.Renderer {
		return &nullRenderer{}
	})
	registry.RegisterRenderer(media.Kind_Audio, SoftwareTag, func() media.Renderer {
		return &nullRenderer{}
	})
}
