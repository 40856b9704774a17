package input

import (
	"context"
	"fmt"
	"log"

	"github.com/luoming-git/yuankong/utils"
)

// Sender 把事件写入活动传输的输入通道
type Sender interface {
	SendEvent(event *Event) error
}

const (
	MinMouseAccel     = 0.1
	MaxMouseAccel     = 3.0
	DefaultMouseAccel = 1.0
)

// ClampMouseAccel 鼠标加速系数限制在[0.1,3.0]
func ClampMouseAccel(accel float64) float64 {
	if accel < MinMouseAccel {
		return MinMouseAccel
	}
	if accel > MaxMouseAccel {
		return MaxMouseAccel
	}
	return accel
}

// Channel 主控端输入通道。所有事件经单一发送协程写出，
// 事件之间保持提交顺序；发送即忘，不等待确认
type Channel struct {
	utils.Closer
	sender     Sender
	events     chan *Event
	mouseAccel float64
}

func NewChannel(ctx context.Context, sender Sender, mouseAccel float64) *Channel {
	c := &Channel{
		sender:     sender,
		events:     make(chan *Event, 256),
		mouseAccel: ClampMouseAccel(mouseAccel),
	}
	c.SetCtx(ctx)
	go c.sendRun()
	return c
}

func (c *Channel) sendRun() {
	for {
		select {
		case event := <-c.events:
			if err := c.sender.SendEvent(event); err != nil {
				log.Println(fmt.Sprintf("发送输入事件失败: %v", err))
			}
		case <-c.Ctx().Done():
			return
		}
	}
}

func (c *Channel) submit(event *Event) {
	if c.IsClosed() {
		return
	}
	select {
	case c.events <- event:
	case <-c.Ctx().Done():
	}
}

func (c *Channel) SendKeyboard(event *KeyboardEvent) {
	c.submit(&Event{Kind: Kind_Keyboard, Keyboard: event})
}

// SendMouse 移动事件在主控端套用加速系数后再发送
func (c *Channel) SendMouse(event *MouseEvent) {
	if event.Action == MouseAction_Move {
		event.DeltaX *= c.mouseAccel
		event.DeltaY *= c.mouseAccel
	}
	c.submit(&Event{Kind: Kind_Mouse, Mouse: event})
}

func (c *Channel) SendGamepad(event *GamepadEvent) {
	c.submit(&Event{Kind: Kind_Gamepad, Gamepad: event})
}

// SendKick 显式控制消息，强制结束被控端正在服务的其它会话
func (c *Channel) SendKick() {
	c.submit(&Event{Kind: Kind_Kick})
}
