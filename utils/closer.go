package utils

import (
	"context"
	"log"
	"sync"
)

// Closer 提供基于context的生命周期管理，嵌入到需要随context关闭的对象中
type Closer struct {
	currentLock sync.Mutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	onClose     func()
}

func (c *Closer) Ctx() context.Context {
	return c.ctx
}

func (c *Closer) SetOnClose(onClose func()) {
	c.onClose = onClose
}

func (c *Closer) IsClosed() bool {
	defer c.currentLock.Unlock()
	c.currentLock.Lock()
	return c.closed
}

func (c *Closer) CtxCancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Closer) SetCtx(parent context.Context) {
	if parent == nil {
		return
	}

	if c.ctx != nil && !c.closed {
		log.Println("[Warning] SetCtx时之前的context还未关闭")
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	c.closed = false
	go func() {
		<-c.ctx.Done()
		defer c.currentLock.Unlock()
		c.currentLock.Lock()

		if !c.closed {
			if c.onClose != nil {
				c.onClose()
			}
			c.closed = true
		}
	}()
}
