package input

import (
	"fmt"
	"log"

	"github.com/luoming-git/yuankong/errcode"
)

// Executor 被控端输入执行器，把事件注入本机输入系统
type Executor interface {
	Init() error
	Apply(event *Event) error
	Close() error
}

// Dispatcher 被控端事件分发。初始化失败是会话级致命错误，
// 单个事件执行失败只记录，远端表现为该次输入未生效
type Dispatcher struct {
	executor Executor
	onKick   func()
	started  bool
}

func NewDispatcher(executor Executor, onKick func()) *Dispatcher {
	return &Dispatcher{executor: executor, onKick: onKick}
}

func (d *Dispatcher) Start() error {
	if err := d.executor.Init(); err != nil {
		return errcode.Wrap(errcode.WorkerInitInputFailed, err)
	}
	d.started = true
	return nil
}

func (d *Dispatcher) HandleEvent(event *Event) {
	if !d.started {
		return
	}
	if event.Kind == Kind_Kick {
		if d.onKick != nil {
			d.onKick()
		}
		return
	}
	if err := d.executor.Apply(event); err != nil {
		log.Println(fmt.Sprintf("执行%v事件失败: %v", event.Kind, err))
	}
}

func (d *Dispatcher) Close() error {
	if !d.started {
		return nil
	}
	d.started = false
	return d.executor.Close()
}
