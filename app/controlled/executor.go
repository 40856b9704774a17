package controlled

import (
	"fmt"
	"log"

	"github.com/luoming-git/yuankong/input"
)

// localExecutor 把远端输入注入本机。注入依赖平台输入系统，
// 这里先记录键盘与手柄事件，鼠标事件量大只计数
type localExecutor struct {
	mouseCount uint64
}

func (e *localExecutor) Init() error {
	return nil
}

func (e *localExecutor) Apply(event *input.Event) error {
	switch event.Kind {
	case input.Kind_Mouse:
		e.mouseCount++
	case input.Kind_Keyboard:
		if event.Keyboard != nil {
			log.Println(fmt.Sprintf("键盘事件: key=%v pressed=%v", event.Keyboard.Key, event.Keyboard.Pressed))
		}
	case input.Kind_Gamepad:
		log.Println("手柄事件")
	}
	return nil
}

func (e *localExecutor) Close() error {
	if e.mouseCount > 0 {
		log.Println(fmt.Sprintf("本次会话共执行%v个鼠标事件", e.mouseCount))
	}
	return nil
}
