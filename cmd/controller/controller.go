package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luoming-git/yuankong/app/controller"
	"github.com/luoming-git/yuankong/utils"
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	utils.SetLogFile("controller")
	targetId := flag.Int64("target", 0, "要控制的目标设备ID")
	targetToken := flag.String("token", "", "目标设备的访问令牌")
	flag.Parse()

	ctx := context.Background()
	cli := controller.NewController(ctx)
	defer cli.Close()

	if *targetId > 0 {
		go func() {
			// 等命令通道完成登录后再发起连接
			time.Sleep(time.Second * 3)
			cli.ConnectTo(*targetId, *targetToken)
		}()
	}

	c := make(chan os.Signal)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	log.Println("主控端收到停止指令，服务将终止")
}
