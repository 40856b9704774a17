package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/luoming-git/yuankong/app/controlled"
	"github.com/luoming-git/yuankong/utils"
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	utils.SetLogFile("controlled")
	ctx := context.Background()
	cli := controlled.NewControlled(ctx)
	defer cli.Close()

	c := make(chan os.Signal)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	log.Println("被控端收到停止指令，服务将终止")
}
