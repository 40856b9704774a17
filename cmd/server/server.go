package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/luoming-git/yuankong/app/server"
	"github.com/luoming-git/yuankong/utils"
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	utils.SetLogFile("server")
	ctx := context.Background()
	srv := server.NewServer(ctx)
	defer srv.Close()

	go func() {
		_ = http.ListenAndServe("0.0.0.0:6080", nil)
	}()

	c := make(chan os.Signal)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	log.Println("服务端收到停止指令，服务将终止")
}
