package server

import (
	"fmt"
	"log"

	"github.com/armon/go-socks5"
)

// StartRelay 启动SOCKS5中继服务，凭据与下发给客户端的中继描述串一致。
// 主控端经此中继连到被控端通告的端点
func StartRelay(listenAddr string, user string, password string) error {
	conf := &socks5.Config{
		Credentials: socks5.StaticCredentials{user: password},
	}
	relayServer, err := socks5.New(conf)
	if err != nil {
		return err
	}

	go func() {
		log.Println(fmt.Sprintf("中继服务已启动[%v]", listenAddr))
		if serveErr := relayServer.ListenAndServe("tcp", listenAddr); serveErr != nil {
			log.Println(fmt.Sprintf("中继服务终止: %v", serveErr))
		}
	}()
	return nil
}
