package transport

import (
	"io"
	"net"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/utils"
)

// Hello 传输建立后的首条握手消息，主控发送，被控校验
type Hello struct {
	OrderId  string `json:"orderId"`
	DeviceId int64  `json:"deviceId"`
	Secret   string `json:"secret"`
	Version  string `json:"version"`
}

type HelloAck struct {
	Code errcode.Code `json:"code"`
}

func writeLine(conn net.Conn, v any) error {
	_, err := conn.Write(append(utils.GetJsonBytes(v), '\n'))
	return err
}

func readLine(conn net.Conn, v any, timeout time.Duration) error {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		// 逐字节读取，避免预读缓冲吞掉握手后的首帧数据
		var line []byte
		b := make([]byte, 1)
		for {
			if _, err := io.ReadFull(conn, b); err != nil {
				ch <- result{err: err}
				return
			}
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		ch <- result{line: string(line)}
	}()

	select {
	case re := <-ch:
		if re.err != nil {
			return re.err
		}
		utils.GetJsonValue(v, re.line)
		return nil
	case <-time.After(timeout):
		return errcode.New(errcode.ClientConnectTimeout)
	}
}

// ClientHandshake 主控端在候选连接上完成握手。对端返回非零错误码时，
// 该错误码原样上抛（例如被控端正在服务其它客户端）
func ClientHandshake(conn net.Conn, hello *Hello, timeout time.Duration) error {
	if err := writeLine(conn, hello); err != nil {
		return err
	}

	ack := &HelloAck{}
	if err := readLine(conn, ack, timeout); err != nil {
		return err
	}
	if ack.Code != errcode.Success {
		return errcode.New(ack.Code)
	}
	return nil
}

// ServerHandshake 被控端接受握手，verify校验订单与密钥并返回错误码
func ServerHandshake(conn net.Conn, timeout time.Duration, verify func(hello *Hello) errcode.Code) error {
	hello := &Hello{}
	if err := readLine(conn, hello, timeout); err != nil {
		return err
	}

	code := verify(hello)
	if err := writeLine(conn, &HelloAck{Code: code}); err != nil {
		return err
	}
	if code != errcode.Success {
		return errcode.New(code)
	}
	return nil
}
