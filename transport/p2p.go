package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/pion/webrtc/v4"
)

// Signaler 通过信令服务交换SDP，Offer/Answer各一个往返
type Signaler interface {
	SendSignal(kind string, body string) error
	RecvSignal(ctx context.Context, kind string) (string, error)
}

const (
	streamChannelLabel = "stream"
	iceGatherTimeout   = 15 * time.Second
)

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	for _, u := range iceServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	// 数据通道需要Detach成流式接口，候选收集允许回环地址
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// 等待本地候选收集完成后再交换SDP，信令只需一个往返
func gatherLocalDescription(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	gatherCtx, cancel := context.WithTimeout(ctx, iceGatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		return "", fmt.Errorf("候选收集超时")
	}
	desc := pc.LocalDescription()
	if desc == nil {
		return "", fmt.Errorf("本地SDP为空")
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseDescription(body string) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{}
	err := json.Unmarshal([]byte(body), &desc)
	return desc, err
}

type P2PDialer struct {
	signaler   Signaler
	iceServers []string
}

func NewP2PDialer(signaler Signaler, iceServers []string) *P2PDialer {
	return &P2PDialer{signaler: signaler, iceServers: iceServers}
}

func (d *P2PDialer) Kind() Kind {
	return Kind_P2P
}

func (d *P2PDialer) Dial(ctx context.Context, candidate Candidate) (net.Conn, error) {
	pc, err := newPeerConnection(d.iceServers)
	if err != nil {
		return nil, err
	}

	connChan := make(chan net.Conn, 1)
	dc, err := pc.CreateDataChannel(streamChannelLabel, &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	dc.OnOpen(func() {
		raw, detachErr := dc.Detach()
		if detachErr != nil {
			log.Println(fmt.Sprintf("数据通道Detach失败: %s", detachErr.Error()))
			return
		}
		connChan <- newDataChannelConn(raw, pc, streamChannelLabel)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	offerBody, err := gatherLocalDescription(ctx, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err = d.signaler.SendSignal(rpc.SignalKind_Offer, offerBody); err != nil {
		pc.Close()
		return nil, err
	}

	answerBody, err := d.signaler.RecvSignal(ctx, rpc.SignalKind_Answer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := parseDescription(answerBody)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err = pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case conn := <-connChan:
		return conn, nil
	case <-ctx.Done():
		pc.Close()
		return nil, errcode.New(errcode.ClientConnectTimeout)
	}
}

// P2PAcceptor 被控端应答直连请求，收到Offer后回送Answer并等待数据通道打开
type P2PAcceptor struct {
	signaler   Signaler
	iceServers []string
}

func NewP2PAcceptor(signaler Signaler, iceServers []string) *P2PAcceptor {
	return &P2PAcceptor{signaler: signaler, iceServers: iceServers}
}

func (a *P2PAcceptor) Accept(ctx context.Context) (net.Conn, error) {
	offerBody, err := a.signaler.RecvSignal(ctx, rpc.SignalKind_Offer)
	if err != nil {
		return nil, err
	}
	offer, err := parseDescription(offerBody)
	if err != nil {
		return nil, err
	}

	pc, err := newPeerConnection(a.iceServers)
	if err != nil {
		return nil, err
	}

	connChan := make(chan net.Conn, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != streamChannelLabel {
			return
		}
		dc.OnOpen(func() {
			raw, detachErr := dc.Detach()
			if detachErr != nil {
				log.Println(fmt.Sprintf("数据通道Detach失败: %s", detachErr.Error()))
				return
			}
			connChan <- newDataChannelConn(raw, pc, streamChannelLabel)
		})
	})

	if err = pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}
	answerBody, err := gatherLocalDescription(ctx, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err = a.signaler.SendSignal(rpc.SignalKind_Answer, answerBody); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case conn := <-connChan:
		return conn, nil
	case <-ctx.Done():
		pc.Close()
		return nil, errcode.New(errcode.ClientConnectTimeout)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

// dataChannelConn 将Detach后的数据通道包装成net.Conn，关闭时连带关闭PeerConnection
type dataChannelConn struct {
	rwc   io.ReadWriteCloser
	pc    *webrtc.PeerConnection
	label string
}

func newDataChannelConn(rwc io.ReadWriteCloser, pc *webrtc.PeerConnection, label string) *dataChannelConn {
	return &dataChannelConn{rwc: rwc, pc: pc, label: label}
}

func (c *dataChannelConn) Read(p []byte) (int, error) {
	return c.rwc.Read(p)
}

func (c *dataChannelConn) Write(p []byte) (int, error) {
	return c.rwc.Write(p)
}

func (c *dataChannelConn) Close() error {
	err := c.rwc.Close()
	if c.pc != nil {
		c.pc.Close()
	}
	return err
}

func (c *dataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.label}
}

func (c *dataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.label}
}

func (c *dataChannelConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *dataChannelConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (c *dataChannelConn) SetWriteDeadline(t time.Time) error {
	if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string {
	return "webrtc"
}

func (a *dataChannelAddr) String() string {
	return a.label
}
