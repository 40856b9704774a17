package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/luoming-git/yuankong/rpc"
	"github.com/luoming-git/yuankong/utils"
)

type ServerAdapter interface {
	ConnectionIn(connId string, deviceId int64, invoker *rpc.Invoker)
	ConnectionOut(connId string)
}

// Server 信令服务的WebTransport端，在HTTP3之上升级
type Server struct {
	quicPort     int
	quicPath     string
	leaseSeconds int
	invokeRoute  *rpc.InvokeRoute
	echoMux      *echo.Echo
	webTransPort *webtransport.Server
	adapter      ServerAdapter
	utils.Closer `json:"-"`
}

func (s *Server) LeaseSeconds() int {
	if s.leaseSeconds == 0 {
		s.leaseSeconds = 30
	}
	return s.leaseSeconds
}

func (s *Server) SetLeaseSeconds(leaseSeconds int) {
	s.leaseSeconds = leaseSeconds
}

func (s *Server) InvokeRoute() *rpc.InvokeRoute {
	return s.invokeRoute
}

func (s *Server) EchoMux() *echo.Echo {
	return s.echoMux
}

func (s *Server) generateTLSConfig() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyFile, _ := os.Create("server.key")
	_, _ = keyFile.Write(keyPEM)
	_ = keyFile.Close()

	crtFile, _ := os.Create("server.pem")
	_, _ = crtFile.Write(certPEM)
	_ = crtFile.Close()
}

func (s *Server) upgradeWebTransport(c echo.Context) error {
	r := c.Request()
	w := c.Response().Writer
	connectionId := r.Header.Get(rpc.HeadKey_Connection_Id)
	connectionType := r.Header.Get(rpc.HeadKey_Connection_Type)
	isCmdTrans := connectionType == rpc.ConnectionType_Command
	remoteAddr := utils.GetRealRemoteAddr(r)

	var deviceId int64
	_, _ = fmt.Sscanf(r.Header.Get(rpc.HeadKey_Connection_DeviceId), "%d", &deviceId)

	if !isCmdTrans {
		http.Error(w, rpc.InvalidInvokerConnect.Error(), http.StatusBadRequest)
		return rpc.InvalidInvokerConnect
	}

	session, err := s.webTransPort.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}

	stream, err := session.AcceptStream(s.Ctx())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}

	invoker := s.invokeRoute.AddNewInvoker(connectionId, isCmdTrans, stream)
	invoker.SetRemoteAddr(remoteAddr)
	invoker.SetTerminalId(fmt.Sprintf("%d", deviceId))
	invoker.SetAttach("Session", session)
	invoker.SetAttach("Conn", NewConnWrapper(invoker.Ctx(), stream, session))
	invoker.SetOnClose(func() {
		_ = invoker.ReadWriter().Close()
		_ = session.CloseWithError(0, "")
		s.invokeRoute.RemoveInvoker(connectionId)
		s.adapter.ConnectionOut(connectionId)
		log.Println(fmt.Sprintf("已关闭设备连接[%v]", connectionId))
	})

	s.adapter.ConnectionIn(connectionId, deviceId, invoker)
	s.invokeRoute.SetExpire(connectionId, s.getLeaseDuration())
	s.invokeRoute.DispatchInvoke(invoker)
	return nil
}

func (s *Server) getLeaseDuration() time.Duration {
	return time.Duration(s.LeaseSeconds()) * time.Second
}

func (s *Server) OnInvokerHeartbeat(invoker *rpc.Invoker, _ *rpc.InvokeRequest) {
	if invoker.IsCommandTunnel() {
		s.invokeRoute.SetExpire(invoker.ConnectionId(), s.getLeaseDuration())
	}
}

func (s *Server) AddRpcHandler(path string, handler rpc.BidiInvokeHandler) {
	s.invokeRoute.AddRpcHandler(path, handler)
}

func (s *Server) AddUniHandler(path string, handler rpc.UniInvokeHandler) {
	s.invokeRoute.AddUniHandler(path, handler)
}

func (s *Server) RemoveUniHandler(path string) {
	s.invokeRoute.RemoveUniHandler(path)
}

func (s *Server) RemoveRpcHandler(path string) {
	s.invokeRoute.RemoveRpcHandler(path)
}

func NewServer(ctx context.Context, quicPort int, quicPath string, adapter ServerAdapter) *Server {
	re := &Server{adapter: adapter, quicPort: quicPort, quicPath: quicPath}
	re.SetCtx(ctx)
	re.invokeRoute = rpc.NewInvokeRoute(re.Ctx())
	re.invokeRoute.SetLeaseSeconds(re.LeaseSeconds())
	re.generateTLSConfig()
	certs := make([]tls.Certificate, 1)
	certs[0], _ = tls.LoadX509KeyPair("server.pem", "server.key")
	tlsConfig := &tls.Config{
		Certificates: certs,
	}

	re.echoMux = echo.New()
	re.echoMux.HideBanner = true
	re.echoMux.Any(quicPath, re.upgradeWebTransport)

	re.webTransPort = &webtransport.Server{
		H3: http3.Server{
			Addr:      fmt.Sprintf("0.0.0.0:%v", quicPort),
			TLSConfig: tlsConfig,
			Handler:   re.echoMux,
		},
		CheckOrigin: func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.RequestURI(), quicPath)
		},
	}

	re.invokeRoute.AddUniHandler(rpc.InvokePath_Device_Heartbeat, re.OnInvokerHeartbeat)

	go func() {
		log.Println(fmt.Sprintf("信令服务[:%v]已启动,路径[%v]", quicPort, quicPath))
		_ = re.webTransPort.ListenAndServe()
	}()

	return re
}
