package rpc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luoming-git/yuankong/errcode"
	"github.com/luoming-git/yuankong/utils"
)

type InvokeData struct {
	RequestId string
	Header    map[string]string
	JsonBody  string
}

func (i *InvokeData) PutValue(value any) {
	i.JsonBody = utils.GetJsonString(value)
}

func (i *InvokeData) GetValue(value any) {
	utils.GetJsonValue(value, i.JsonBody)
}

type InvokeRequest struct {
	InvokeData
	Path string
}

func NewInvokeRequest(path string) *InvokeRequest {
	re := &InvokeRequest{Path: path}
	re.RequestId = uuid.New().String()
	re.Header = map[string]string{}
	return re
}

type InvokeResponse struct {
	InvokeData
	ResultCode    InvokeResult
	ResultMessage string
	ErrorCode     errcode.Code
}

func NewInvokeResponse(requestId string, resultCode InvokeResult, message string) *InvokeResponse {
	re := &InvokeResponse{ResultCode: resultCode}
	re.RequestId = requestId
	re.Header = map[string]string{}
	re.ResultMessage = message
	return re
}

func NewSuccessResponse(requestId string, v any) *InvokeResponse {
	re := NewInvokeResponse(requestId, InvokeResult_Success, "")
	if v != nil {
		re.PutValue(v)
	}
	return re
}

func NewErrorResponse(requestId string, format string, a ...any) *InvokeResponse {
	return NewInvokeResponse(requestId, InvokeResult_Error, fmt.Sprintf(format, a...))
}

func NewFaultResponse(requestId string, code errcode.Code) *InvokeResponse {
	re := NewInvokeResponse(requestId, InvokeResult_Error, errcode.Message(code))
	re.ErrorCode = code
	return re
}

// Fault 取得响应对应的错误码，成功响应返回Success
func (i *InvokeResponse) Fault() errcode.Code {
	if i.ResultCode == InvokeResult_Success {
		return errcode.Success
	}
	if i.ErrorCode != errcode.Success {
		return i.ErrorCode
	}
	return errcode.Unknown
}

// Invoker 在一个可读写流上承载JSON编码的请求/响应，通过RequestId关联应答
type Invoker struct {
	remoteAddr        string
	connectionId      string
	terminalId        string
	isCommandTunnel   bool
	writerLock        sync.Mutex
	reader            *bufio.Reader
	readerLock        sync.Mutex
	attach            map[string]any
	attachLock        sync.Mutex
	invokeMap         map[string]chan *InvokeResponse
	invokeMapLock     sync.Mutex
	writeErrorHandler func(err error)
	readErrorHandler  func(err error)
	readWriter        io.ReadWriteCloser
	utils.Closer
}

func NewInvoker(ctx context.Context, connectionId string, readWriter io.ReadWriteCloser) *Invoker {
	re := &Invoker{
		connectionId: connectionId,
		readWriter:   readWriter,
		reader:       bufio.NewReader(readWriter),
		attach:       map[string]any{},
		invokeMap:    make(map[string]chan *InvokeResponse),
	}
	re.SetCtx(ctx)
	return re
}

func (i *Invoker) ConnectionId() string {
	return i.connectionId
}

func (i *Invoker) TerminalId() string {
	return i.terminalId
}

func (i *Invoker) SetTerminalId(terminalId string) {
	i.terminalId = terminalId
}

func (i *Invoker) RemoteAddr() string {
	return i.remoteAddr
}

func (i *Invoker) SetRemoteAddr(remoteAddr string) {
	i.remoteAddr = remoteAddr
}

func (i *Invoker) IsCommandTunnel() bool {
	return i.isCommandTunnel
}

func (i *Invoker) SetIsCommandTunnel(isCommand bool) {
	i.isCommandTunnel = isCommand
}

func (i *Invoker) SetWriteErrorHandler(handler func(err error)) {
	i.writeErrorHandler = handler
}

func (i *Invoker) SetReadErrorHandler(handler func(err error)) {
	i.readErrorHandler = handler
}

func (i *Invoker) ReadWriter() io.ReadWriteCloser {
	return i.readWriter
}

func (i *Invoker) Close() error {
	i.CtxCancel()
	return nil
}

func (i *Invoker) GetAttach(key string) any {
	defer i.attachLock.Unlock()
	i.attachLock.Lock()
	if v, ok := i.attach[key]; ok {
		return v
	}
	return nil
}

func (i *Invoker) SetAttach(key string, value any) {
	defer i.attachLock.Unlock()
	i.attachLock.Lock()
	i.attach[key] = value
}

func (i *Invoker) WriteRequest(request *InvokeRequest) error {
	return i.writeInvokeData("1", request)
}

func (i *Invoker) WriteResponse(response *InvokeResponse) error {
	return i.writeInvokeData("2", response)
}

// ReadInvoke 从流中读取一条数据，只可能是InvokeRequest/InvokeResponse/error
// 写入格式为: base64(json{type:"1"/"2", data:请求或响应}) + 换行
func (i *Invoker) ReadInvoke() (*InvokeRequest, *InvokeResponse, error) {
	defer i.readerLock.Unlock()
	i.readerLock.Lock()

	str, err := i.reader.ReadString('\n')
	if err != nil {
		if i.readErrorHandler != nil {
			i.readErrorHandler(err)
		}
		return nil, nil, err
	}

	b, deErr := base64.StdEncoding.DecodeString(strings.TrimSpace(str))
	if deErr != nil {
		return nil, nil, deErr
	}

	v := &invokeFrame{}
	utils.GetJsonValue(v, string(b))
	switch v.Type {
	case "1":
		invReq := &InvokeRequest{}
		utils.GetJsonValue(invReq, v.Data)
		return invReq, nil, nil
	case "2":
		invResp := &InvokeResponse{}
		utils.GetJsonValue(invResp, v.Data)
		return nil, invResp, nil
	default:
		return nil, nil, errors.New(fmt.Sprintf("读取到的invoke类型无效：%v", v.Type))
	}
}

type invokeFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (i *Invoker) writeInvokeData(invType string, invokeData any) error {
	frame := &invokeFrame{Type: invType, Data: utils.GetJsonString(invokeData)}
	enStr := base64.StdEncoding.EncodeToString(utils.GetJsonBytes(frame))

	defer i.writerLock.Unlock()
	i.writerLock.Lock()

	if _, err := i.readWriter.Write([]byte(enStr + "\n")); err != nil {
		if i.writeErrorHandler != nil {
			i.writeErrorHandler(err)
		}
		return err
	}
	return nil
}

func (i *Invoker) setResponseChan(requestId string) chan *InvokeResponse {
	defer i.invokeMapLock.Unlock()
	i.invokeMapLock.Lock()
	respChan := make(chan *InvokeResponse, 1)
	i.invokeMap[requestId] = respChan
	return respChan
}

func (i *Invoker) deleteResponseChan(requestId string) {
	defer i.invokeMapLock.Unlock()
	i.invokeMapLock.Lock()
	delete(i.invokeMap, requestId)
}

func (i *Invoker) receiveResponse(resp *InvokeResponse) {
	defer i.invokeMapLock.Unlock()
	i.invokeMapLock.Lock()
	if v, ok := i.invokeMap[resp.RequestId]; ok {
		v <- resp
	}
}

// Invoke 发送请求并等待对端响应，连接关闭时返回error
func (i *Invoker) Invoke(request *InvokeRequest) (*InvokeResponse, error) {
	return i.InvokeTimeout(request, 0)
}

func (i *Invoker) InvokeTimeout(request *InvokeRequest, timeout time.Duration) (*InvokeResponse, error) {
	respChan := i.setResponseChan(request.RequestId)
	defer i.deleteResponseChan(request.RequestId)

	if err := i.WriteRequest(request); err != nil {
		i.CtxCancel()
		return nil, err
	}

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timeoutChan = time.After(timeout)
	}

	select {
	case <-i.Ctx().Done():
		return nil, InvalidInvokerConnect
	case <-timeoutChan:
		return nil, errcode.New(errcode.RequestConnectionTimeout)
	case resp := <-respChan:
		return resp, nil
	}
}

type BidiInvokeHandler func(invoker *Invoker, request *InvokeRequest) *InvokeResponse
type UniInvokeHandler func(invoker *Invoker, request *InvokeRequest)

// InvokeRoute 管理一组Invoker与按路径注册的处理过程
type InvokeRoute struct {
	bidiHandlers   map[string]BidiInvokeHandler
	uniHandlers    map[string]UniInvokeHandler
	invokes        *utils.Cache[*Invoker]
	defaultInvoker *Invoker
	handlerLock    sync.Mutex
	leaseSeconds   int
	utils.Closer
}

func NewInvokeRoute(ctx context.Context) *InvokeRoute {
	re := &InvokeRoute{
		bidiHandlers: make(map[string]BidiInvokeHandler),
		uniHandlers:  make(map[string]UniInvokeHandler),
	}
	re.SetCtx(ctx)
	re.invokes = utils.NewCache[*Invoker](re.Ctx())
	re.invokes.SetExpireHandler(func(key string, value any) {
		if v, ok := value.(*Invoker); ok {
			_ = v.Close()
		}
	})
	return re
}

func (r *InvokeRoute) LeaseSeconds() int {
	if r.leaseSeconds == 0 {
		r.leaseSeconds = 30
	}
	return r.leaseSeconds
}

func (r *InvokeRoute) SetLeaseSeconds(leaseSeconds int) {
	r.leaseSeconds = leaseSeconds
}

func (r *InvokeRoute) getLeaseDuration() time.Duration {
	return time.Duration(r.LeaseSeconds()) * time.Second
}

func (r *InvokeRoute) AddNewInvoker(connectionId string, isCommand bool, readWriter io.ReadWriteCloser) *Invoker {
	invoker := NewInvoker(r.Ctx(), connectionId, readWriter)
	invoker.isCommandTunnel = isCommand
	r.invokes.Set(connectionId, invoker)
	return invoker
}

func (r *InvokeRoute) DefaultInvoker() *Invoker {
	return r.defaultInvoker
}

func (r *InvokeRoute) SetDefaultInvoker(defaultInvoker *Invoker) {
	r.defaultInvoker = defaultInvoker
}

func (r *InvokeRoute) AddRpcHandler(path string, handler BidiInvokeHandler) {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	r.bidiHandlers[strings.ToLower(strings.TrimSpace(path))] = handler
}

func (r *InvokeRoute) AddUniHandler(path string, handler UniInvokeHandler) {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	r.uniHandlers[strings.ToLower(strings.TrimSpace(path))] = handler
}

func (r *InvokeRoute) RemoveRpcHandler(path string) {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	delete(r.bidiHandlers, strings.ToLower(strings.TrimSpace(path)))
}

func (r *InvokeRoute) RemoveUniHandler(path string) {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	delete(r.uniHandlers, strings.ToLower(strings.TrimSpace(path)))
}

func (r *InvokeRoute) GetBidiHandler(path string) BidiInvokeHandler {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	return r.bidiHandlers[strings.ToLower(strings.TrimSpace(path))]
}

func (r *InvokeRoute) GetUniHandler(path string) UniInvokeHandler {
	defer r.handlerLock.Unlock()
	r.handlerLock.Lock()
	return r.uniHandlers[strings.ToLower(strings.TrimSpace(path))]
}

func (r *InvokeRoute) HasInvoke(connId string) bool {
	return r.invokes.HasKey(connId)
}

func (r *InvokeRoute) SetExpire(connId string, duration time.Duration) {
	r.invokes.SetExpire(connId, duration)
}

func (r *InvokeRoute) GetInvoker(connId string) *Invoker {
	return r.invokes.Get(connId)
}

func (r *InvokeRoute) RemoveInvoker(connId string) {
	r.invokes.Delete(connId)
}

// DispatchInvoke 循环读取一个Invoker上的数据并分发到对应的处理过程
func (r *InvokeRoute) DispatchInvoke(invoker *Invoker) {
	for {
		if !r.HasInvoke(invoker.connectionId) {
			return
		}

		req, resp, err := invoker.ReadInvoke()
		if err != nil {
			invoker.CtxCancel()
			r.RemoveInvoker(invoker.connectionId)
			return
		}

		if resp != nil {
			go invoker.receiveResponse(resp)
			continue
		}

		if req == nil {
			continue
		}

		if invoker.isCommandTunnel {
			r.SetExpire(invoker.connectionId, r.getLeaseDuration())
		}

		// 单向消息在读取循环内同步分发，保证同一连接上的到达顺序
		if uniHandler := r.GetUniHandler(req.Path); uniHandler != nil {
			uniHandler(invoker, req)
			continue
		}

		if rpcHandler := r.GetBidiHandler(req.Path); rpcHandler != nil {
			go func(req *InvokeRequest) {
				callResp := rpcHandler(invoker, req)
				if callErr := invoker.WriteResponse(callResp); callErr != nil {
					invoker.CtxCancel()
					go r.RemoveInvoker(invoker.connectionId)
				}
			}(req)
			continue
		}

		if req.Path != "" {
			log.Println(fmt.Sprintf("找不到[%v]对应的处理过程", req.Path))
		}
	}
}
