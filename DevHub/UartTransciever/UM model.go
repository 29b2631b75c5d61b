package UartTransciever

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// maxFrame is the longest stuffed frame accepted from the host
const maxFrame = 2 * (4 + 0x10000)

// BridgeSettings ...
type BridgeSettings struct {
	PortName string
	Speed    int
	Log      *logrus.Logger
}

// Bridge exposes the radio to a host over a UART: the host sends and the bridge forwards what is received
type Bridge struct {
	port      io.ReadWriteCloser
	rf        TranscieverModel.Model
	log       *logrus.Logger
	mutex     sync.Mutex
	requests  chan uartRequest
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open the serial port and start serving it
func Open(settings BridgeSettings, rf TranscieverModel.Model) (*Bridge, error) {
	// read timeout lets the reader notice Close
	c := &serial.Config{Name: settings.PortName, Baud: settings.Speed, ReadTimeout: 100 * time.Millisecond}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial.OpenPort(%v): %w", settings.PortName, err)
	}
	return NewBridge(port, rf, settings.Log), nil
}

func NewBridge(port io.ReadWriteCloser, rf TranscieverModel.Model, log *logrus.Logger) *Bridge {
	if nil == log {
		log = logrus.New()
	}
	b := &Bridge{
		port:     port,
		rf:       rf,
		log:      log,
		requests: make(chan uartRequest, 8),
		closed:   make(chan struct{}),
	}
	b.wg.Add(2)
	go b.read()
	go b.serve()
	b.log.Info("UART bridge started")
	return b
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// read splits the byte stream into frames and queues the requests
func (b *Bridge) read() {
	defer b.wg.Done()
	defer close(b.requests)
	var frame packet
	buf := make([]byte, 0x100)
	for {
		n, err := b.port.Read(buf)
		for _, v := range buf[:n] {
			if slipEnd != v {
				if len(frame) < maxFrame {
					frame = append(frame, v)
				}
				continue
			}
			if 0 == len(frame) {
				continue
			}
			b.queue(frame)
			frame = nil
		}
		if nil != err {
			if b.isClosed() {
				return
			}
			// serial read timeout
			if errors.Is(err, io.EOF) {
				continue
			}
			b.log.Error(fmt.Sprintf("Bridge.read: %v", err))
			return
		}
	}
}

func (b *Bridge) queue(frame packet) {
	data, err := unstuffPacket(frame)
	if nil == err {
		var rq uartRequest
		if rq, err = parseRequest(data); nil == err {
			select {
			case b.requests <- rq:
			case <-b.closed:
			}
			return
		}
	}
	b.log.Warn(fmt.Sprintf("Bridge: dropping frame % X: %v", []byte(frame), err))
}

func (b *Bridge) serve() {
	defer b.wg.Done()
	for rq := range b.requests {
		rs := b.handle(rq)
		if err := b.write(rs); nil != err {
			b.log.Error(fmt.Sprintf("Bridge.serve: %v", err))
		}
	}
}

func (b *Bridge) write(rs uartResponse) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, err := b.port.Write(stuffPacket(createResponse(rs)))
	return err
}

func (b *Bridge) handle(rq uartRequest) uartResponse {
	rs := uartResponse{version: ProtocolVersion, command: rq.command, code: rOk}
	if ProtocolVersion != rq.version {
		rs.code = rBadProtocolVersion
		return rs
	}
	switch rq.command {
	case cEcho:
		rs.payload = append([]byte{}, rq.payload...)
	case cVersion:
		rs.payload = []byte{ProtocolVersion, b.rf.Address()}
	case cStatistics:
		rs.payload = statisticsPayload(b.rf.Statistics())
	case cSend:
		if 2 > len(rq.payload) {
			rs.code = rArgumentValidationError
			break
		}
		rs.code = b.resultCode(b.rf.Send(rq.payload[0], rq.payload[2:], rq.payload[1]))
	case cSendToWait:
		if 3 > len(rq.payload) {
			rs.code = rArgumentValidationError
			break
		}
		rs.code = b.resultCode(b.rf.SendToWait(rq.payload[0], rq.payload[3:], rq.payload[1], int(rq.payload[2])))
	default:
		rs.code = rBadCommand
	}
	b.log.Debug(fmt.Sprintf("Bridge: command %02X, code %02X", byte(rq.command), byte(rs.code)))
	return rs
}

func (b *Bridge) resultCode(err error) responseCode {
	switch {
	case nil == err:
		return rOk
	case errors.Is(err, RHModel.ErrSendTimeout):
		return rAckTimeout
	case errors.Is(err, RHModel.ErrFrameTooLarge):
		return rArgumentValidationError
	}
	b.log.Warn(fmt.Sprintf("Bridge: %v", err))
	return rFail
}

func statisticsPayload(st TranscieverModel.Statistics) []byte {
	ret := make([]byte, 0, 32)
	for _, v := range []uint32{
		st.RxGood, st.RxBad, st.RxFiltered, st.RxDuplicate,
		st.TxGood, st.Retransmissions, st.AckTimeouts, st.CadBusy,
	} {
		ret = binary.LittleEndian.AppendUint32(ret, v)
	}
	return ret
}

func clampInt8(v int) byte {
	if v > math.MaxInt8 {
		v = math.MaxInt8
	}
	if v < math.MinInt8 {
		v = math.MinInt8
	}
	return byte(int8(v))
}

// Forward is a receive callback, it sends the packet to the host unsolicited
func (b *Bridge) Forward(p RHModel.Payload) {
	if b.isClosed() {
		return
	}
	payload := []byte{p.From, p.To, p.ID, p.Flags, clampInt8(p.RSSI), clampInt8(int(math.Round(p.SNR * 4)))}
	rs := uartResponse{
		version: ProtocolVersion,
		command: cGetRxItem,
		code:    rDataPacket,
		payload: append(payload, p.Message...),
	}
	if err := b.write(rs); nil != err {
		b.log.Error(fmt.Sprintf("Bridge.Forward: %v", err))
	}
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.port.Close()
		b.wg.Wait()
		b.log.Info("UART bridge closed")
	})
	return err
}
