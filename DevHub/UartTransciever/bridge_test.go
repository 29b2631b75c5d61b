package UartTransciever

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/sirupsen/logrus"
)

type call struct {
	to      byte
	message string
	flags   byte
	retries int
}

type fakeModel struct {
	lock  sync.Mutex
	calls []call
	err   error
}

func (m *fakeModel) Address() byte { return 0x2A }

func (m *fakeModel) Send(to byte, message []byte, flags byte) error {
	return m.record(call{to, string(message), flags, -1})
}

func (m *fakeModel) SendToWait(to byte, message []byte, flags byte, retries int) error {
	return m.record(call{to, string(message), flags, retries})
}

func (m *fakeModel) record(c call) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, c)
	return m.err
}

func (m *fakeModel) Statistics() TranscieverModel.Statistics {
	return TranscieverModel.Statistics{RxGood: 1, RxBad: 2, TxGood: 0x01020304, CadBusy: 8}
}

func (m *fakeModel) Close() error { return nil }

func newBridge(t *testing.T, rf *fakeModel) (*Bridge, net.Conn) {
	t.Helper()
	host, device := net.Pipe()
	log := logrus.New()
	log.Out = ioutil.Discard
	b := NewBridge(device, rf, log)
	t.Cleanup(func() {
		b.Close()
		host.Close()
	})
	return b, host
}

func request(t *testing.T, host net.Conn, version byte, cmd command, payload []byte) {
	t.Helper()
	host.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := host.Write(stuffPacket(createRequest(uartRequest{version, cmd, payload}))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

// readResponse reads one frame from the bridge
func readResponse(t *testing.T, host net.Conn) uartResponse {
	t.Helper()
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame packet
	b := make([]byte, 1)
	for {
		if _, err := host.Read(b); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if slipEnd != b[0] {
			frame = append(frame, b[0])
			continue
		}
		if 0 == len(frame) {
			continue
		}
		data, err := unstuffPacket(frame)
		if err != nil {
			t.Fatalf("unstuffPacket(% X) error = %v", []byte(frame), err)
		}
		rs, err := parseResponse(data)
		if err != nil {
			t.Fatalf("parseResponse() error = %v", err)
		}
		return rs
	}
}

func TestBridgeEchoAndVersion(t *testing.T) {
	_, host := newBridge(t, &fakeModel{})
	request(t, host, ProtocolVersion, cEcho, []byte{0xC0, 0xDB, 1})
	rs := readResponse(t, host)
	if !validateResponse(rs, cEcho) || rOk != rs.code || !bytes.Equal(rs.payload, []byte{0xC0, 0xDB, 1}) {
		t.Errorf("echo response %+v", rs)
	}
	request(t, host, ProtocolVersion, cVersion, nil)
	rs = readResponse(t, host)
	if !validateResponse(rs, cVersion) || !bytes.Equal(rs.payload, []byte{ProtocolVersion, 0x2A}) {
		t.Errorf("version response %+v", rs)
	}
}

func TestBridgeStatistics(t *testing.T) {
	_, host := newBridge(t, &fakeModel{})
	request(t, host, ProtocolVersion, cStatistics, nil)
	rs := readResponse(t, host)
	if 32 != len(rs.payload) {
		t.Fatalf("statistics payload is %d bytes", len(rs.payload))
	}
	want := []uint32{1, 2, 0, 0, 0x01020304, 0, 0, 8}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(rs.payload[4*i:]); w != got {
			t.Errorf("counter %d = %X, want %X", i, got, w)
		}
	}
}

func TestBridgeSend(t *testing.T) {
	tests := []struct {
		name     string
		cmd      command
		payload  []byte
		err      error
		wantCode responseCode
		wantCall *call
	}{
		{"send", cSend, []byte{10, 0x01, 'h', 'i'}, nil, rOk, &call{10, "hi", 0x01, -1}},
		{"send to wait", cSendToWait, []byte{10, 0, 5, 'h', 'i'}, nil, rOk, &call{10, "hi", 0, 5}},
		{"empty message", cSendToWait, []byte{11, 0, 0}, nil, rOk, &call{11, "", 0, 0}},
		{"no ack", cSendToWait, []byte{10, 0, 3, 'x'}, RHModel.ErrSendTimeout, rAckTimeout, &call{10, "x", 0, 3}},
		{"too large", cSend, []byte{10, 0, 'x'}, RHModel.ErrFrameTooLarge, rArgumentValidationError, &call{10, "x", 0, -1}},
		{"radio failure", cSend, []byte{10, 0}, errors.New("spi"), rFail, &call{10, "", 0, -1}},
		{"short send", cSend, []byte{10}, nil, rArgumentValidationError, nil},
		{"short send to wait", cSendToWait, []byte{10, 0}, nil, rArgumentValidationError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf := &fakeModel{err: tt.err}
			_, host := newBridge(t, rf)
			request(t, host, ProtocolVersion, tt.cmd, tt.payload)
			rs := readResponse(t, host)
			if !validateResponse(rs, tt.cmd) || tt.wantCode != rs.code {
				t.Errorf("response %+v, want code %02X", rs, tt.wantCode)
			}
			rf.lock.Lock()
			defer rf.lock.Unlock()
			if nil == tt.wantCall && 0 != len(rf.calls) || nil != tt.wantCall && (1 != len(rf.calls) || *tt.wantCall != rf.calls[0]) {
				t.Errorf("calls %+v, want %+v", rf.calls, tt.wantCall)
			}
		})
	}
}

func TestBridgeBadRequests(t *testing.T) {
	_, host := newBridge(t, &fakeModel{})
	request(t, host, 2, cEcho, nil)
	rs := readResponse(t, host)
	if rBadProtocolVersion != rs.code {
		t.Errorf("wrong version answered %02X", rs.code)
	}
	request(t, host, ProtocolVersion, 0x33, nil)
	rs = readResponse(t, host)
	if !validateResponse(rs, 0x33) || rBadCommand != rs.code {
		t.Errorf("unknown command answered %+v", rs)
	}
	// garbage is dropped silently, the next request is still served
	host.SetWriteDeadline(time.Now().Add(2 * time.Second))
	host.Write([]byte{0xC0, 0xDB, 0x00, 0xC0, 0x01, 0xC0})
	request(t, host, ProtocolVersion, cEcho, []byte{5})
	rs = readResponse(t, host)
	if !validateResponse(rs, cEcho) || !bytes.Equal(rs.payload, []byte{5}) {
		t.Errorf("echo after garbage %+v", rs)
	}
}

func TestBridgeForward(t *testing.T) {
	b, host := newBridge(t, &fakeModel{})
	go b.Forward(RHModel.Payload{Message: []byte("Hello"), From: 3, To: 0x2A, ID: 9, Flags: 0x01, RSSI: -200, SNR: -2.5})
	rs := readResponse(t, host)
	want := append([]byte{3, 0x2A, 9, 0x01, 0x80, 0xF6}, "Hello"...)
	if !validateResponse(rs, cGetRxItem) || rDataPacket != rs.code || !bytes.Equal(rs.payload, want) {
		t.Errorf("forwarded % X, want % X", rs.payload, want)
	}
}

func TestBridgeClose(t *testing.T) {
	b, _ := newBridge(t, &fakeModel{})
	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() hangs")
	}
	// no write on a closed bridge
	b.Forward(RHModel.Payload{From: 1})
}
