package TranscieverModel

// Mode is the operating mode of the radio as tracked by the session
type Mode byte

const (
	MUndefined Mode = iota
	MSleep
	MIdle
	MChannelListen
	MReceiving
	MTransmitting
)

func (m Mode) String() string {
	switch m {
	case MSleep:
		return "sleep"
	case MIdle:
		return "idle"
	case MChannelListen:
		return "cad"
	case MReceiving:
		return "rx"
	case MTransmitting:
		return "tx"
	}
	return "unknown"
}

// IrqFlags mirrors the SX127x LoRa IRQ flags register layout
type IrqFlags byte

const (
	IrqCadDetected     IrqFlags = 0x01
	IrqFhssChange      IrqFlags = 0x02
	IrqCadDone         IrqFlags = 0x04
	IrqTxDone          IrqFlags = 0x08
	IrqValidHeader     IrqFlags = 0x10
	IrqPayloadCrcError IrqFlags = 0x20
	IrqRxDone          IrqFlags = 0x40
	IrqRxTimeout       IrqFlags = 0x80
	IrqAll             IrqFlags = 0xFF
)

func (f IrqFlags) Has(flag IrqFlags) bool {
	return 0 != f&flag
}

// SignalQuality of the last received packet
type SignalQuality struct {
	RSSI int
	SNR  float64
}

// Transciever is the hardware side of a session: a packet radio with a single FIFO
// and an interrupt flags register
type Transciever interface {
	SetMode(mode Mode) error
	// LoadFrame puts an encoded frame into the FIFO, transmission starts on SetMode(MTransmitting)
	LoadFrame(frame []byte) error
	ReadFrame() ([]byte, SignalQuality, error)
	IrqFlags() (IrqFlags, error)
	// ClearIrq clears only the given flags
	ClearIrq(flags IrqFlags) error
	MaxFrameSize() int
	Close() error
}

// InterruptSource calls handler on every interrupt edge of the radio until disarmed.
// handler must not block.
type InterruptSource interface {
	Arm(handler func()) error
	Disarm() error
}

// Statistics counters of a session
type Statistics struct {
	RxGood          uint32
	RxBad           uint32
	RxFiltered      uint32
	RxDuplicate     uint32
	TxGood          uint32
	Retransmissions uint32
	AckTimeouts     uint32
	CadBusy         uint32
}

// Model is what the gateway needs from a session
type Model interface {
	Address() byte
	Send(to byte, message []byte, flags byte) error
	SendToWait(to byte, message []byte, flags byte, retries int) error
	Statistics() Statistics
	Close() error
}
