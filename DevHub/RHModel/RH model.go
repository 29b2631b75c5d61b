package RHModel

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRetryTimeout          = 200 * time.Millisecond
	DefaultWaitPacketSentTimeout = 200 * time.Millisecond
	DefaultRetries               = 3

	cadDetectionWindow = 250 * time.Millisecond
	cadBackoffMin      = 10 * time.Millisecond
	cadBackoffMax      = 50 * time.Millisecond

	eventQueueLength    = 8
	deliveryQueueLength = 16
)

var log = logrus.New()

func init() {
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel
	log.Out = os.Stdout
}

type Settings struct {
	Address byte
	// Acks enables acknowledgement of unicast packets addressed to this node.
	// RadioHead nodes acknowledge every unicast packet, pyLoraRFM9x nodes only those
	// carrying FlagsReqAck, talking to them needs RequestAck.
	Acks bool
	// RequestAck sets FlagsReqAck on SendToWait packets and acknowledges only packets carrying it
	RequestAck bool
	// ReceiveAll disables address filtering, packets for other nodes are delivered but never acknowledged
	ReceiveAll   bool
	Cipher       Cipher
	StrictLength bool
	// DefaultMode is entered after transmission and CAD, MReceiving if undefined
	DefaultMode TranscieverModel.Mode
	// CadTimeout of zero disables channel activity detection
	CadTimeout time.Duration
	// RetryTimeout is the base ack wait, each attempt adds a random jitter up to the same value
	RetryTimeout          time.Duration
	WaitPacketSentTimeout time.Duration
	Log                   *logrus.Logger
}

// Payload is a received application packet
type Payload struct {
	Message []byte
	From    byte
	To      byte
	ID      byte
	Flags   byte
	RSSI    int
	SNR     float64
}

// pendingAck is the single reliable send waiting for its acknowledgement
type pendingAck struct {
	to   byte
	id   byte
	done chan struct{}
}

// Session is the protocol state of one radio.
// Hardware notifications are queued by Interrupt and handled by a single dispatcher goroutine,
// received packets are acknowledged and passed to the callback by a delivery goroutine in order.
type Session struct {
	radio    TranscieverModel.Transciever
	irq      TranscieverModel.InterruptSource
	codec    Codec
	settings Settings
	log      *logrus.Entry

	// mutex guards the fields below, never held during hardware access
	mutex     sync.Mutex
	mode      TranscieverModel.Mode
	lastID    byte
	pending   *pendingAck
	txDone    chan struct{}
	cadResult chan bool
	seen      map[byte]byte
	stats     TranscieverModel.Statistics
	callback  func(Payload)

	// modeMutex makes a state change and its register write one step
	modeMutex sync.Mutex
	// txMutex holds one transmission from CAD to the start of TX
	txMutex sync.Mutex
	// sendMutex keeps a single outstanding SendToWait
	sendMutex sync.Mutex

	events    chan struct{}
	inbound   chan Payload
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession takes over a configured radio. When irq is not nil it is armed to call Interrupt.
func NewSession(radio TranscieverModel.Transciever, irq TranscieverModel.InterruptSource, settings Settings) (*Session, error) {
	if BroadcastAddress == settings.Address {
		return nil, fmt.Errorf("RHModel.NewSession: %d is the broadcast address", settings.Address)
	}
	if 0 >= settings.RetryTimeout {
		settings.RetryTimeout = DefaultRetryTimeout
	}
	if 0 >= settings.WaitPacketSentTimeout {
		settings.WaitPacketSentTimeout = DefaultWaitPacketSentTimeout
	}
	if TranscieverModel.MUndefined == settings.DefaultMode {
		settings.DefaultMode = TranscieverModel.MReceiving
	}
	logger := settings.Log
	if nil == logger {
		logger = log
	}
	s := &Session{
		radio:    radio,
		irq:      irq,
		settings: settings,
		log:      logger.WithField("address", settings.Address),
		codec: Codec{
			Cipher:       settings.Cipher,
			StrictLength: settings.StrictLength,
			MaxFrameSize: radio.MaxFrameSize(),
		},
		mode:    TranscieverModel.MIdle,
		seen:    make(map[byte]byte),
		events:  make(chan struct{}, eventQueueLength),
		inbound: make(chan Payload, deliveryQueueLength),
		closed:  make(chan struct{}),
	}
	if err := radio.ClearIrq(TranscieverModel.IrqAll); err != nil {
		return nil, fmt.Errorf("RHModel.NewSession: %w", err)
	}
	s.wg.Add(2)
	go s.dispatch()
	go s.deliver()
	if nil != irq {
		if err := irq.Arm(s.Interrupt); err != nil {
			s.stop()
			return nil, fmt.Errorf("RHModel.NewSession: %w", err)
		}
	}
	if err := s.setMode(settings.DefaultMode); err != nil {
		if nil != irq {
			_ = irq.Disarm()
		}
		s.stop()
		return nil, fmt.Errorf("RHModel.NewSession: %w", err)
	}
	s.log.Info(fmt.Sprintf("session started, acks %v, default mode %v", settings.Acks, settings.DefaultMode))
	return s, nil
}

func (s *Session) Address() byte {
	return s.settings.Address
}

// OnReceive sets the callback for application packets. It runs on the delivery goroutine,
// it may send, but must not call Close.
func (s *Session) OnReceive(callback func(Payload)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callback = callback
}

func (s *Session) Mode() TranscieverModel.Mode {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.mode
}

func (s *Session) Statistics() TranscieverModel.Statistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

func (s *Session) SetModeIdle() error {
	return s.setMode(TranscieverModel.MIdle)
}

func (s *Session) SetModeRx() error {
	return s.setMode(TranscieverModel.MReceiving)
}

// SetModeTx starts transmission of whatever is in the fifo
func (s *Session) SetModeTx() error {
	return s.setMode(TranscieverModel.MTransmitting)
}

func (s *Session) Sleep() error {
	return s.setMode(TranscieverModel.MSleep)
}

func (s *Session) setMode(mode TranscieverModel.Mode) error {
	s.modeMutex.Lock()
	defer s.modeMutex.Unlock()
	s.mutex.Lock()
	s.mode = mode
	if TranscieverModel.MTransmitting == mode {
		s.txDone = make(chan struct{})
	} else {
		s.txDone = nil
	}
	s.mutex.Unlock()
	return s.radio.SetMode(mode)
}

// Interrupt is the hardware notification entry point, it never blocks
func (s *Session) Interrupt() {
	select {
	case s.events <- struct{}{}:
	default:
		// queued events read the flags register anyway
	}
}

func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case <-s.events:
			s.handleInterrupt()
		}
	}
}

func (s *Session) handleInterrupt() {
	flags, err := s.radio.IrqFlags()
	if err != nil {
		s.log.Error(fmt.Sprintf("reading irq flags: %v", err))
		return
	}
	if 0 == flags {
		return
	}
	mode := s.Mode()
	s.log.Trace(fmt.Sprintf("irq %02X in mode %v", byte(flags), mode))
	switch {
	case TranscieverModel.MTransmitting == mode && flags.Has(TranscieverModel.IrqTxDone):
		s.clearIrq(flags &^ TranscieverModel.IrqTxDone)
		if done, ok := s.confirmTxDone(); ok {
			s.packetSent(done)
		}
	case TranscieverModel.MReceiving == mode && flags.Has(TranscieverModel.IrqRxDone):
		frame, quality, stillReceiving, err := s.readReceived()
		s.clearIrq(flags)
		if !stillReceiving {
			s.log.Debug("rx left before the frame was read, fifo belongs to tx now")
			return
		}
		if err != nil {
			s.log.Error(fmt.Sprintf("reading frame: %v", err))
			return
		}
		if flags.Has(TranscieverModel.IrqPayloadCrcError) {
			s.count(func(st *TranscieverModel.Statistics) { st.RxBad++ })
			s.log.Debug(ErrChecksumInvalid.Error())
			return
		}
		s.receive(frame, quality)
	case TranscieverModel.MChannelListen == mode && flags.Has(TranscieverModel.IrqCadDone):
		s.clearIrq(flags)
		s.cadDone(flags.Has(TranscieverModel.IrqCadDetected))
	default:
		// left over from a mode we already switched away from
		s.clearIrq(flags)
	}
}

func (s *Session) clearIrq(flags TranscieverModel.IrqFlags) {
	if err := s.radio.ClearIrq(flags); err != nil {
		s.log.Error(fmt.Sprintf("clearing irq flags: %v", err))
	}
}

func (s *Session) count(update func(st *TranscieverModel.Statistics)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	update(&s.stats)
}

// readReceived reads the fifo only while the radio is still in rx.
// The fifo is shared with tx, so the mode check and the read are one step against transmit.
func (s *Session) readReceived() ([]byte, TranscieverModel.SignalQuality, bool, error) {
	s.modeMutex.Lock()
	defer s.modeMutex.Unlock()
	if TranscieverModel.MReceiving != s.Mode() {
		return nil, TranscieverModel.SignalQuality{}, false, nil
	}
	frame, quality, err := s.radio.ReadFrame()
	return frame, quality, true, err
}

// confirmTxDone reads TxDone again while the mode can not change.
// A late TxDone of an abandoned transmission is cleared by transmit before the next one starts,
// so a TxDone seen here in tx mode belongs to the current transmission.
func (s *Session) confirmTxDone() (chan struct{}, bool) {
	s.modeMutex.Lock()
	defer s.modeMutex.Unlock()
	s.mutex.Lock()
	mode, done := s.mode, s.txDone
	s.mutex.Unlock()
	if TranscieverModel.MTransmitting != mode {
		return nil, false
	}
	flags, err := s.radio.IrqFlags()
	if err != nil {
		s.log.Error(fmt.Sprintf("reading irq flags: %v", err))
		return nil, false
	}
	if !flags.Has(TranscieverModel.IrqTxDone) {
		return nil, false
	}
	s.clearIrq(TranscieverModel.IrqTxDone)
	return done, true
}

func (s *Session) packetSent(done chan struct{}) {
	s.mutex.Lock()
	s.stats.TxGood++
	s.mutex.Unlock()
	if err := s.setMode(s.settings.DefaultMode); err != nil {
		s.log.Error(fmt.Sprintf("switching to %v after transmission: %v", s.settings.DefaultMode, err))
	}
	if nil != done {
		close(done)
	}
}

func (s *Session) cadDone(busy bool) {
	s.mutex.Lock()
	result := s.cadResult
	s.cadResult = nil
	if busy {
		s.stats.CadBusy++
	}
	s.mutex.Unlock()
	if err := s.setMode(s.settings.DefaultMode); err != nil {
		s.log.Error(fmt.Sprintf("switching to %v after cad: %v", s.settings.DefaultMode, err))
	}
	if nil != result {
		result <- busy
	}
}

func (s *Session) receive(frame []byte, quality TranscieverModel.SignalQuality) {
	s.log.Debug(fmt.Sprintf("rx %s(rssi %d, snr %.2f)", Dump(frame), quality.RSSI, quality.SNR))
	h, err := ParseHeader(frame)
	if err != nil {
		s.count(func(st *TranscieverModel.Statistics) { st.RxBad++ })
		s.log.Debug(err.Error())
		return
	}
	if s.settings.Address != h.To && !h.IsBroadcast() && !s.settings.ReceiveAll {
		s.count(func(st *TranscieverModel.Statistics) { st.RxFiltered++ })
		s.log.Trace(fmt.Sprintf("%v: to %d", ErrAddressMismatch, h.To))
		return
	}
	message, err := s.codec.openPayload(frame[HeaderSize:])
	if err != nil {
		s.count(func(st *TranscieverModel.Statistics) { st.RxBad++ })
		s.log.Debug(err.Error())
		return
	}
	s.count(func(st *TranscieverModel.Statistics) { st.RxGood++ })
	if h.IsAck() {
		s.ackReceived(h)
		return
	}
	p := Payload{
		Message: message,
		From:    h.From,
		To:      h.To,
		ID:      h.ID,
		Flags:   h.Flags,
		RSSI:    quality.RSSI,
		SNR:     quality.SNR,
	}
	select {
	case s.inbound <- p:
	default:
		s.log.Warn(fmt.Sprintf("delivery queue is full, dropping packet from %d id %d", h.From, h.ID))
	}
}

func (s *Session) ackReceived(h Header) {
	s.mutex.Lock()
	p := s.pending
	matched := nil != p && p.to == h.From && p.id == h.ID && s.settings.Address == h.To
	if matched {
		s.pending = nil
	}
	s.mutex.Unlock()
	if matched {
		s.log.Trace(fmt.Sprintf("ack from %d id %d", h.From, h.ID))
		close(p.done)
		return
	}
	s.log.Debug(fmt.Sprintf("ignoring ack from %d to %d id %d", h.From, h.To, h.ID))
}

func (s *Session) deliver() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case p := <-s.inbound:
			s.handleInbound(p)
		}
	}
}

func (s *Session) handleInbound(p Payload) {
	if s.settings.Acks && s.settings.Address == p.To && (!s.settings.RequestAck || 0 != p.Flags&FlagsReqAck) {
		if err := s.sendAck(p.From, p.ID); err != nil {
			s.log.Warn(fmt.Sprintf("ack to %d id %d: %v", p.From, p.ID, err))
		}
		if s.isDuplicate(p.From, p.ID) {
			s.count(func(st *TranscieverModel.Statistics) { st.RxDuplicate++ })
			s.log.Debug(fmt.Sprintf("duplicate from %d id %d", p.From, p.ID))
			return
		}
	}
	s.mutex.Lock()
	callback := s.callback
	s.mutex.Unlock()
	if nil != callback {
		callback(p)
	}
}

// isDuplicate remembers the last id seen from every node
func (s *Session) isDuplicate(from byte, id byte) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if last, ok := s.seen[from]; ok && last == id {
		return true
	}
	s.seen[from] = id
	return false
}

func (s *Session) sendAck(to byte, id byte) error {
	h := Header{To: to, From: s.settings.Address, ID: id, Flags: FlagsAck}
	if err := s.transmit(h, ackMessage); err != nil {
		return err
	}
	return s.WaitPacketSent()
}

func (s *Session) nextID() byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastID++
	return s.lastID
}

// Send hands a datagram with the next id to the radio, delivery is not confirmed
func (s *Session) Send(to byte, message []byte, flags byte) error {
	return s.SendHeader(Header{To: to, ID: s.nextID(), Flags: flags}, message)
}

// SendHeader sends with the caller's id and flags, From is always this node
func (s *Session) SendHeader(h Header, message []byte) error {
	h.From = s.settings.Address
	return s.transmit(h, message)
}

func (s *Session) transmit(h Header, message []byte) error {
	frame, err := s.codec.Encode(h, message)
	if err != nil {
		return err
	}
	s.txMutex.Lock()
	defer s.txMutex.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.WaitPacketSent(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		s.log.Warn(fmt.Sprintf("previous transmission: %v", err))
	}
	s.waitChannelClear()
	if err := s.setMode(TranscieverModel.MIdle); err != nil {
		return fmt.Errorf("RHModel.transmit: %w", err)
	}
	// TxDone of a transmission we stopped waiting for
	if err := s.radio.ClearIrq(TranscieverModel.IrqTxDone); err != nil {
		return fmt.Errorf("RHModel.transmit: %w", err)
	}
	if err := s.radio.LoadFrame(frame); err != nil {
		return fmt.Errorf("RHModel.transmit: %w", err)
	}
	s.log.Debug(fmt.Sprintf("tx %s", Dump(frame)))
	if err := s.setMode(TranscieverModel.MTransmitting); err != nil {
		return fmt.Errorf("RHModel.transmit: %w", err)
	}
	return nil
}

// WaitPacketSent blocks until the current transmission completes
func (s *Session) WaitPacketSent() error {
	s.mutex.Lock()
	done := s.txDone
	transmitting := TranscieverModel.MTransmitting == s.mode
	s.mutex.Unlock()
	if !transmitting || nil == done {
		return nil
	}
	timer := time.NewTimer(s.settings.WaitPacketSentTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return newError(ETransmitTimeout, "no TxDone in %v", s.settings.WaitPacketSentTimeout)
	case <-s.closed:
		return ErrClosed
	}
}

// waitChannelClear runs CAD until the channel is free or CadTimeout runs out.
// It returns false when transmission goes ahead without a clear channel.
func (s *Session) waitChannelClear() bool {
	if 0 >= s.settings.CadTimeout {
		return true
	}
	deadline := time.Now().Add(s.settings.CadTimeout)
	for {
		result := make(chan bool, 1)
		s.mutex.Lock()
		s.cadResult = result
		s.mutex.Unlock()
		if err := s.setMode(TranscieverModel.MChannelListen); err != nil {
			s.log.Error(fmt.Sprintf("starting cad: %v", err))
			return false
		}
		window := time.Until(deadline)
		if window > cadDetectionWindow || window <= 0 {
			window = cadDetectionWindow
		}
		timer := time.NewTimer(window)
		select {
		case busy := <-result:
			timer.Stop()
			if !busy {
				return true
			}
			s.log.Debug("channel activity detected")
		case <-timer.C:
			s.log.Debug("no CadDone within the detection window")
		case <-s.closed:
			timer.Stop()
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.log.Warn(fmt.Sprintf("channel is busy for %v, transmitting anyway", s.settings.CadTimeout))
			return false
		}
		backoff := cadBackoffMin + time.Duration(rand.Int63n(int64(cadBackoffMax-cadBackoffMin)))
		if backoff > remaining {
			backoff = remaining
		}
		select {
		case <-time.After(backoff):
		case <-s.closed:
			return false
		}
	}
}

// SendToWait sends and waits for the acknowledgement, retrying up to retries times.
// Broadcasts are sent once and never acknowledged.
func (s *Session) SendToWait(to byte, message []byte, flags byte, retries int) error {
	if retries < 0 {
		retries = 0
	}
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	h := Header{To: to, From: s.settings.Address, ID: s.nextID(), Flags: flags &^ FlagsAck}
	if s.settings.RequestAck {
		h.Flags |= FlagsReqAck
	}
	if h.IsBroadcast() {
		if err := s.transmit(h, message); err != nil {
			return err
		}
		return s.WaitPacketSent()
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if 0 < attempt {
			s.count(func(st *TranscieverModel.Statistics) { st.Retransmissions++ })
		}
		done := make(chan struct{})
		s.mutex.Lock()
		s.pending = &pendingAck{to: to, id: h.ID, done: done}
		s.mutex.Unlock()
		if err := s.transmit(h, message); err != nil {
			s.clearPending()
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrFrameTooLarge) {
				return err
			}
			s.log.Warn(fmt.Sprintf("attempt %d to %d: %v", attempt, to, err))
			continue
		}
		if err := s.WaitPacketSent(); err != nil {
			if errors.Is(err, ErrClosed) {
				s.clearPending()
				return err
			}
			s.log.Warn(fmt.Sprintf("attempt %d to %d: %v", attempt, to, err))
		}
		timeout := s.settings.RetryTimeout + time.Duration(rand.Int63n(int64(s.settings.RetryTimeout)+1))
		timer := time.NewTimer(timeout)
		select {
		case <-done:
			timer.Stop()
			return nil
		case <-timer.C:
			s.log.Debug(fmt.Sprintf("no ack from %d for id %d, attempt %d", to, h.ID, attempt))
		case <-s.closed:
			timer.Stop()
			s.clearPending()
			return ErrClosed
		}
	}
	s.clearPending()
	s.count(func(st *TranscieverModel.Statistics) { st.AckTimeouts++ })
	return newError(ESendTimeout, "%d attempts to %d, id %d", retries+1, to, h.ID)
}

func (s *Session) clearPending() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pending = nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) stop() {
	close(s.closed)
	s.wg.Wait()
}

// Close disarms the interrupt source, stops the session goroutines, puts the radio to sleep
// and closes it. Blocked senders return ErrClosed.
func (s *Session) Close() error {
	var ret error
	s.closeOnce.Do(func() {
		if nil != s.irq {
			if err := s.irq.Disarm(); err != nil {
				ret = fmt.Errorf("RHModel.Close: %w", err)
			}
		}
		s.stop()
		s.txMutex.Lock()
		defer s.txMutex.Unlock()
		if err := s.setMode(TranscieverModel.MSleep); err != nil && nil == ret {
			ret = fmt.Errorf("RHModel.Close: %w", err)
		}
		if err := s.radio.Close(); err != nil && nil == ret {
			ret = fmt.Errorf("RHModel.Close: %w", err)
		}
		s.log.Info("session closed")
	})
	return ret
}
