package RFM9xModel

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/gpiod"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	BackendPeriph = "periph"
	BackendGpiod  = "gpiod"
)

// Radio is an RFM95/96/97/98 module in LoRa mode
type Radio struct {
	bus   Bus
	log   *logrus.Logger
	mutex sync.Mutex
}

type TransmitterSettings struct {
	PortName string
	SpeedHz  int64
	// Backend selects the library driving the IRQ (DIO0) and reset lines
	Backend string
	// Chip is the gpio character device for the gpiod backend
	Chip string
	// IrqName and ResetName are periph pin names, or line offsets for the gpiod backend.
	// Empty ResetName skips the reset pulse.
	IrqName   string
	ResetName string
}

type ModemSettings struct {
	// Frequency in MHz
	Frequency   float64
	TxPower     int
	Preamble    uint16
	ModemConfig string
}

func New(bus Bus, log *logrus.Logger) *Radio {
	if nil == log {
		log = logrus.New()
		log.Formatter = new(logrus.TextFormatter)
		log.Level = logrus.InfoLevel
		log.Out = os.Stdout
	}
	return &Radio{bus: bus, log: log}
}

// Open initializes the host, opens the spi port, pulses reset and prepares the interrupt line.
// The returned radio is not configured yet, call Configure.
func Open(settings TransmitterSettings, log *logrus.Logger) (*Radio, TranscieverModel.InterruptSource, error) {
	if nil == log {
		log = logrus.New()
	}
	log.Info(fmt.Sprintf("RFM9xModel.Open %+v", settings))
	// Make sure periphery is initialized.
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("RFM9xModel.Open: host.Init: %w", err)
	}
	port, err := spireg.Open(settings.PortName)
	if err != nil {
		return nil, nil, fmt.Errorf("RFM9xModel.Open: spireg.Open(%q): %w", settings.PortName, err)
	}
	speed := settings.SpeedHz
	if 0 >= speed {
		speed = 5000000
	}
	connection, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("RFM9xModel.Open: port.Connect: %w", err)
	}
	var irq TranscieverModel.InterruptSource
	switch settings.Backend {
	case BackendGpiod:
		irq, err = openGpiodLines(settings, log)
	case BackendPeriph, "":
		irq, err = openPeriphPins(settings, log)
	default:
		err = fmt.Errorf("unknown gpio backend %q", settings.Backend)
	}
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("RFM9xModel.Open: %w", err)
	}
	return New(NewSPIBus(port, connection), log), irq, nil
}

func openPeriphPins(settings TransmitterSettings, log *logrus.Logger) (TranscieverModel.InterruptSource, error) {
	if "" != settings.ResetName {
		reset := gpioreg.ByName(settings.ResetName)
		if nil == reset {
			return nil, errors.New("reset pin <" + settings.ResetName + "> was not found")
		}
		// reset is active low
		if err := reset.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("reset pin Out: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
		if err := reset.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("reset pin Out: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	pin := gpioreg.ByName(settings.IrqName)
	if nil == pin {
		return nil, errors.New("irq pin <" + settings.IrqName + "> was not found")
	}
	// DIO0 is active high
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("irq pin In: %w", err)
	}
	return NewPinInterrupt(pin, log), nil
}

func openGpiodLines(settings TransmitterSettings, log *logrus.Logger) (TranscieverModel.InterruptSource, error) {
	chip := settings.Chip
	if "" == chip {
		chip = "gpiochip0"
	}
	if "" != settings.ResetName {
		offset, err := strconv.Atoi(settings.ResetName)
		if err != nil {
			return nil, fmt.Errorf("reset line offset %q: %w", settings.ResetName, err)
		}
		line, err := gpiod.RequestLine(chip, offset, gpiod.AsOutput(0))
		if err != nil {
			return nil, fmt.Errorf("gpiod.RequestLine(%s, %d): %w", chip, offset, err)
		}
		time.Sleep(10 * time.Millisecond)
		err = line.SetValue(1)
		_ = line.Close()
		if err != nil {
			return nil, fmt.Errorf("reset line SetValue: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	offset, err := strconv.Atoi(settings.IrqName)
	if err != nil {
		return nil, fmt.Errorf("irq line offset %q: %w", settings.IrqName, err)
	}
	return NewLineInterrupt(chip, offset, log), nil
}

// Configure runs the initialization sequence: LoRa sleep, fifo bases, standby, modem preset,
// preamble, frequency and tx power
func (r *Radio) Configure(settings ModemSettings) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	// long range mode bit can be changed in sleep mode only
	if err := r.bus.WriteRegister(ROpMode, byte(OMSleep)|OMLongRangeMode); err != nil {
		return fmt.Errorf("RFM9xModel.Configure: %w", err)
	}
	time.Sleep(10 * time.Millisecond)
	mode, err := r.bus.ReadRegister(ROpMode)
	if err != nil {
		return fmt.Errorf("RFM9xModel.Configure: %w", err)
	}
	if byte(OMSleep)|OMLongRangeMode != mode {
		return fmt.Errorf("RFM9xModel.Configure: chip did not enter LoRa sleep mode, OP_MODE is %02X", mode)
	}
	if version, err := r.bus.ReadRegister(RVersion); nil == err && ChipVersion != version {
		r.log.Warn(fmt.Sprintf("RFM9xModel.Configure: unexpected chip version %02X", version))
	}
	config, ok := ModemConfigs[settings.ModemConfig]
	if !ok {
		return fmt.Errorf("RFM9xModel.Configure: unknown modem config %q", settings.ModemConfig)
	}
	paDac, paConfig := txPowerRegisters(settings.TxPower)
	frf := frequencyRegisters(settings.Frequency)
	sequence := []struct {
		r Register
		v byte
	}{
		// the whole fifo is shared, tx and rx both start at 0
		{RFifoTxBaseAddr, 0},
		{RFifoRxBaseAddr, 0},
		{ROpMode, byte(OMStandby) | OMLongRangeMode},
		{RModemConfig1, config.Reg1D},
		{RModemConfig2, config.Reg1E},
		{RModemConfig3, config.Reg26},
		{RPreambleMsb, byte(settings.Preamble >> 8)},
		{RPreambleLsb, byte(settings.Preamble)},
		{RFrfMsb, frf[0]},
		{RFrfMid, frf[1]},
		{RFrfLsb, frf[2]},
		{RPaDac, paDac},
		{RPaConfig, paConfig},
	}
	for _, item := range sequence {
		if err := r.bus.WriteRegister(item.r, item.v); err != nil {
			return fmt.Errorf("RFM9xModel.Configure: register %02X: %w", item.r, err)
		}
	}
	r.log.Info(fmt.Sprintf("RFM9x configured: %s, %.3fMHz, %ddBm", settings.ModemConfig, settings.Frequency, settings.TxPower))
	return nil
}

func frequencyRegisters(frequency float64) [3]byte {
	frf := uint32(frequency * 1000000.0 / FStep)
	return [3]byte{byte(frf >> 16), byte(frf >> 8), byte(frf)}
}

// txPowerRegisters returns PA_DAC and PA_CONFIG values for the PA_BOOST output,
// power is clamped to 5..23 dBm
func txPowerRegisters(power int) (paDac byte, paConfig byte) {
	if power < MinTxPower {
		power = MinTxPower
	}
	if power > MaxTxPower {
		power = MaxTxPower
	}
	paDac = PaDacDisable
	if power > PaDacLimit {
		paDac = PaDacEnable
		power -= 3
	}
	return paDac, PaSelect | byte(power-MinTxPower)
}

func (r *Radio) SetMode(mode TranscieverModel.Mode) error {
	var op OpMode
	var dio byte
	mapDio := true
	switch mode {
	case TranscieverModel.MSleep:
		op, mapDio = OMSleep, false
	case TranscieverModel.MIdle:
		op, mapDio = OMStandby, false
	case TranscieverModel.MReceiving:
		op, dio = OMRxContinuous, DIO0RxDone
	case TranscieverModel.MTransmitting:
		op, dio = OMTx, DIO0TxDone
	case TranscieverModel.MChannelListen:
		op, dio = OMCad, DIO0CadDone
	default:
		return fmt.Errorf("RFM9xModel.SetMode: unknown mode %v", mode)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.log.Trace(fmt.Sprintf("RFM9xModel.SetMode %v", mode))
	// dio first, so the interrupt of the new mode is routed before the mode starts
	if mapDio {
		if err := r.bus.WriteRegister(RDioMapping1, dio); err != nil {
			return fmt.Errorf("RFM9xModel.SetMode(%v): %w", mode, err)
		}
	}
	if err := r.bus.WriteRegister(ROpMode, byte(op)|OMLongRangeMode); err != nil {
		return fmt.Errorf("RFM9xModel.SetMode(%v): %w", mode, err)
	}
	return nil
}

func (r *Radio) LoadFrame(frame []byte) error {
	if len(frame) > FifoSize {
		return fmt.Errorf("RFM9xModel.LoadFrame: frame of %d bytes does not fit into the fifo", len(frame))
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.bus.WriteRegister(RFifoAddrPtr, 0); err != nil {
		return fmt.Errorf("RFM9xModel.LoadFrame: %w", err)
	}
	if err := r.bus.WriteBurst(RFifo, frame); err != nil {
		return fmt.Errorf("RFM9xModel.LoadFrame: %w", err)
	}
	if err := r.bus.WriteRegister(RPayloadLength, byte(len(frame))); err != nil {
		return fmt.Errorf("RFM9xModel.LoadFrame: %w", err)
	}
	return nil
}

// ReadFrame reads the last received packet from the fifo along with its signal quality
func (r *Radio) ReadFrame() ([]byte, TranscieverModel.SignalQuality, error) {
	var q TranscieverModel.SignalQuality
	r.mutex.Lock()
	defer r.mutex.Unlock()
	length, err := r.bus.ReadRegister(RRxNbBytes)
	if err != nil {
		return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
	}
	current, err := r.bus.ReadRegister(RFifoRxCurrentAddr)
	if err != nil {
		return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
	}
	if err := r.bus.WriteRegister(RFifoAddrPtr, current); err != nil {
		return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
	}
	frame := []byte{}
	if 0 < length {
		if frame, err = r.bus.ReadBurst(RFifo, int(length)); err != nil {
			return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
		}
	}
	snr, err := r.bus.ReadRegister(RPktSnrValue)
	if err != nil {
		return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
	}
	rssi, err := r.bus.ReadRegister(RPktRssiValue)
	if err != nil {
		return nil, q, fmt.Errorf("RFM9xModel.ReadFrame: %w", err)
	}
	q.SNR = float64(int8(snr)) / 4
	q.RSSI = RssiOffset + int(rssi)
	return frame, q, nil
}

func (r *Radio) IrqFlags() (TranscieverModel.IrqFlags, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	flags, err := r.bus.ReadRegister(RIrqFlags)
	if err != nil {
		return 0, fmt.Errorf("RFM9xModel.IrqFlags: %w", err)
	}
	return TranscieverModel.IrqFlags(flags), nil
}

// ClearIrq writes ones to the flags to be cleared, others are left untouched by the chip
func (r *Radio) ClearIrq(flags TranscieverModel.IrqFlags) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.bus.WriteRegister(RIrqFlags, byte(flags)); err != nil {
		return fmt.Errorf("RFM9xModel.ClearIrq: %w", err)
	}
	return nil
}

func (r *Radio) MaxFrameSize() int {
	return FifoSize
}

func (r *Radio) Close() error {
	return r.bus.Close()
}
