package RFM9xModel

// SX127x (LoRa mode) related stuff
type Register byte
type OpMode byte

// SX127x registers, LoRa page
const (
	RFifo              Register = 0x00
	ROpMode            Register = 0x01
	RFrfMsb            Register = 0x06
	RFrfMid            Register = 0x07
	RFrfLsb            Register = 0x08
	RPaConfig          Register = 0x09
	RPaRamp            Register = 0x0A
	ROcp               Register = 0x0B
	RLna               Register = 0x0C
	RFifoAddrPtr       Register = 0x0D
	RFifoTxBaseAddr    Register = 0x0E
	RFifoRxBaseAddr    Register = 0x0F
	RFifoRxCurrentAddr Register = 0x10
	RIrqFlagsMask      Register = 0x11
	RIrqFlags          Register = 0x12
	RRxNbBytes         Register = 0x13
	RPktSnrValue       Register = 0x19
	RPktRssiValue      Register = 0x1A
	RRssiValue         Register = 0x1B
	RModemConfig1      Register = 0x1D
	RModemConfig2      Register = 0x1E
	RPreambleMsb       Register = 0x20
	RPreambleLsb       Register = 0x21
	RPayloadLength     Register = 0x22
	RMaxPayloadLength  Register = 0x23
	RModemConfig3      Register = 0x26
	RDioMapping1       Register = 0x40
	RDioMapping2       Register = 0x41
	RVersion           Register = 0x42
	RPaDac             Register = 0x4D
)

// OP_MODE values
const (
	OMSleep        OpMode = 0x00
	OMStandby      OpMode = 0x01
	OMFsTx         OpMode = 0x02
	OMTx           OpMode = 0x03
	OMFsRx         OpMode = 0x04
	OMRxContinuous OpMode = 0x05
	OMRxSingle     OpMode = 0x06
	OMCad          OpMode = 0x07

	OMLongRangeMode byte = 0x80
	OMModeMask      byte = 0x07
)

// DIO0 mapping in RDioMapping1, bits 7-6
const (
	DIO0RxDone  byte = 0x00
	DIO0TxDone  byte = 0x40
	DIO0CadDone byte = 0x80
)

const (
	PaSelect     byte = 0x80
	PaDacEnable  byte = 0x07
	PaDacDisable byte = 0x04

	// SPI write access bit
	WriteBit byte = 0x80

	ChipVersion byte = 0x12

	FifoSize    int     = 255
	FXOSC       float64 = 32000000.0
	FStep       float64 = FXOSC / 524288
	RssiOffset  int     = -137
	MinTxPower  int     = 5
	MaxTxPower  int     = 23
	PaDacLimit  int     = 20
	DefaultFreq float64 = 915.0
)

// ModemConfig is a preset of MODEM_CONFIG1, MODEM_CONFIG2 and MODEM_CONFIG3
type ModemConfig struct {
	Reg1D byte
	Reg1E byte
	Reg26 byte
}

// ModemConfigs are the RadioHead presets, names follow RH_RF95::ModemConfigChoice
var ModemConfigs = map[string]ModemConfig{
	// Bw = 125 kHz, Cr = 4/5, Sf = 128chips/symbol, CRC on. Default medium range
	"Bw125Cr45Sf128": {0x72, 0x74, 0x04},
	// Bw = 500 kHz, Cr = 4/5, Sf = 128chips/symbol, CRC on. Fast+short range
	"Bw500Cr45Sf128": {0x92, 0x74, 0x04},
	// Bw = 31.25 kHz, Cr = 4/8, Sf = 512chips/symbol, CRC on. Slow+long range
	"Bw31_25Cr48Sf512": {0x48, 0x94, 0x04},
	// Bw = 125 kHz, Cr = 4/8, Sf = 4096chips/symbol, low data rate, CRC on. Slow+long range
	"Bw125Cr48Sf4096": {0x78, 0xc4, 0x0c},
}

const DefaultModemConfig = "Bw125Cr45Sf128"
