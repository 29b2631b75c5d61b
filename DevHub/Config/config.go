// Config reads the gateway settings from a json5 file
package Config

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RFM9xModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/flynn/json5"
	"github.com/sirupsen/logrus"
)

type Settings struct {
	// radio hardware
	SpiPort     string `json:"spi_port"`
	SpiSpeedHz  int64  `json:"spi_speed_hz"`
	GpioBackend string `json:"gpio_backend"`
	GpioChip    string `json:"gpio_chip"`
	IrqPin      string `json:"irq_pin"`
	ResetPin    string `json:"reset_pin"`
	// modem
	Frequency   float64 `json:"frequency"`
	TxPower     int     `json:"tx_power"`
	Preamble    uint16  `json:"preamble"`
	ModemConfig string  `json:"modem_config"`
	// protocol
	Address                 int    `json:"address"`
	Acks                    bool   `json:"acks"`
	RequestAck              bool   `json:"request_ack"`
	ReceiveAll              bool   `json:"receive_all"`
	AesKey                  string `json:"aes_key"`
	StrictLength            bool   `json:"strict_length"`
	DefaultMode             string `json:"default_mode"`
	CadTimeoutMs            int    `json:"cad_timeout_ms"`
	RetryTimeoutMs          int    `json:"retry_timeout_ms"`
	WaitPacketSentTimeoutMs int    `json:"wait_packet_sent_timeout_ms"`
	Retries                 int    `json:"retries"`
	// outside world
	RedisAddress string `json:"redis_address"`
	RedisPrefix  string `json:"redis_prefix"`
	NodesFile    string `json:"nodes_file"`
	NodeTimeoutS int    `json:"node_timeout_s"`
	ProbePeriodS int    `json:"probe_period_s"`
	SerialPort   string `json:"serial_port"`
	SerialSpeed  int    `json:"serial_speed"`
	LogLevel     string `json:"log_level"`
}

var defaultModes = map[string]TranscieverModel.Mode{
	"rx":    TranscieverModel.MReceiving,
	"idle":  TranscieverModel.MIdle,
	"sleep": TranscieverModel.MSleep,
}

func Default() Settings {
	return Settings{
		SpiSpeedHz:              5000000,
		GpioBackend:             RFM9xModel.BackendPeriph,
		GpioChip:                "gpiochip0",
		IrqPin:                  "GPIO25",
		ResetPin:                "GPIO17",
		Frequency:               RFM9xModel.DefaultFreq,
		TxPower:                 14,
		Preamble:                8,
		ModemConfig:             RFM9xModel.DefaultModemConfig,
		Address:                 1,
		Acks:                    true,
		DefaultMode:             "rx",
		RetryTimeoutMs:          int(RHModel.DefaultRetryTimeout / time.Millisecond),
		WaitPacketSentTimeoutMs: int(RHModel.DefaultWaitPacketSentTimeout / time.Millisecond),
		Retries:                 RHModel.DefaultRetries,
		RedisAddress:            "localhost:6379",
		RedisPrefix:             "lora/",
		NodeTimeoutS:            600,
		ProbePeriodS:            60,
		SerialSpeed:             115200,
		LogLevel:                "info",
	}
}

// Load reads the file over the defaults and validates the result
func Load(path string) (Settings, error) {
	settings := Default()
	data, err := ioutil.ReadFile(path)
	if nil != err {
		return settings, fmt.Errorf("Config.Load: %w", err)
	}
	if err := json5.Unmarshal(data, &settings); nil != err {
		return settings, fmt.Errorf("Config.Load: json5.Unmarshal(%s): %w", path, err)
	}
	return settings, settings.Validate()
}

func (s Settings) Validate() error {
	if s.Address < 0 || s.Address >= int(RHModel.BroadcastAddress) {
		return fmt.Errorf("address %d is not in 0..254", s.Address)
	}
	if s.TxPower < RFM9xModel.MinTxPower || s.TxPower > RFM9xModel.MaxTxPower {
		return fmt.Errorf("tx_power %d is not in %d..%d", s.TxPower, RFM9xModel.MinTxPower, RFM9xModel.MaxTxPower)
	}
	if _, ok := RFM9xModel.ModemConfigs[s.ModemConfig]; !ok {
		return fmt.Errorf("unknown modem_config %q", s.ModemConfig)
	}
	if _, ok := defaultModes[s.DefaultMode]; !ok {
		return fmt.Errorf("unknown default_mode %q, expected rx, idle or sleep", s.DefaultMode)
	}
	if RFM9xModel.BackendPeriph != s.GpioBackend && RFM9xModel.BackendGpiod != s.GpioBackend {
		return fmt.Errorf("unknown gpio_backend %q", s.GpioBackend)
	}
	if s.CadTimeoutMs < 0 || s.RetryTimeoutMs < 0 || s.WaitPacketSentTimeoutMs < 0 || s.Retries < 0 {
		return fmt.Errorf("timeouts and retries must not be negative")
	}
	if _, err := s.Cipher(); nil != err {
		return err
	}
	if _, err := logrus.ParseLevel(s.LogLevel); nil != err {
		return err
	}
	return nil
}

// Cipher is nil when no key is configured
func (s Settings) Cipher() (RHModel.Cipher, error) {
	if "" == s.AesKey {
		return nil, nil
	}
	key, err := hex.DecodeString(s.AesKey)
	if nil != err {
		return nil, fmt.Errorf("aes_key: %w", err)
	}
	c, err := RHModel.NewAESCipher(key)
	if nil != err {
		return nil, fmt.Errorf("aes_key: %w", err)
	}
	return c, nil
}

func (s Settings) Logger() *logrus.Logger {
	log := logrus.New()
	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout
	log.Level = logrus.InfoLevel
	if level, err := logrus.ParseLevel(s.LogLevel); nil == err {
		log.Level = level
	}
	return log
}

func (s Settings) Transmitter() RFM9xModel.TransmitterSettings {
	return RFM9xModel.TransmitterSettings{
		PortName:  s.SpiPort,
		SpeedHz:   s.SpiSpeedHz,
		Backend:   s.GpioBackend,
		Chip:      s.GpioChip,
		IrqName:   s.IrqPin,
		ResetName: s.ResetPin,
	}
}

func (s Settings) Modem() RFM9xModel.ModemSettings {
	return RFM9xModel.ModemSettings{
		Frequency:   s.Frequency,
		TxPower:     s.TxPower,
		Preamble:    s.Preamble,
		ModemConfig: s.ModemConfig,
	}
}

// Session settings, the cipher must be valid already
func (s Settings) Session(log *logrus.Logger) RHModel.Settings {
	c, _ := s.Cipher()
	return RHModel.Settings{
		Address:               byte(s.Address),
		Acks:                  s.Acks,
		RequestAck:            s.RequestAck,
		ReceiveAll:            s.ReceiveAll,
		Cipher:                c,
		StrictLength:          s.StrictLength,
		DefaultMode:           defaultModes[s.DefaultMode],
		CadTimeout:            time.Duration(s.CadTimeoutMs) * time.Millisecond,
		RetryTimeout:          time.Duration(s.RetryTimeoutMs) * time.Millisecond,
		WaitPacketSentTimeout: time.Duration(s.WaitPacketSentTimeoutMs) * time.Millisecond,
		Log:                   log,
	}
}

func (s Settings) NodeTimeout() time.Duration {
	return time.Duration(s.NodeTimeoutS) * time.Second
}

func (s Settings) ProbePeriod() time.Duration {
	return time.Duration(s.ProbePeriodS) * time.Second
}
