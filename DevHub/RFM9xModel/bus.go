package RFM9xModel

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/spi"
)

// Bus is a register oriented access to the chip
type Bus interface {
	ReadRegister(r Register) (byte, error)
	WriteRegister(r Register, value byte) error
	ReadBurst(r Register, length int) ([]byte, error)
	WriteBurst(r Register, data []byte) error
	Close() error
}

// SPIBus talks to the chip over a periph spi connection.
// The first byte of every transaction is the register address, MSB set for writes.
type SPIBus struct {
	port       spi.PortCloser
	connection spi.Conn
	mutex      sync.Mutex
}

func NewSPIBus(port spi.PortCloser, connection spi.Conn) *SPIBus {
	return &SPIBus{port: port, connection: connection}
}

func (b *SPIBus) transfer(write []byte) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	read := make([]byte, len(write))
	if err := b.connection.Tx(write, read); err != nil {
		return nil, fmt.Errorf("SPIBus.Tx(%X): %w", write[0], err)
	}
	return read[1:], nil
}

func (b *SPIBus) ReadRegister(r Register) (byte, error) {
	read, err := b.transfer([]byte{byte(r) &^ WriteBit, 0})
	if err != nil {
		return 0, err
	}
	return read[0], nil
}

func (b *SPIBus) WriteRegister(r Register, value byte) error {
	_, err := b.transfer([]byte{byte(r) | WriteBit, value})
	return err
}

func (b *SPIBus) ReadBurst(r Register, length int) ([]byte, error) {
	write := make([]byte, length+1)
	write[0] = byte(r) &^ WriteBit
	return b.transfer(write)
}

func (b *SPIBus) WriteBurst(r Register, data []byte) error {
	write := append([]byte{byte(r) | WriteBit}, data...)
	_, err := b.transfer(write)
	return err
}

func (b *SPIBus) Close() error {
	if nil == b.port {
		return nil
	}
	return b.port.Close()
}
