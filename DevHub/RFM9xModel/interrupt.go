package RFM9xModel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/gpiod"
	"periph.io/x/conn/v3/gpio"
)

// how often the edge wait loop checks for Disarm
const edgePollPeriod = 100 * time.Millisecond

// PinInterrupt waits for DIO0 edges on a periph pin
type PinInterrupt struct {
	pin   gpio.PinIn
	log   *logrus.Logger
	mutex sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func NewPinInterrupt(pin gpio.PinIn, log *logrus.Logger) *PinInterrupt {
	return &PinInterrupt{pin: pin, log: log}
}

func (p *PinInterrupt) Arm(handler func()) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if nil != p.stop {
		return errors.New("PinInterrupt.Arm: already armed")
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(handler, p.stop, p.done)
	return nil
}

func (p *PinInterrupt) run(handler func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if p.pin.WaitForEdge(edgePollPeriod) {
			p.log.Trace("DIO0 edge")
			handler()
		}
	}
}

func (p *PinInterrupt) Disarm() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if nil == p.stop {
		return nil
	}
	close(p.stop)
	<-p.done
	p.stop = nil
	if err := p.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return fmt.Errorf("PinInterrupt.Disarm: %w", err)
	}
	return nil
}

// LineInterrupt receives DIO0 edges as gpiod line events
type LineInterrupt struct {
	chip   string
	offset int
	log    *logrus.Logger
	mutex  sync.Mutex
	line   *gpiod.Line
}

func NewLineInterrupt(chip string, offset int, log *logrus.Logger) *LineInterrupt {
	return &LineInterrupt{chip: chip, offset: offset, log: log}
}

func (l *LineInterrupt) Arm(handler func()) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if nil != l.line {
		return errors.New("LineInterrupt.Arm: already armed")
	}
	line, err := gpiod.RequestLine(l.chip, l.offset,
		gpiod.WithPullDown,
		gpiod.WithRisingEdge,
		gpiod.WithEventHandler(func(evt gpiod.LineEvent) {
			l.log.Trace(fmt.Sprintf("DIO0 edge on line %d", evt.Offset))
			handler()
		}))
	if err != nil {
		return fmt.Errorf("LineInterrupt.Arm: gpiod.RequestLine(%s, %d): %w", l.chip, l.offset, err)
	}
	l.line = line
	return nil
}

func (l *LineInterrupt) Disarm() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if nil == l.line {
		return nil
	}
	err := l.line.Close()
	l.line = nil
	if err != nil {
		return fmt.Errorf("LineInterrupt.Disarm: %w", err)
	}
	return nil
}
