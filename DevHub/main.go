package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/Cache"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/Config"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RFM9xModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/Redis"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/UartTransciever"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "gateway.json5", "json5 settings file")
	flag.Parse()

	settings, err := Config.Load(*configFile)
	if nil != err {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := settings.Logger()
	if err := run(settings, log); nil != err {
		log.Fatal(err)
	}
}

func run(settings Config.Settings, log *logrus.Logger) error {
	var output Redis.Interface
	if err := Redis.Init(&output, settings.RedisAddress, log); nil != err {
		return err
	}
	defer output.Close()

	radio, irq, err := RFM9xModel.Open(settings.Transmitter(), log)
	if nil != err {
		return err
	}
	if err := radio.Configure(settings.Modem()); nil != err {
		radio.Close()
		return err
	}
	session, err := RHModel.NewSession(radio, irq, settings.Session(log))
	if nil != err {
		radio.Close()
		return err
	}
	defer session.Close()

	var cache Cache.Cache
	err = Cache.Init(&cache, session, &output, settings.NodesFile, Cache.Settings{
		Prefix:  settings.RedisPrefix,
		Timeout: settings.NodeTimeout(),
		Period:  settings.ProbePeriod(),
		Retries: settings.Retries,
		Log:     log,
	})
	if nil != err {
		return err
	}
	defer cache.Close()

	var bridge *UartTransciever.Bridge
	if "" != settings.SerialPort {
		bridge, err = UartTransciever.Open(UartTransciever.BridgeSettings{
			PortName: settings.SerialPort,
			Speed:    settings.SerialSpeed,
			Log:      log,
		}, session)
		if nil != err {
			return err
		}
		defer bridge.Close()
	}

	session.OnReceive(func(p RHModel.Payload) {
		log.Debug(fmt.Sprintf("from %02X to %02X id %d flags %02X rssi %d snr %.2f: %s",
			p.From, p.To, p.ID, p.Flags, p.RSSI, p.SNR, RHModel.Dump(p.Message)))
		cache.Observe(p)
		if nil != bridge {
			bridge.Forward(p)
		}
	})
	log.Info(fmt.Sprintf("gateway %02X is up at %v MHz", session.Address(), settings.Frequency))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	s := <-signals
	log.Info(fmt.Sprintf("%v, shutting down", s))
	// deferred in reverse: bridge, cache, session, redis
	return nil
}
