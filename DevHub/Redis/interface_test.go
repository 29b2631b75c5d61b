package Redis

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
)

func newInterface(t *testing.T) (*Interface, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logrus.New()
	log.Out = ioutil.Discard
	var i Interface
	if err := Init(&i, mr.Addr(), log); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return &i, mr
}

func TestUpdateComponent(t *testing.T) {
	i, mr := newInterface(t)
	defer i.Close()
	i.UpdateComponent("lora/kitchen/state", "online")
	i.UpdateComponent("lora/kitchen/state", "offline")
	got, err := mr.Get("lora/kitchen/state")
	if err != nil || "offline" != got {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if ttl := mr.TTL("lora/kitchen/state"); 0 != ttl {
		t.Errorf("TTL() = %v, want no expiry", ttl)
	}
}

func TestRegisterWritableComponent(t *testing.T) {
	i, mr := newInterface(t)
	channel := i.RegisterWritableComponent("lora/kitchen/send")
	if n := mr.Publish("lora/kitchen/send", "on"); 1 != n {
		t.Fatalf("Publish() reached %d subscribers", n)
	}
	mr.Publish("lora/hall/send", "ignored")
	select {
	case m := <-channel:
		if "lora/kitchen/send" != m.Key || "on" != m.Value {
			t.Errorf("got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	if err := i.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case m, ok := <-channel:
		if ok {
			t.Errorf("unexpected %+v after Close", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel is not closed")
	}
}

func TestInitFails(t *testing.T) {
	mr := miniredis.RunT(t)
	address := mr.Addr()
	mr.Close()
	log := logrus.New()
	log.Out = ioutil.Discard
	var i Interface
	if err := Init(&i, address, log); nil == err {
		t.Error("Init() succeeded without a server")
	}
}
