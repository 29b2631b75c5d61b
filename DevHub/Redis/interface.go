// Redis translates node states to redis database
// we're using database 0, key is prefix+node name+field, value is plain value, no json yet
// writes come from the outside through pub/sub channels named the same way
package Redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/OutsideInterface"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type Interface struct {
	db     *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Logger
	lock   sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
}

func Init(self *Interface, address string, log *logrus.Logger) error {
	self.db = redis.NewClient(&redis.Options{Addr: address})
	self.ctx, self.cancel = context.WithCancel(context.Background())
	self.log = log
	if err := self.db.Ping(self.ctx).Err(); nil != err {
		self.cancel()
		self.db.Close()
		return fmt.Errorf("Redis.Init: ping %v: %w", address, err)
	}
	self.log.Info(fmt.Sprintf("redis connected at %v", address))
	return nil
}

func (i *Interface) UpdateComponent(key string, value string) {
	if err := i.db.Set(i.ctx, key, value, 0).Err(); nil != err {
		i.log.Warn(fmt.Sprintf("Redis.UpdateComponent(%v): %v", key, err))
	}
}

// RegisterWritableComponent subscribes to the channel named key.
// The subscription is confirmed before return, so nothing published afterwards is lost
func (i *Interface) RegisterWritableComponent(key string) <-chan OutsideInterface.SubMessage {
	ret := make(chan OutsideInterface.SubMessage)
	sub := i.db.Subscribe(i.ctx, key)
	if _, err := sub.Receive(i.ctx); nil != err {
		i.log.Error(fmt.Sprintf("Redis.RegisterWritableComponent(%v): %v", key, err))
		sub.Close()
		close(ret)
		return ret
	}
	i.lock.Lock()
	i.subs = append(i.subs, sub)
	i.lock.Unlock()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer close(ret)
		for m := range sub.Channel() {
			i.log.Trace(fmt.Sprintf("redis %v <- %q", m.Channel, m.Payload))
			select {
			case ret <- OutsideInterface.SubMessage{Key: key, Value: m.Payload}:
			case <-i.ctx.Done():
				return
			}
		}
	}()
	return ret
}

func (i *Interface) Close() error {
	i.cancel()
	i.lock.Lock()
	for _, sub := range i.subs {
		sub.Close()
	}
	i.subs = nil
	i.lock.Unlock()
	i.wg.Wait()
	return i.db.Close()
}
