// Cache keeps the link state of every known node and mirrors it to the outside interface
//
// A node is online while it is heard from, either by its own packets or by acknowledging a probe.
// Nodes not heard from for the node timeout go offline.
// Writing is just storing the required value in the cache, it is sent at the next update cycle
// with acknowledgement, so the write state tells whether the node got it
//
package Cache

import (
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/OutsideInterface"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/TranscieverModel"
	"github.com/flynn/json5"
	"github.com/sirupsen/logrus"
)

type State byte

const (
	SOffline State = 0
	SOnline  State = 1
	SError   State = 2 // node is reachable, but the radio refused to talk to it
)

func (s State) String() string {
	switch s {
	case SOffline:
		return "offline"
	case SOnline:
		return "online"
	case SError:
		return "error"
	}
	return "unknown"
}

type WriteState byte

const (
	WSUninitialized WriteState = 0
	WSPending       WriteState = 1
	WSWritten       WriteState = 2
	WSFailed        WriteState = 3
)

func (s WriteState) String() string {
	switch s {
	case WSPending:
		return "pending"
	case WSWritten:
		return "written"
	case WSFailed:
		return "failed"
	}
	return ""
}

// updateTick is how often pending writes are looked for
const updateTick = 100 * time.Millisecond

type Settings struct {
	Prefix string
	// Timeout after the last packet the node is offline
	Timeout time.Duration
	// Period between probes of a silent node, also statistics publishing period
	Period  time.Duration
	Retries int
	Log     *logrus.Logger
}

type Node struct {
	Name      string
	Address   byte
	Probe     bool
	Writable  bool
	State     State
	LastSeen  time.Time
	LastProbe time.Time
	RSSI      int
	SNR       float64
	Received  uint32
	// value waiting to be sent
	WriteValue string
	WriteState WriteState
}

// nodeEntry is one record of the nodes file
type nodeEntry struct {
	Address  int  `json:"address"`
	Probe    bool `json:"probe"`
	Writable bool `json:"writable"`
}

type Cache struct {
	rf        TranscieverModel.Model
	out       OutsideInterface.Interface
	log       *logrus.Logger
	settings  Settings
	lock      sync.Mutex
	nodes     map[byte]*Node
	lastStats time.Time
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func Init(self *Cache, rf TranscieverModel.Model, output OutsideInterface.Interface, nodesFile string, settings Settings) error {
	if err := self.setup(rf, output, nodesFile, settings); nil != err {
		return err
	}
	// and now run goroutine to periodically update the nodes
	go self.updateLoop()
	return nil
}

func (c *Cache) setup(rf TranscieverModel.Model, output OutsideInterface.Interface, nodesFile string, settings Settings) error {
	c.log = settings.Log
	if nil == c.log {
		c.log = logrus.New()
	}
	c.rf = rf
	c.out = output
	c.settings = settings
	c.nodes = make(map[byte]*Node)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	if "" == nodesFile {
		return nil
	}
	// now read the nodes file and register the nodes enlisted in it
	jsonData, err := ioutil.ReadFile(nodesFile)
	if nil != err {
		return fmt.Errorf("Cache.Init: ioutil.ReadFile: %w", err)
	}
	var data map[string]nodeEntry
	if err := json5.Unmarshal(jsonData, &data); nil != err {
		return fmt.Errorf("Cache.Init: json5.Unmarshal: %w", err)
	}
	return c.registerItems(data)
}

func (c *Cache) registerItems(data map[string]nodeEntry) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for name, entry := range data {
		if entry.Address < 0 || entry.Address >= int(RHModel.BroadcastAddress) {
			return fmt.Errorf("Cache.registerItems: node %v has address %d", name, entry.Address)
		}
		address := byte(entry.Address)
		if existing, ok := c.nodes[address]; ok {
			return fmt.Errorf("Cache.registerItems: nodes %v and %v share address %02X", existing.Name, name, address)
		}
		node := &Node{Name: name, Address: address, Probe: entry.Probe, Writable: entry.Writable}
		c.nodes[address] = node
		c.out.UpdateComponent(c.outputKey(node, "state"), node.State.String())
		if node.Writable {
			go func(channel <-chan OutsideInterface.SubMessage) {
				for m := range channel {
					c.writeRequest(address, m.Value)
				}
			}(c.out.RegisterWritableComponent(c.outputKey(node, "send")))
		}
	}
	return nil
}

func (c *Cache) outputKey(node *Node, field string) string {
	return c.settings.Prefix + node.Name + "/" + field
}

// ensureNodeExists registers a node not listed in the nodes file, named by its address
// lock must be held
func (c *Cache) ensureNodeExists(address byte) *Node {
	node, ok := c.nodes[address]
	if !ok {
		node = &Node{Name: fmt.Sprintf("%02X", address), Address: address}
		c.nodes[address] = node
		c.log.Info(fmt.Sprintf("new node %v", node.Name))
	}
	return node
}

// Observe is a receive callback, every packet proves its sender is alive
func (c *Cache) Observe(p RHModel.Payload) {
	c.lock.Lock()
	defer c.lock.Unlock()
	node := c.ensureNodeExists(p.From)
	node.LastSeen = time.Now()
	node.RSSI = p.RSSI
	node.SNR = p.SNR
	node.Received++
	c.out.UpdateComponent(c.outputKey(node, "message"), string(p.Message))
	c.out.UpdateComponent(c.outputKey(node, "rssi"), fmt.Sprintf("%d", p.RSSI))
	c.out.UpdateComponent(c.outputKey(node, "snr"), fmt.Sprintf("%.2f", p.SNR))
	c.setState(node, SOnline)
}

// setState publishes the state on change, lock must be held
func (c *Cache) setState(node *Node, state State) {
	if node.State == state {
		return
	}
	c.log.Debug(fmt.Sprintf("node %v is %v", node.Name, state))
	node.State = state
	c.out.UpdateComponent(c.outputKey(node, "state"), state.String())
}

// GetCached returns a copy of the node, ok is false for an unknown address
func (c *Cache) GetCached(address byte) (node Node, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if n, ok := c.nodes[address]; ok {
		return *n, true
	}
	return Node{}, false
}

// SetCached queues a message for the node, it is sent at the next update cycle
func (c *Cache) SetCached(address byte, value string) {
	c.writeRequest(address, value)
}

func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}
