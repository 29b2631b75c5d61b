package Cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/JSkrat/kagami-house-lora-gateway/DevHub/RHModel"
)

func (c *Cache) updateLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(updateTick):
		}
		c.updateRoutine(time.Now())
	}
}

// updateRoutine is a single cycle, which is synchronously:
// mark silent nodes offline
// probe nodes silent for a probe period
// write all pending values
// publish radio statistics once a period
func (c *Cache) updateRoutine(now time.Time) {
	var probes, writes []byte
	c.lock.Lock()
	for address, node := range c.nodes {
		if SOffline != node.State && now.Sub(node.LastSeen) > c.settings.Timeout {
			c.setState(node, SOffline)
		}
		if node.Probe && 0 < c.settings.Period &&
			now.Sub(node.LastSeen) >= c.settings.Period && now.Sub(node.LastProbe) >= c.settings.Period {
			node.LastProbe = now
			probes = append(probes, address)
		}
		if WSPending == node.WriteState {
			writes = append(writes, address)
		}
	}
	publishStats := 0 < c.settings.Period && now.Sub(c.lastStats) >= c.settings.Period
	if publishStats {
		c.lastStats = now
	}
	c.lock.Unlock()
	// radio calls block for the whole retry sequence, so no lock here
	for _, address := range probes {
		c.probeNode(address)
	}
	for _, address := range writes {
		c.performWrite(address)
	}
	if publishStats {
		c.publishStatistics()
	}
}

// writeRequest is entrypoint for writing values from outside interface
func (c *Cache) writeRequest(address byte, value string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	node := c.ensureNodeExists(address)
	node.WriteValue = value
	c.setWriteState(node, WSPending)
}

// setWriteState lock must be held
func (c *Cache) setWriteState(node *Node, state WriteState) {
	node.WriteState = state
	c.out.UpdateComponent(c.outputKey(node, "send_state"), state.String())
}

// performWrite sends the pending value with acknowledgement and updates node state
// for the update routine
func (c *Cache) performWrite(address byte) {
	c.lock.Lock()
	node := c.nodes[address]
	if WSPending != node.WriteState {
		c.lock.Unlock()
		return
	}
	value := node.WriteValue
	c.lock.Unlock()

	err := c.rf.SendToWait(address, []byte(value), RHModel.FlagsNone, c.settings.Retries)

	c.lock.Lock()
	defer c.lock.Unlock()
	if nil == err {
		node.LastSeen = time.Now()
		c.setState(node, SOnline)
		// a newer value may have arrived meanwhile
		if value == node.WriteValue {
			c.setWriteState(node, WSWritten)
		}
		return
	}
	c.log.Warn(fmt.Sprintf("Cache.performWrite: node %v: %v", node.Name, err))
	if value == node.WriteValue {
		c.setWriteState(node, WSFailed)
	}
	c.setState(node, c.errorState(err))
}

func (c *Cache) errorState(err error) State {
	if errors.Is(err, RHModel.ErrSendTimeout) {
		return SOffline
	}
	return SError
}

// probeNode sends an empty message, an acknowledgement means the node is online
func (c *Cache) probeNode(address byte) {
	err := c.rf.SendToWait(address, []byte{}, RHModel.FlagsNone, c.settings.Retries)
	c.lock.Lock()
	defer c.lock.Unlock()
	node := c.nodes[address]
	if nil == err {
		node.LastSeen = time.Now()
		c.setState(node, SOnline)
		return
	}
	c.log.Debug(fmt.Sprintf("Cache.probeNode: node %v: %v", node.Name, err))
	c.setState(node, c.errorState(err))
}

func (c *Cache) publishStatistics() {
	st := c.rf.Statistics()
	prefix := c.settings.Prefix + "gateway/"
	for name, value := range map[string]uint32{
		"rx_good":         st.RxGood,
		"rx_bad":          st.RxBad,
		"rx_filtered":     st.RxFiltered,
		"rx_duplicate":    st.RxDuplicate,
		"tx_good":         st.TxGood,
		"retransmissions": st.Retransmissions,
		"ack_timeouts":    st.AckTimeouts,
		"cad_busy":        st.CadBusy,
	} {
		c.out.UpdateComponent(prefix+name, fmt.Sprintf("%d", value))
	}
}
