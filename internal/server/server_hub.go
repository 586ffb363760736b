package server

import (
	"sync"

	"github.com/koltyakov/relayhub/internal/broker"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/registry"
)

// hub is the peer directory: every live connection by id, plus the
// runner connections of each machine and the producer connections of each
// session.
type hub struct {
	mu        sync.RWMutex
	conns     map[string]*peerConn
	runners   *registry.Index
	producers *registry.Index
	seq       uint64
	wg        sync.WaitGroup
}

var _ broker.PeerDirectory = (*hub)(nil)

func newHub() *hub {
	return &hub{
		conns:     make(map[string]*peerConn),
		runners:   registry.NewIndex(),
		producers: registry.NewIndex(),
	}
}

func (h *hub) add(pc *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	pc.seq = h.seq
	h.conns[pc.id] = pc
	switch pc.principal.ClientType {
	case domain.ClientTypeMachineScoped:
		h.runners.Add(pc.principal.MachineID, pc.id)
	case domain.ClientTypeSessionScoped:
		h.producers.Add(pc.principal.SessionID, pc.id)
	}
}

// remove drops pc and reports whether it was the last runner of its
// machine or the last producer of its session.
func (h *hub) remove(pc *peerConn) (lastRunner, lastProducer bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[pc.id]; !ok || cur != pc {
		return false, false
	}
	delete(h.conns, pc.id)
	switch pc.principal.ClientType {
	case domain.ClientTypeMachineScoped:
		h.runners.Remove(pc.principal.MachineID, pc.id)
		lastRunner = !h.runners.Has(pc.principal.MachineID)
	case domain.ClientTypeSessionScoped:
		h.producers.Remove(pc.principal.SessionID, pc.id)
		lastProducer = !h.producers.Has(pc.principal.SessionID)
	}
	return lastRunner, lastProducer
}

// Lookup returns nil for unknown or closing connections.
func (h *hub) Lookup(connID string) broker.Peer {
	h.mu.RLock()
	pc := h.conns[connID]
	h.mu.RUnlock()
	if pc == nil || pc.closing.Load() {
		return nil
	}
	return pc
}

func (h *hub) RunnerFor(machineID, exclude string) (string, bool) {
	return h.newest(h.runners, machineID, exclude)
}

func (h *hub) ProducerFor(sessionID, exclude string) (string, bool) {
	return h.newest(h.producers, sessionID, exclude)
}

// newest picks the most recently connected live connection in the bucket.
func (h *hub) newest(ix *registry.Index, key, exclude string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var best *peerConn
	for _, id := range ix.Keys(key) {
		if id == exclude {
			continue
		}
		pc := h.conns[id]
		if pc == nil || pc.closing.Load() {
			continue
		}
		if best == nil || pc.seq > best.seq {
			best = pc
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

func (h *hub) machineOnline(machineID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runners.Has(machineID)
}

func (h *hub) snapshot() []*peerConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		out = append(out, pc)
	}
	return out
}
