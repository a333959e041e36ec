package session

import "sync/atomic"

// MicGate gates the local capture path while assistant audio is playing so
// the model never hears its own synthesized speech. It starts enabled, and
// every terminal teardown path re-enables it.
type MicGate struct {
	disabled atomic.Bool
}

func NewMicGate() *MicGate {
	return &MicGate{}
}

// Enabled reports whether captured audio may be forwarded. Consulted per
// frame by the connector's capture pump.
func (g *MicGate) Enabled() bool {
	return !g.disabled.Load()
}

func (g *MicGate) Enable() {
	g.disabled.Store(false)
}

func (g *MicGate) Disable() {
	g.disabled.Store(true)
}
