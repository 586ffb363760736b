package relayproto

import (
	"errors"
	"fmt"
)

// Hello is sent by the hub once a connection is accepted.
type Hello struct {
	ConnID     string `json:"connId"`
	Namespace  string `json:"namespace"`
	ClientType string `json:"clientType"`
	MachineID  string `json:"machineId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

func (p *Hello) Validate() error {
	return checkIDs(map[string]string{"connId": p.ConnID})
}

// Empty is the payload of ping and pong.
type Empty struct{}

func (*Empty) Validate() error { return nil }

// Alive is a machine-alive or session-alive heartbeat.
type Alive struct {
	MachineID string `json:"machineId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Time      int64  `json:"time"`
}

func (p *Alive) Validate() error {
	if p.MachineID == "" && p.SessionID == "" {
		return errors.New("machineId or sessionId required")
	}
	if len(p.MachineID) > MaxIDLen || len(p.SessionID) > MaxIDLen {
		return errors.New("id too long")
	}
	return nil
}

// AccessError tells a caller it may not touch a machine or session.
type AccessError struct {
	Scope  string `json:"scope"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (p *AccessError) Validate() error {
	if p.Scope != ScopeMachine && p.Scope != ScopeSession {
		return fmt.Errorf("unknown scope %q", p.Scope)
	}
	return checkIDs(map[string]string{"id": p.ID})
}

// TunnelRequest asks the hub to open a tunnel to a port on a machine.
type TunnelRequest struct {
	TunnelID  string `json:"tunnelId"`
	MachineID string `json:"machineId"`
	Port      int    `json:"port"`
	Host      string `json:"host,omitempty"`
}

func (p *TunnelRequest) Validate() error {
	if err := checkIDs(map[string]string{"tunnelId": p.TunnelID, "machineId": p.MachineID}); err != nil {
		return err
	}
	if len(p.Host) > MaxIDLen {
		return errors.New("host too long")
	}
	return checkPort(p.Port)
}

// TunnelOpen tells a runner to dial a local port for a tunnel.
type TunnelOpen struct {
	TunnelID string `json:"tunnelId"`
	Port     int    `json:"port"`
	Host     string `json:"host,omitempty"`
}

func (p *TunnelOpen) Validate() error {
	if err := checkIDs(map[string]string{"tunnelId": p.TunnelID}); err != nil {
		return err
	}
	return checkPort(p.Port)
}

// TunnelRef names a tunnel; the payload of tunnel:ready and tunnel:close.
type TunnelRef struct {
	TunnelID string `json:"tunnelId"`
}

func (p *TunnelRef) Validate() error {
	return checkIDs(map[string]string{"tunnelId": p.TunnelID})
}

// TunnelData carries one base64 chunk of a tunnel byte stream.
type TunnelData struct {
	TunnelID string `json:"tunnelId"`
	Data     string `json:"data"`
}

func (p *TunnelData) Validate() error {
	return checkIDs(map[string]string{"tunnelId": p.TunnelID})
}

// TunnelError reports a tunnel failure.
type TunnelError struct {
	TunnelID string `json:"tunnelId"`
	Message  string `json:"message"`
}

func (p *TunnelError) Validate() error {
	return checkIDs(map[string]string{"tunnelId": p.TunnelID})
}

// TerminalRef names a terminal of a session; the payload of
// terminal:ready, terminal:exit, terminal:register and terminal:attach.
type TerminalRef struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

func (p *TerminalRef) Validate() error {
	return checkIDs(map[string]string{"sessionId": p.SessionID, "terminalId": p.TerminalID})
}

// TerminalOutput carries producer output, live or replayed as history.
type TerminalOutput struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

func (p *TerminalOutput) Validate() error {
	return checkIDs(map[string]string{"sessionId": p.SessionID, "terminalId": p.TerminalID})
}

// TerminalError reports a terminal failure to viewers.
type TerminalError struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Message    string `json:"message"`
}

func (p *TerminalError) Validate() error {
	return checkIDs(map[string]string{"sessionId": p.SessionID, "terminalId": p.TerminalID})
}

// TerminalCreate asks a session's producer to start a shell. The hub
// forwards it to the producer as terminal:open. Zero dimensions mean the
// producer's default.
type TerminalCreate struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

func (p *TerminalCreate) Validate() error {
	if err := checkIDs(map[string]string{"sessionId": p.SessionID, "terminalId": p.TerminalID}); err != nil {
		return err
	}
	return checkDims(p.Cols, p.Rows, true)
}

// TerminalTarget names a terminal by id alone; the payload of
// terminal:detach, terminal:close and terminal:activity. The hub fills
// SessionID when forwarding to the producer.
type TerminalTarget struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"`
}

func (p *TerminalTarget) Validate() error {
	return checkIDs(map[string]string{"terminalId": p.TerminalID})
}

// TerminalInput is viewer keyboard input for the producer.
type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"`
	Data       string `json:"data"`
}

func (p *TerminalInput) Validate() error {
	return checkIDs(map[string]string{"terminalId": p.TerminalID})
}

// TerminalResize changes the pty size.
type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (p *TerminalResize) Validate() error {
	if err := checkIDs(map[string]string{"terminalId": p.TerminalID}); err != nil {
		return err
	}
	return checkDims(p.Cols, p.Rows, false)
}

func checkIDs(ids map[string]string) error {
	for name, v := range ids {
		if v == "" {
			return fmt.Errorf("%s required", name)
		}
		if len(v) > MaxIDLen {
			return fmt.Errorf("%s too long", name)
		}
	}
	return nil
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

func checkDims(cols, rows int, allowZero bool) error {
	lo := 1
	if allowZero {
		lo = 0
	}
	if cols < lo || rows < lo || cols > MaxTerminalDim || rows > MaxTerminalDim {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	return nil
}
