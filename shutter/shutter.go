/*Package shutter controls Thorlabs SC10 shutter controllers.

The SC10 speaks a carriage return terminated protocol at 9600 8N1, the
comm package defaults.  Every command produces exactly one terminated
reply; queries answer with a value and bare commands echo themselves.
The controller only offers a toggle, so SetOpen queries the enable
state first and toggles when it differs from the request.

Each command opens and closes the connection around the exchange, so a
controller that is power cycled between darks does not wedge the server.
*/
package shutter

import (
	"strings"
	"sync"

	"github.com/nasa-jpl/spectrolab/comm"
)

// SC10 represents an SC10 shutter controller
type SC10 struct {
	dev comm.Communicator
}

// NewSC10 returns an SC10 speaking over dev, typically a
// comm.RemoteDevice on a serial line
func NewSC10(dev comm.Communicator) *SC10 {
	return &SC10{dev: dev}
}

func (s *SC10) sendRecv(cmd string) (string, error) {
	err := s.dev.Open()
	if err != nil {
		return "", err
	}
	defer s.dev.Close()
	resp, err := s.dev.SendRecv([]byte(cmd))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// ID returns the identity string of the controller
func (s *SC10) ID() (string, error) {
	return s.sendRecv("id?")
}

// Enabled reports whether the shutter is open
func (s *SC10) Enabled() (bool, error) {
	resp, err := s.sendRecv("ens?")
	if err != nil {
		return false, err
	}
	return resp == "1", nil
}

// Toggle flips the shutter state
func (s *SC10) Toggle() error {
	_, err := s.sendRecv("ens")
	return err
}

// SetOpen opens or closes the shutter; true admits light
func (s *SC10) SetOpen(open bool) error {
	cur, err := s.Enabled()
	if err != nil {
		return err
	}
	if cur == open {
		return nil
	}
	return s.Toggle()
}

// Sim is a software shutter for benches without one
type Sim struct {
	mu   sync.Mutex
	open bool
}

// SetOpen records the commanded state
func (s *Sim) SetOpen(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
	return nil
}

// Enabled reports the recorded state
func (s *Sim) Enabled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, nil
}
