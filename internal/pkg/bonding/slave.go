// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"math"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Slave is a device attached to a bond.
//
// Link state fields are protected by the bond lock, ARP timestamps are atomic
// so that the receive path can update them holding only the read lock.
type Slave struct {
	dev    Device
	logger *zap.Logger

	handle SlaveHandle

	link  LinkState
	delay int
	role  Role

	failures uint32

	permAddr    net.HardwareAddr
	speedDuplex SpeedDuplex
	haveSpeed   bool

	lastLinkUp time.Time

	lastRx atomic.Pointer[time.Time]
	lastTx atomic.Pointer[time.Time]

	// linkQueryFailed is set once the device failed to report link status, the slave is then always up.
	linkQueryFailed atomic.Bool
}

func newSlave(dev Device, permAddr net.HardwareAddr, logger *zap.Logger) *Slave {
	return &Slave{
		dev:      dev,
		logger:   logger.With(zap.String("slave", dev.Name())),
		permAddr: permAddr,
	}
}

// Handle of the slave.
func (s *Slave) Handle() SlaveHandle {
	return s.handle
}

// Device of the slave.
func (s *Slave) Device() Device {
	return s.dev
}

// Name of the slave device.
func (s *Slave) Name() string {
	return s.dev.Name()
}

func (s *Slave) status() LinkStatus {
	return LinkStatus{Link: s.link, Delay: s.delay}
}

func (s *Slave) countFailure() {
	if s.failures < math.MaxUint32 {
		s.failures++
	}
}

func (s *Slave) updateSpeedDuplex() {
	s.speedDuplex, s.haveSpeed = s.dev.QuerySpeedDuplex()
}

func loadStamp(p *atomic.Pointer[time.Time]) time.Time {
	if t := p.Load(); t != nil {
		return *t
	}

	return time.Time{}
}

func storeStamp(p *atomic.Pointer[time.Time], t time.Time) {
	p.Store(&t)
}
