// Package nus exposes the BLE transport as a Nordic UART Service
// peripheral: centrals write requests to the RX characteristic and receive
// replies as notifications on TX.
package nus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"picomcp/internal/transport/ble"
)

// Nordic UART Service UUIDs.
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	RXUUID      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	TXUUID      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

type Config struct {
	DeviceName string
	// MTU is the outbound chunk size. The stack does not report the
	// negotiated ATT MTU to peripherals, so it is configured.
	MTU int
}

// Peripheral is a ble.Listener backed by the host Bluetooth adapter. Each
// central is served on its own link, created on its first write.
type Peripheral struct {
	cfg     Config
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
	tx      bluetooth.Characteristic
	ln      *ble.ChanListener
	log     logrus.FieldLogger

	mu    sync.Mutex
	links map[bluetooth.Connection]*ble.ChanLink
	// writeMu serialises notifications; the TX characteristic is shared.
	writeMu sync.Mutex
}

// Open enables the default adapter, registers the service and starts
// advertising cfg.DeviceName.
func Open(cfg Config, log logrus.FieldLogger) (*Peripheral, error) {
	if cfg.MTU < 1 {
		cfg.MTU = ble.DefaultMTU
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Peripheral{
		cfg:     cfg,
		adapter: bluetooth.DefaultAdapter,
		ln:      ble.NewChanListener(),
		log:     log,
		links:   map[bluetooth.Connection]*ble.ChanLink{},
	}

	svc, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, err
	}
	rx, err := bluetooth.ParseUUID(RXUUID)
	if err != nil {
		return nil, err
	}
	tx, err := bluetooth.ParseUUID(TXUUID)
	if err != nil {
		return nil, err
	}

	if err := p.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			log.WithField("central", device.Address.String()).Info("central connected")
			return
		}
		log.WithField("central", device.Address.String()).Info("central disconnected")
		p.closeAll()
	})

	var rxChar bluetooth.Characteristic
	err = p.adapter.AddService(&bluetooth.Service{
		UUID: svc,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle:     &rxChar,
				UUID:       rx,
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: p.onWrite,
			},
			{
				Handle: &p.tx,
				UUID:   tx,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add nus service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{svc},
	}); err != nil {
		return nil, fmt.Errorf("configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return nil, fmt.Errorf("start advertising: %w", err)
	}
	log.WithFields(logrus.Fields{"name": cfg.DeviceName, "mtu": cfg.MTU}).Info("advertising nordic uart service")
	return p, nil
}

// onWrite runs on the stack's event goroutine.
func (p *Peripheral) onWrite(client bluetooth.Connection, offset int, value []byte) {
	link, created := p.linkFor(client)
	if created {
		go func() {
			if err := p.ln.Offer(context.Background(), link); err != nil {
				link.Close()
			}
		}()
	}
	// Write events arrive on the stack's event loop, which must not block.
	switch err := link.TryDeliver(value); {
	case errors.Is(err, ble.ErrLinkBusy):
		p.log.WithField("link", link.ID()).Warn("inbound queue full; resetting link")
		p.dropLink(client, link)
	case err != nil:
		p.log.WithField("link", link.ID()).Debug("write after disconnect dropped")
	}
}

// dropLink closes link and forgets it, so the next write from client starts
// a fresh link with an empty reassembly buffer.
func (p *Peripheral) dropLink(client bluetooth.Connection, link *ble.ChanLink) {
	link.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links[client] == link {
		delete(p.links, client)
	}
}

func (p *Peripheral) linkFor(client bluetooth.Connection) (*ble.ChanLink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.links[client]; ok {
		return l, false
	}
	l := ble.NewChanLink(p.cfg.MTU, p.notify)
	p.links[client] = l
	return l, true
}

func (p *Peripheral) notify(_ context.Context, chunk []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.tx.Write(chunk); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// closeAll ends every link. The disconnect callback identifies the device,
// not the connection handle, so all links are reset together.
func (p *Peripheral) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, l := range p.links {
		l.Close()
		delete(p.links, k)
	}
}

// Accept implements ble.Listener.
func (p *Peripheral) Accept(ctx context.Context) (ble.Link, error) {
	return p.ln.Accept(ctx)
}

// Close stops advertising and disconnects every link.
func (p *Peripheral) Close() error {
	p.ln.Close()
	p.closeAll()
	if p.adv != nil {
		return p.adv.Stop()
	}
	return nil
}
