package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/device/hal/loopback"
	"github.com/ardnew/softmsc/pkg"
)

type transition struct{ old, new State }

type fakeFunction struct {
	iface uint8
	eps   []hal.EndpointConfig

	mu          sync.Mutex
	setups      []hal.SetupPacket
	completions []pkg.TransferStatus
	transitions []transition
}

func (f *fakeFunction) InterfaceNumber() uint8          { return f.iface }
func (f *fakeFunction) Endpoints() []hal.EndpointConfig { return f.eps }

func (f *fakeFunction) HandleSetup(setup *hal.SetupPacket, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, *setup)
	if setup.Request == 0xFE {
		data[0] = 0
		return 1, nil
	}
	return 0, nil
}

func (f *fakeFunction) TransferComplete(address uint8, n int, status pkg.TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, status)
}

func (f *fakeFunction) StateChanged(old, new State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transition{old, new})
}

func newFake(iface uint8, in, out uint8) *fakeFunction {
	return &fakeFunction{
		iface: iface,
		eps: []hal.EndpointConfig{
			{Address: in, Attributes: hal.TransferTypeBulk, MaxPacketSize: 64},
			{Address: out, Attributes: hal.TransferTypeBulk, MaxPacketSize: 64},
		},
	}
}

func TestRouter_Register(t *testing.T) {
	ctrl := loopback.New(hal.SpeedFull)
	r := NewRouter(ctrl)

	if err := r.Register(newFake(0, 0x81, 0x02)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(newFake(0, 0x83, 0x04)); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("duplicate interface error = %v, want %v", err, pkg.ErrBusy)
	}
	if err := r.Register(newFake(1, 0x81, 0x04)); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("duplicate endpoint error = %v, want %v", err, pkg.ErrInvalidEndpoint)
	}
	if err := r.Register(newFake(2, 0x83, 0x00)); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("control endpoint error = %v, want %v", err, pkg.ErrInvalidEndpoint)
	}
}

func TestRouter_ConfigureLifecycle(t *testing.T) {
	ctx := context.Background()
	ctrl := loopback.New(hal.SpeedFull)
	host := ctrl.Host()
	r := NewRouter(ctrl)
	f := newFake(0, 0x81, 0x02)
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}

	if err := ctrl.Read(0x02, make([]byte, 31)); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Fatalf("Read() before configuration error = %v", err)
	}
	if err := host.Configure(ctx, 1); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if r.State() != StateConfigured || r.Configuration() != 1 {
		t.Fatalf("State/Configuration = %v/%d", r.State(), r.Configuration())
	}
	if err := ctrl.Read(0x02, make([]byte, 31)); err != nil {
		t.Fatalf("Read() after configuration error = %v", err)
	}

	host.Suspend()
	host.Resume()
	if r.State() != StateConfigured {
		t.Errorf("State() after resume = %v", r.State())
	}

	// Bus reset disables the endpoints, cancelling the queued read.
	host.BusReset()
	if r.State() != StateDefault || r.Configuration() != 0 {
		t.Errorf("State/Configuration after reset = %v/%d", r.State(), r.Configuration())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	want := []transition{
		{StateDefault, StateConfigured},
		{StateConfigured, StateSuspended},
		{StateSuspended, StateConfigured},
		{StateConfigured, StateDefault},
	}
	if len(f.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", f.transitions, want)
	}
	for i := range want {
		if f.transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, f.transitions[i], want[i])
		}
	}
	if len(f.completions) != 1 || f.completions[0] != pkg.TransferStatusCancelled {
		t.Errorf("completions = %v, want one cancelled", f.completions)
	}
}

func TestRouter_ControlRequests(t *testing.T) {
	ctx := context.Background()
	ctrl := loopback.New(hal.SpeedFull)
	host := ctrl.Host()
	r := NewRouter(ctrl)
	f := newFake(1, 0x81, 0x02)
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	if err := host.Configure(ctx, 1); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2)
	tests := []struct {
		name    string
		setup   hal.SetupPacket
		wantN   int
		wantErr bool
	}{
		{"class request to interface", hal.SetupPacket{RequestType: 0xA1, Request: 0xFE, Index: 1, Length: 1}, 1, false},
		{"class request to unknown interface", hal.SetupPacket{RequestType: 0xA1, Request: 0xFE, Index: 7, Length: 1}, 0, true},
		{"get configuration", hal.SetupPacket{RequestType: 0x80, Request: hal.RequestGetConfiguration, Length: 1}, 1, false},
		{"set halt", hal.SetupPacket{RequestType: 0x02, Request: hal.RequestSetFeature, Index: 0x81}, 0, false},
		{"endpoint status", hal.SetupPacket{RequestType: 0x82, Request: hal.RequestGetStatus, Index: 0x81, Length: 2}, 2, false},
		{"clear halt", hal.SetupPacket{RequestType: 0x02, Request: hal.RequestClearFeature, Index: 0x81}, 0, false},
		{"clear halt unowned", hal.SetupPacket{RequestType: 0x02, Request: hal.RequestClearFeature, Index: 0x85}, 0, true},
		{"vendor device request", hal.SetupPacket{RequestType: 0x40, Request: 0x10}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := host.Control(ctx, tt.setup, buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Control() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Errorf("Control() = %d bytes, want %d", n, tt.wantN)
			}
		})
	}
	if ctrl.IsStalled(0x81) {
		t.Error("endpoint still stalled after clear halt")
	}
}
