package snmptrap

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
)

func init() {
	logging.Discard()
}

type recorder struct {
	mu     sync.Mutex
	points []metric.Point
}

func (r *recorder) Start(ctx context.Context) error { return nil }
func (r *recorder) Stop(ctx context.Context) error  { return nil }

func (r *recorder) Push(points []metric.Point) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, points...)
	return len(points)
}

func (r *recorder) find(suffix string) (metric.Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.points {
		if strings.HasSuffix(p.Path, suffix) {
			return p, true
		}
	}
	return metric.Point{}, false
}

// freePort returns a UDP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestPoints(t *testing.T) {
	packet := &gosnmp.SnmpPacket{
		Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(1200)},
			{Name: ".1.3.6.1.6.3.1.1.4.1.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.1"},
			{Name: ".1.3.6.1.4.1.1.2", Type: gosnmp.Gauge32, Value: uint(42)},
			{Name: ".1.3.6.1.4.1.1.3", Type: gosnmp.Integer, Value: -7},
			{Name: ".1.3.6.1.4.1.1.4", Type: gosnmp.OctetString, Value: []byte(" 3.5 ")},
			{Name: ".1.3.6.1.4.1.1.5", Type: gosnmp.OctetString, Value: []byte("link down")},
			{Name: ".1.3.6.1.4.1.1.6", Type: gosnmp.Counter64, Value: uint64(1 << 40)},
		},
	}
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}

	points, invalid := Points("snmp", packet, addr, time.Unix(99, 0))
	if invalid != 2 {
		t.Errorf("invalid = %d, want 2", invalid)
	}

	want := map[string]float64{
		"snmp.10_0_0_1.1.3.6.1.2.1.1.3.0": 1200,
		"snmp.10_0_0_1.1.3.6.1.4.1.1.2":   42,
		"snmp.10_0_0_1.1.3.6.1.4.1.1.3":   -7,
		"snmp.10_0_0_1.1.3.6.1.4.1.1.4":   3.5,
		"snmp.10_0_0_1.1.3.6.1.4.1.1.6":   1 << 40,
	}
	if len(points) != len(want) {
		t.Fatalf("points = %+v", points)
	}
	for _, p := range points {
		if v, ok := want[p.Path]; !ok || v != p.Value || p.Timestamp != 99 {
			t.Errorf("unexpected point %+v", p)
		}
	}
}

func TestInput_ReceivesTrap(t *testing.T) {
	port := freePort(t)
	rec := &recorder{}

	r := registry.New()
	_ = Register(r)
	c, err := r.Resolve(registry.Fragment{
		Slot:    "input[0]",
		Name:    Name,
		Options: registry.Options{"host": "127.0.0.1", "port": port, "community": "public"},
		Deps:    registry.Dependencies{"queues": rec},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	in := c.(*Input)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop(ctx)

	client := &gosnmp.GoSNMP{
		Target:    "127.0.0.1",
		Port:      uint16(port),
		Transport: "udp",
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   time.Second,
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Conn.Close()

	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(100)},
			{Name: ".1.3.6.1.6.3.1.1.4.1.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9"},
			{Name: ".1.3.6.1.4.1.9.1", Type: gosnmp.Gauge32, Value: uint(17)},
		},
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := client.SendTrap(trap); err != nil {
			t.Fatalf("SendTrap: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if p, ok := rec.find(".1.3.6.1.4.1.9.1"); ok {
			if p.Value != 17 || !strings.HasPrefix(p.Path, "snmp.127_0_0_1.") {
				t.Errorf("point = %+v", p)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trap was not received")
		}
	}
}

func TestNew_Errors(t *testing.T) {
	r := registry.New()
	_ = Register(r)
	deps := registry.Dependencies{"queues": &recorder{}}

	_, err := r.Resolve(registry.Fragment{Slot: "input[0]", Name: Name, Options: registry.Options{"security_level": "paranoid"}, Deps: deps})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("bad security level err = %v", err)
	}
	_, err = r.Resolve(registry.Fragment{Slot: "input[0]", Name: Name})
	if !errors.Is(err, errors.ErrUnknownDependency) {
		t.Errorf("missing queues err = %v", err)
	}
}
