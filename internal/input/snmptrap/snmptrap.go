// Package snmptrap implements the input/snmptrap component: a UDP trap
// listener turning numeric varbinds into points named
// <prefix>.<agent address>.<oid>.
package snmptrap

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
)

// Name is the qualified factory name.
const Name = "input/snmptrap"

// Register adds the input/snmptrap factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config holds input/snmptrap options.
type Config struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port" validate:"min=0,max=65535"`
	Prefix string `mapstructure:"prefix" validate:"required"`

	// v2c
	Community string `mapstructure:"community"`

	// v3
	SecurityName  string `mapstructure:"security_name"`
	SecurityLevel string `mapstructure:"security_level" validate:"omitempty,oneof=noAuthNoPriv authNoPriv authPriv"`
	AuthProtocol  string `mapstructure:"auth_protocol"`
	AuthPassword  string `mapstructure:"auth_password"`
	PrivProtocol  string `mapstructure:"priv_protocol"`
	PrivPassword  string `mapstructure:"priv_password"`
}

// Input listens for traps.
type Input struct {
	cfg  Config
	sink metric.Sink
	now  func() time.Time

	mu       sync.Mutex
	listener *gosnmp.TrapListener
	done     chan error
}

// New is the registry factory. It requires the queues dependency.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := Config{Host: "0.0.0.0", Port: 162, Prefix: "snmp"}
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	sink, err := registry.Dep[metric.Sink](f, "queues")
	if err != nil {
		return nil, err
	}
	return &Input{cfg: cfg, sink: sink, now: time.Now}, nil
}

func (in *Input) params() *gosnmp.GoSNMP {
	p := &gosnmp.GoSNMP{
		Port:      uint16(in.cfg.Port),
		Transport: "udp",
		Timeout:   2 * time.Second,
		Retries:   1,
		MaxOids:   gosnmp.MaxOids,
	}
	if in.cfg.SecurityName != "" {
		p.Version = gosnmp.Version3
		p.SecurityModel = gosnmp.UserSecurityModel
		p.MsgFlags = msgFlags(in.cfg.SecurityLevel)
		p.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 in.cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(in.cfg.AuthProtocol),
			AuthenticationPassphrase: in.cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(in.cfg.PrivProtocol),
			PrivacyPassphrase:        in.cfg.PrivPassword,
		}
	} else {
		p.Version = gosnmp.Version2c
		p.Community = in.cfg.Community
	}
	return p
}

// Start binds the UDP listener and returns once it is receiving.
func (in *Input) Start(ctx context.Context) error {
	tl := gosnmp.NewTrapListener()
	tl.Params = in.params()
	tl.OnNewTrap = in.onTrap

	addr := net.JoinHostPort(in.cfg.Host, strconv.Itoa(in.cfg.Port))
	done := make(chan error, 1)
	go func() { done <- tl.Listen(addr) }()

	select {
	case <-tl.Listening():
	case err := <-done:
		if err == nil {
			err = errors.ErrNotRunning
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
		tl.Close()
		return ctx.Err()
	}

	in.mu.Lock()
	in.listener = tl
	in.done = done
	in.mu.Unlock()

	logging.WithContext(ctx).Info("snmp trap input listening", "address", addr)
	return nil
}

// Stop closes the listener.
func (in *Input) Stop(ctx context.Context) error {
	in.mu.Lock()
	tl, done := in.listener, in.done
	in.listener, in.done = nil, nil
	in.mu.Unlock()

	if tl == nil {
		return nil
	}
	tl.Close()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Input) onTrap(packet *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	points, invalid := Points(in.cfg.Prefix, packet, addr, in.now())
	if invalid > 0 {
		metrics.PointsInvalid.WithLabelValues("snmptrap").Add(float64(invalid))
	}
	if len(points) == 0 {
		return
	}
	accepted := in.sink.Push(points)
	metrics.PointsReceived.WithLabelValues("snmptrap").Add(float64(accepted))
}

// Points converts the numeric varbinds of a trap. Non-numeric varbinds are
// counted as invalid.
func Points(prefix string, packet *gosnmp.SnmpPacket, addr *net.UDPAddr, now time.Time) ([]metric.Point, int) {
	agent := "unknown"
	if addr != nil {
		agent = sanitize(addr.IP.String())
	}

	var points []metric.Point
	invalid := 0
	for _, v := range packet.Variables {
		value, ok := numeric(v)
		if !ok {
			invalid++
			continue
		}
		oid := strings.TrimPrefix(v.Name, ".")
		points = append(points, metric.Point{
			Path:      prefix + "." + agent + "." + oid,
			Value:     value,
			Timestamp: now.Unix(),
		})
	}
	return points, invalid
}

// sanitize makes an address usable as a single path segment.
func sanitize(s string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(s)
}

func numeric(v gosnmp.SnmpPDU) (float64, bool) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		f, _ := new(big.Float).SetInt(gosnmp.ToBigInt(v.Value)).Float64()
		return f, true
	case gosnmp.Integer:
		n, ok := v.Value.(int)
		return float64(n), ok
	case gosnmp.TimeTicks:
		n, ok := v.Value.(uint32)
		return float64(n), ok
	case gosnmp.OctetString:
		b, ok := v.Value.([]byte)
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// =============================================================================
// SNMPv3 Protocol Helpers
// =============================================================================

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

var _ registry.Component = (*Input)(nil)
