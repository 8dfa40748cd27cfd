// Package carbon implements the input/carbon component: a TCP listener for
// the carbon plaintext protocol, one "<path> <value> <timestamp>" per line.
package carbon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Name is the qualified factory name.
const Name = "input/carbon"

// Register adds the input/carbon factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// maxLineLength bounds one line including its newline. Longer lines are
// discarded.
const maxLineLength = 4096

// Config holds input/carbon options. The carbon section supplies the
// defaults.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"min=0,max=65535"`

	// ReadTimeout closes connections idle for longer; a duration string or
	// seconds.
	ReadTimeout any `mapstructure:"readtimeout"`

	// RateLimit caps accepted points per second across connections. Zero
	// disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`

	// BatchSize is the most points handed to the queues at once.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`
}

// Input is a carbon plaintext listener.
type Input struct {
	cfg         Config
	readTimeout time.Duration
	sink        metric.Sink
	limiter     *rate.Limiter
	now         func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New is the registry factory. It requires the queues dependency.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := Config{
		Enabled:     config.DefaultCarbonEnabled,
		Host:        config.DefaultCarbonHost,
		Port:        config.DefaultCarbonPort,
		ReadTimeout: config.DefaultCarbonReadTimeout,
		BatchSize:   500,
	}
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	timeout, err := retention.Duration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s readtimeout: %v: %w", Name, err, errors.ErrInvalidConfig)
	}

	sink, err := registry.Dep[metric.Sink](f, "queues")
	if err != nil {
		return nil, err
	}

	in := &Input{
		cfg:         cfg,
		readTimeout: timeout,
		sink:        sink,
		now:         time.Now,
		conns:       make(map[net.Conn]struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := int(math.Ceil(cfg.RateLimit))
		if burst < cfg.BatchSize {
			in.cfg.BatchSize = burst
		}
		in.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return in, nil
}

// Start binds the listener. A disabled input does nothing.
func (in *Input) Start(ctx context.Context) error {
	log := logging.WithContext(ctx)
	if !in.cfg.Enabled {
		log.Info("carbon input disabled")
		return nil
	}

	addr := net.JoinHostPort(in.cfg.Host, strconv.Itoa(in.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	in.mu.Lock()
	in.listener = ln
	in.shutdown = make(chan struct{})
	in.cancel = cancel
	in.mu.Unlock()

	in.wg.Add(1)
	go in.acceptLoop(runCtx, ln)

	log.Info("carbon input listening", "address", ln.Addr().String(), "readtimeout", in.readTimeout)
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (in *Input) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener == nil {
		return nil
	}
	return in.listener.Addr()
}

// Stop closes the listener and every open connection and waits for the
// handlers to return.
func (in *Input) Stop(ctx context.Context) error {
	in.mu.Lock()
	if in.listener == nil {
		in.mu.Unlock()
		return nil
	}
	close(in.shutdown)
	in.cancel()
	err := in.listener.Close()
	in.listener = nil
	for c := range in.conns {
		c.Close()
	}
	in.mu.Unlock()

	in.wg.Wait()
	return err
}

func (in *Input) acceptLoop(ctx context.Context, ln net.Listener) {
	defer in.wg.Done()
	log := logging.Component("input.carbon")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-in.shutdown:
				return
			default:
				log.Error("accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		if !in.track(conn) {
			conn.Close()
			return
		}
		in.wg.Add(1)
		go in.handleConn(ctx, conn)
	}
}

// track registers conn unless the input is shutting down.
func (in *Input) track(conn net.Conn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	select {
	case <-in.shutdown:
		return false
	default:
	}
	in.conns[conn] = struct{}{}
	return true
}

func (in *Input) untrack(conn net.Conn) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.conns, conn)
}

func (in *Input) handleConn(ctx context.Context, conn net.Conn) {
	defer in.wg.Done()
	defer in.untrack(conn)
	defer conn.Close()

	log := logging.Component("input.carbon").With("remote", conn.RemoteAddr().String())
	log.Debug("connection opened")

	r := bufio.NewReaderSize(conn, maxLineLength)
	batch := make([]metric.Point, 0, in.cfg.BatchSize)

	for {
		if in.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(in.readTimeout))
		}
		line, tooLong, err := readLine(r)
		if tooLong {
			metrics.PointsInvalid.WithLabelValues("carbon").Inc()
			log.Debug("line too long", "limit", maxLineLength)
		} else if line = strings.TrimSpace(line); line != "" {
			p, perr := ParseLine(line, in.now)
			if perr != nil {
				metrics.PointsInvalid.WithLabelValues("carbon").Inc()
				log.Debug("invalid line", "line", line, "error", perr)
			} else {
				batch = append(batch, p)
			}
		}

		// Hand over when the batch is full or no more input is buffered.
		if len(batch) > 0 && (len(batch) >= in.cfg.BatchSize || r.Buffered() == 0 || err != nil) {
			if !in.push(ctx, batch) {
				return
			}
			batch = batch[:0]
		}

		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", "error", err)
			}
			return
		}
	}
}

// readLine returns the next line. A line that does not fit the reader
// buffer is skipped up to its newline and reported as tooLong, so a client
// never makes the reader grow.
func readLine(r *bufio.Reader) (line string, tooLong bool, err error) {
	b, err := r.ReadSlice('\n')
	if err != bufio.ErrBufferFull {
		return string(b), false, err
	}
	for err == bufio.ErrBufferFull {
		_, err = r.ReadSlice('\n')
	}
	return "", true, err
}

// push waits for the rate limiter and offers points to the queues. It
// returns false once the input is stopping.
func (in *Input) push(ctx context.Context, points []metric.Point) bool {
	if in.limiter != nil {
		if err := in.limiter.WaitN(ctx, len(points)); err != nil {
			return false
		}
	}
	accepted := in.sink.Push(points)
	metrics.PointsReceived.WithLabelValues("carbon").Add(float64(accepted))
	return true
}

// ParseLine parses one plaintext line. A negative timestamp means now.
func ParseLine(line string, now func() time.Time) (metric.Point, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return metric.Point{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return metric.Point{}, fmt.Errorf("invalid value %q", fields[1])
	}

	ts, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return metric.Point{}, fmt.Errorf("invalid timestamp %q", fields[2])
	}

	p := metric.Point{Path: fields[0], Value: value, Timestamp: int64(ts)}
	if ts < 0 {
		p.Timestamp = now().Unix()
	}
	return p, nil
}

var _ registry.Component = (*Input)(nil)
