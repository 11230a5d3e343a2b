// Package listener collects records from syslog endpoints and local log
// files and hands them to the ingestion service.
package listener

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	syslog "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biolog/config"
	core "biolog/ingestion/service/core"
	"biolog/internal/metrics"
)

const (
	ChannelSyslog = "syslog"

	reasonUnparseable = "unparseable"

	maxConcurrentProcessors = 100
	tcpIdleTimeout          = 10 * time.Second
	defaultMaxMessageSize   = 64 * 1024
)

// SyslogListener accepts RFC 5424 and RFC 3164 messages over UDP and TCP.
type SyslogListener struct {
	cfg       config.SyslogListenerConfig
	submitter core.Submitter
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyslogListener creates a listener for the configured endpoints
func NewSyslogListener(cfg config.SyslogListenerConfig, s core.Submitter, m *metrics.Collector, logger *zap.Logger) *SyslogListener {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &SyslogListener{cfg: cfg, submitter: s, metrics: m, logger: logger, now: time.Now}
}

// Run binds the enabled endpoints and serves them until ctx is cancelled.
func (l *SyslogListener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if l.cfg.UDPListenAddr != "" {
		conn, err := net.ListenPacket("udp", l.cfg.UDPListenAddr)
		if err != nil {
			return err
		}
		l.logger.Info("Syslog UDP listener is running", zap.String("addr", conn.LocalAddr().String()))
		g.Go(func() error { return l.ServeUDP(ctx, conn) })
	}

	if l.cfg.TCPListenAddr != "" {
		ln, err := net.Listen("tcp", l.cfg.TCPListenAddr)
		if err != nil {
			return err
		}
		l.logger.Info("Syslog TCP listener is running", zap.String("addr", ln.Addr().String()))
		g.Go(func() error { return l.ServeTCP(ctx, ln) })
	}

	return g.Wait()
}

// ServeUDP reads datagrams from conn until ctx is cancelled. A datagram may
// carry several newline separated messages.
func (l *SyslogListener) ServeUDP(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	semaphore := make(chan struct{}, maxConcurrentProcessors)
	var wg sync.WaitGroup
	defer wg.Wait()

	buffer := make([]byte, l.cfg.MaxMessageSize)
	for {
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.logger.Warn("Error reading from UDP", zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func() {
				defer func() {
					<-semaphore
					wg.Done()
				}()
				for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
					l.handleLine(ctx, line)
				}
			}()
		default:
			l.metrics.RecordsRejected.WithLabelValues(ChannelSyslog, core.ReasonOverloaded).Inc()
			l.logger.Warn("UDP processing at capacity, dropping datagram")
		}
	}
}

// ServeTCP accepts newline framed connections on ln until ctx is cancelled.
func (l *SyslogListener) ServeTCP(ctx context.Context, ln net.Listener) error {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	semaphore := make(chan struct{}, maxConcurrentProcessors)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.logger.Warn("Error accepting TCP connection", zap.Error(err))
			continue
		}

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				mu.Lock()
				delete(conns, c)
				mu.Unlock()
				<-semaphore
				wg.Done()
			}()
			l.handleConn(ctx, c)
		}(conn)
	}
}

func (l *SyslogListener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), l.cfg.MaxMessageSize)

	for {
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					l.logger.Debug("Closing idle syslog connection", zap.String("remote", conn.RemoteAddr().String()))
				} else {
					l.logger.Warn("TCP connection closed", zap.Error(err))
				}
			}
			return
		}
		l.handleLine(ctx, scanner.Text())
	}
}

// handleLine parses one syslog line and submits it. Messages whose source
// cannot be resolved still go through the service, which rejects them
// with a configuration error.
func (l *SyslogListener) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	base, ok := l.parse(line)
	if !ok {
		l.metrics.RecordsRejected.WithLabelValues(ChannelSyslog, reasonUnparseable).Inc()
		l.logger.Warn("Failed to parse syslog message", zap.String("line", line))
		return
	}

	input := &core.RecordInput{
		SourceSystem: l.resolveSource(base),
		RawPayload:   line,
		Channel:      ChannelSyslog,
	}
	if base.Message != nil && strings.TrimSpace(*base.Message) != "" {
		input.RawPayload = *base.Message
	}
	if ts := l.timestamp(base); ts != nil {
		input.Timestamp = ts
	}

	if _, err := l.submitter.SubmitRecord(ctx, input); err != nil {
		l.logger.Debug("Syslog record not accepted", zap.String("source_system", input.SourceSystem), zap.Error(err))
	}
}

// parse tries RFC 5424 first and falls back to RFC 3164.
func (l *SyslogListener) parse(line string) (syslog.Base, bool) {
	p5424 := rfc5424.NewParser(rfc5424.WithBestEffort())
	if msg, err := p5424.Parse([]byte(line)); err == nil {
		if m, ok := msg.(*rfc5424.SyslogMessage); ok {
			return m.Base, true
		}
	}

	p3164 := rfc3164.NewParser(rfc3164.WithBestEffort())
	if msg, err := p3164.Parse([]byte(line)); err == nil {
		if m, ok := msg.(*rfc3164.SyslogMessage); ok {
			return m.Base, true
		}
	}
	return syslog.Base{}, false
}

func (l *SyslogListener) resolveSource(base syslog.Base) string {
	var appName string
	if base.Appname != nil {
		appName = *base.Appname
		if src, ok := l.cfg.AppNames[appName]; ok {
			return src
		}
	}
	if base.Facility != nil {
		if src, ok := l.cfg.Facilities[int(*base.Facility)]; ok {
			return src
		}
	}
	return appName
}

// timestamp returns the header time. RFC 3164 timestamps carry no year,
// so the receipt year is assumed.
func (l *SyslogListener) timestamp(base syslog.Base) *time.Time {
	if base.Timestamp == nil || base.Timestamp.IsZero() {
		return nil
	}
	ts := *base.Timestamp
	if ts.Year() == 0 {
		now := l.now()
		ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), ts.Location())
	}
	return &ts
}
