package listener

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"biolog/config"
	core "biolog/ingestion/service/core"
)

const (
	ChannelTail = "tail"

	defaultRescanInterval = 30 * time.Second
)

// FileTailer follows local log files and submits each new line as a record
// of the configured source system. Globs are rescanned so files created
// after startup are picked up.
type FileTailer struct {
	cfg       config.TailConfig
	submitter core.Submitter
	logger    *zap.Logger
	clock     clock.Clock
	rescan    time.Duration

	mu    sync.Mutex
	tails map[string]*tail.Tail
	wg    sync.WaitGroup
}

// NewFileTailer creates a tailer over the configured globs
func NewFileTailer(cfg config.TailConfig, s core.Submitter, logger *zap.Logger, clk clock.Clock) *FileTailer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &FileTailer{
		cfg:       cfg,
		submitter: s,
		logger:    logger,
		clock:     clk,
		rescan:    defaultRescanInterval,
		tails:     make(map[string]*tail.Tail),
	}
}

// Run tails matching files until ctx is cancelled
func (t *FileTailer) Run(ctx context.Context) error {
	defer t.stopAll()

	for {
		t.scan(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.clock.After(t.rescan):
		}
	}
}

// Following lists the files currently being tailed
func (t *FileTailer) Following() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.tails))
	for name := range t.tails {
		names = append(names, name)
	}
	return names
}

func (t *FileTailer) scan(ctx context.Context) {
	for _, fc := range t.cfg.Files {
		matches, err := filepath.Glob(fc.Path)
		if err != nil {
			t.logger.Error("Invalid tail pattern", zap.String("path", fc.Path), zap.Error(err))
			continue
		}
		for _, name := range matches {
			t.follow(ctx, name, fc.Source)
		}
	}
}

func (t *FileTailer) follow(ctx context.Context, name, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tails[name]; ok {
		return
	}

	whence := io.SeekEnd
	if t.cfg.FromStart {
		whence = io.SeekStart
	}
	tf, err := tail.TailFile(name, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     t.cfg.Poll,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		t.logger.Error("Failed to tail file", zap.String("file", name), zap.Error(err))
		return
	}
	t.tails[name] = tf
	t.logger.Info("Tailing file", zap.String("file", name), zap.String("source_system", source))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(ctx, tf, source)
	}()
}

func (t *FileTailer) consume(ctx context.Context, tf *tail.Tail, source string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-tf.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				t.logger.Warn("Tail read error", zap.String("file", tf.Filename), zap.Error(line.Err))
				continue
			}
			if line.Text == "" {
				continue
			}
			t.submit(ctx, &core.RecordInput{
				SourceSystem: source,
				RawPayload:   line.Text,
				Channel:      ChannelTail,
			})
		}
	}
}

// submit waits out a full ingestion buffer instead of dropping the line.
func (t *FileTailer) submit(ctx context.Context, input *core.RecordInput) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := t.submitter.SubmitRecord(ctx, input)
			return err
		},
		IsFatalError: func(err error) bool { return !errors.Is(err, core.ErrOverloaded) },
		Attempts:     retry.UnlimitedAttempts,
		Delay:        100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        t.clock,
		Stop:         ctx.Done(),
	})
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("Tailed line not accepted",
			zap.String("source_system", input.SourceSystem), zap.Error(retry.LastError(err)))
	}
}

func (t *FileTailer) stopAll() {
	t.mu.Lock()
	for name, tf := range t.tails {
		if err := tf.Stop(); err != nil {
			t.logger.Debug("Tail stop", zap.String("file", name), zap.Error(err))
		}
		tf.Cleanup()
	}
	t.mu.Unlock()
	t.wg.Wait()
	t.logger.Info("File tailer stopped")
}
