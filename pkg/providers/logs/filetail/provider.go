package filetail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
)

const pollInterval = 250 * time.Millisecond

// Provider tails log files into project logs. Each process id owns a set of
// files whose lines are merged into one stream.
type Provider struct {
	files  map[string][]string
	subs   map[string]*subscription
	mu     sync.Mutex
	logger *slog.Logger
}

type subscription struct {
	cancel context.CancelFunc
	ch     chan core.LogLine
}

// New creates a new file tail log provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		files:  make(map[string][]string),
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Add registers files to tail for processID. Files are followed from their
// current end; a file that does not exist yet is picked up once it appears.
func (p *Provider) Add(processID string, files ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range files {
		if !slices.Contains(p.files[processID], f) {
			p.files[processID] = append(p.files[processID], f)
		}
	}
}

func (p *Provider) Name() string { return string(core.KindTail) }

func (p *Provider) List(_ context.Context) ([]core.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.files))
	for id := range p.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	procs := make([]core.Process, 0, len(ids))
	for _, id := range ids {
		_, project, source, err := core.ParseProcessID(id)
		if err != nil {
			continue
		}
		status := core.StatusStopped
		if _, ok := p.subs[id]; ok {
			status = core.StatusRunning
		}
		procs = append(procs, core.Process{
			ID:      id,
			Kind:    core.KindTail,
			Project: project,
			Source:  source,
			Status:  status,
			Detail:  map[string]string{"files": strings.Join(p.files[id], ",")},
		})
	}
	return procs, nil
}

func (p *Provider) Action(_ context.Context, processID string, action string) error {
	return fmt.Errorf("unsupported action %q for tailed files of %s", action, processID)
}

// Subscribe starts tailing every file registered for processID.
func (p *Provider) Subscribe(ctx context.Context, processID string) (<-chan core.LogLine, error) {
	_, _, source, err := core.ParseProcessID(processID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subs[processID]; ok {
		return sub.ch, nil
	}
	files := p.files[processID]
	if len(files) == 0 {
		return nil, fmt.Errorf("no files registered for %q", processID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan core.LogLine, 100)

	var wg sync.WaitGroup
	for _, path := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.follow(subCtx, path, func(text string) bool {
				select {
				case ch <- core.NewLogLine(source, text):
					return true
				case <-subCtx.Done():
					return false
				}
			})
		}()
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	p.subs[processID] = &subscription{cancel: cancel, ch: ch}
	p.logger.Info("tailing files", "process", processID, "files", len(files))
	return ch, nil
}

// Unsubscribe stops tailing for the given process.
func (p *Provider) Unsubscribe(processID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[processID]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(p.subs, processID)
	return nil
}

// follow emits each complete line appended to path until ctx ends or emit
// returns false. Truncation restarts reading from the top. A file that does
// not exist yet is read from its first line once it appears.
func (p *Provider) follow(ctx context.Context, path string, emit func(string) bool) {
	var f *os.File
	whence := io.SeekEnd
	for f == nil {
		var err error
		f, err = os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("open tailed file", "path", path, "err", err)
			}
			if errors.Is(err, os.ErrNotExist) {
				whence = io.SeekStart
			}
			if !sleep(ctx, pollInterval) {
				return
			}
			continue
		}
	}
	defer f.Close()

	pos, err := f.Seek(0, whence)
	if err != nil {
		p.logger.Warn("seek tailed file", "path", path, "err", err)
		return
	}

	buf := make([]byte, 32*1024)
	var partial []byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			pos += int64(n)
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(partial[:i]), "\r")
				partial = partial[i+1:]
				if !emit(line) {
					return
				}
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			p.logger.Warn("read tailed file", "path", path, "err", err)
			return
		}

		if !sleep(ctx, pollInterval) {
			return
		}
		if info, err := f.Stat(); err == nil && info.Size() < pos {
			if pos, err = f.Seek(0, io.SeekStart); err != nil {
				return
			}
			partial = partial[:0]
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
