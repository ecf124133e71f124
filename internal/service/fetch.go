package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/parallel"
)

const partSuffix = ".part"

// Fetch downloads a list of URLs into a directory. Each URL is one item.
type Fetch struct {
	outcome
	urls     []string
	parallel int
	client   *http.Client
	root     *os.Root

	pmu     sync.Mutex
	partial map[string]struct{}
}

// NewFetch opens (and creates) the target directory.
func NewFetch(name string, cfg model.Fetch, client *http.Client, done DoneFunc) (*Fetch, error) {
	targets := make(map[string]string, len(cfg.URLs))
	for _, u := range cfg.URLs {
		target, err := targetPath(u)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		if prev, ok := targets[target]; ok {
			return nil, fmt.Errorf("job %s: %s and %s are both saved as %s", name, prev, u, target)
		}
		targets[target] = u
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", cfg.Dir, err)
	}
	root, err := os.OpenRoot(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetch{
		outcome:  outcome{name: name, done: done},
		urls:     cfg.URLs,
		parallel: cfg.Parallel,
		client:   client,
		root:     root,
		partial:  make(map[string]struct{}),
	}, nil
}

func (f *Fetch) Submit(e *background.Engine, cat background.Category) (background.Handle, error) {
	h, err := background.Submit(e, cat, background.Spec[*Fetch]{
		Label:         f.name,
		Items:         len(f.urls),
		Context:       f,
		Run:           (*Fetch).run,
		Cleanup:       (*Fetch).cleanup,
		CancelCleanup: (*Fetch).removePartial,
	})
	if err != nil {
		_ = f.root.Close()
	}
	return h, err
}

func (f *Fetch) run(j *background.Job) {
	f.start()
	ctx := j.Context()
	total := float64(len(f.urls))
	var n int
	for target, err := range parallel.NewMap(ctx, f.parallel, f.download).Iter(parallel.Slice(f.urls)) {
		n++
		if err != nil {
			f.fail(err)
			slog.WarnContext(ctx, "download failed", "error", err)
		} else {
			slog.DebugContext(ctx, "downloaded", "file", target)
		}
		if j.ReportProgress(float64(n) / total) {
			f.fail(ErrCancelled)
			return
		}
	}
	// the map stops early once the job context is cancelled
	if j.TestCancel() {
		f.fail(ErrCancelled)
	}
}

func (f *Fetch) download(ctx context.Context, rawURL string) (string, error) {
	target, err := targetPath(rawURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}

	if dir := filepath.Dir(target); dir != "." {
		if err := f.root.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	part := target + partSuffix
	f.track(part, true)
	defer f.track(part, false)

	if err := f.save(part, resp.Body); err != nil {
		_ = f.root.Remove(part)
		return "", fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if err := f.root.Rename(part, target); err != nil {
		_ = f.root.Remove(part)
		return "", err
	}
	return target, nil
}

func (f *Fetch) save(name string, r io.Reader) error {
	out, err := f.root.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (f *Fetch) track(name string, add bool) {
	f.pmu.Lock()
	defer f.pmu.Unlock()
	if add {
		f.partial[name] = struct{}{}
	} else {
		delete(f.partial, name)
	}
}

// removePartial drops the files still being written.
func (f *Fetch) removePartial() {
	f.pmu.Lock()
	defer f.pmu.Unlock()
	for name := range f.partial {
		if err := f.root.Remove(name); err != nil && !os.IsNotExist(err) {
			slog.Warn("removing partial download", "file", name, "error", err)
		}
	}
}

func (f *Fetch) cleanup() {
	if err := f.root.Close(); err != nil {
		f.fail(err)
	}
	f.finish()
}

// targetPath maps a URL to a relative file path: host/path.
func targetPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL %q", rawURL)
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		p = "/index.html"
	}
	name := strings.ReplaceAll(u.Host, ":", "_") + p
	return filepath.FromSlash(name), nil
}
