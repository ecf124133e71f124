package service

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/walk"
)

// Digest writes a checksum line for every file found under its paths. Each
// file is one item.
type Digest struct {
	outcome
	entries []walk.Entry
	newHash func() hash.Hash
	output  string
	out     *os.File
	w       *bufio.Writer
}

// NewDigest collects the files to hash and creates the output file.
func NewDigest(name string, cfg model.Digest, done DoneFunc) (*Digest, error) {
	newHash, err := hashFunc(cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}

	var entries []walk.Entry
	var errs []error
	for entry, err := range walk.Paths(context.Background(), cfg.Paths...) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(cfg.Output), err)
	}
	out, err := os.Create(cfg.Output)
	if err != nil {
		return nil, err
	}
	return &Digest{
		outcome: outcome{name: name, done: done},
		entries: entries,
		newHash: newHash,
		output:  cfg.Output,
		out:     out,
		w:       bufio.NewWriter(out),
	}, nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case model.AlgorithmSHA256, "":
		return sha256.New, nil
	case model.AlgorithmSHA1:
		return sha1.New, nil
	case model.AlgorithmMD5:
		return md5.New, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func (d *Digest) Submit(e *background.Engine, cat background.Category) (background.Handle, error) {
	h, err := background.Submit(e, cat, background.Spec[*Digest]{
		Label:         d.name,
		Items:         len(d.entries),
		Context:       d,
		Run:           (*Digest).run,
		Cleanup:       (*Digest).cleanup,
		CancelCleanup: (*Digest).discard,
	})
	if err != nil {
		_ = d.out.Close()
		_ = os.Remove(d.output)
	}
	return h, err
}

func (d *Digest) run(j *background.Job) {
	d.start()
	total := float64(len(d.entries))
	for i, entry := range d.entries {
		if j.TestCancel() {
			d.fail(ErrCancelled)
			return
		}
		sum, err := d.sum(entry)
		if err != nil {
			d.fail(err)
			slog.WarnContext(j.Context(), "hashing failed", "file", entry.Path(), "error", err)
		} else if _, err := fmt.Fprintf(d.w, "%s  %s\n", sum, entry.Path()); err != nil {
			d.fail(err)
		}
		if j.ReportProgress(float64(i+1) / total) {
			d.fail(ErrCancelled)
			return
		}
	}
}

func (d *Digest) sum(entry walk.Entry) (string, error) {
	f, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := d.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// discard drops the incomplete output.
func (d *Digest) discard() {
	d.w.Reset(io.Discard)
	if err := os.Remove(d.output); err != nil {
		slog.Warn("removing incomplete digest", "file", d.output, "error", err)
	}
}

func (d *Digest) cleanup() {
	if err := d.w.Flush(); err != nil {
		d.fail(err)
	}
	if err := d.out.Close(); err != nil {
		d.fail(err)
	}
	if errors.Is(d.Err(), ErrCancelled) {
		if err := os.Remove(d.output); err != nil && !os.IsNotExist(err) {
			d.fail(err)
		}
	}
	d.finish()
}
