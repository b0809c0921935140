// Package fsbatch runs existence/stat/read/delete operations over many files
// with bounded parallelism. The response and event drop-zones are directories
// of small JSON files; touching them one syscall at a time dominates tool
// latency once a few hundred records accumulate.
package fsbatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

const defaultParallelism = 16

// Optimizer batches directory operations. Safe for concurrent use.
type Optimizer struct {
	parallelism int
	log         *logging.Logger

	statOps   atomic.Uint64
	readOps   atomic.Uint64
	deleteOps atomic.Uint64
}

func New(parallelism int, log *logging.Logger) *Optimizer {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Optimizer{parallelism: parallelism, log: log.Named("fsbatch")}
}

// StatResult carries one file's metadata or its error.
type StatResult struct {
	Path string
	Info os.FileInfo
	Err  error
}

// ReadResult carries one file's contents or its error.
type ReadResult struct {
	Path string
	Data []byte
	Err  error
}

// DeleteResult aggregates a batch unlink. Per-file failures never abort the
// batch.
type DeleteResult struct {
	Deleted []string
	Failed  map[string]error
}

// ListJSON returns the absolute paths of plain *.json entries in dir, sorted
// by name. A missing directory yields an empty list.
func (o *Optimizer) ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Exists checks the batch and returns per-path existence.
func (o *Optimizer) Exists(ctx context.Context, paths []string) map[string]bool {
	results := o.Stat(ctx, paths)
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.Path] = r.Err == nil
	}
	return out
}

// Stat stats the batch. Results keep input order.
func (o *Optimizer) Stat(ctx context.Context, paths []string) []StatResult {
	results := make([]StatResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = StatResult{Path: path, Err: err}
				return nil
			}
			info, err := os.Stat(path)
			results[i] = StatResult{Path: path, Info: info, Err: err}
			o.statOps.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReadAll reads the batch. Results keep input order.
func (o *Optimizer) ReadAll(ctx context.Context, paths []string) []ReadResult {
	results := make([]ReadResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = ReadResult{Path: path, Err: err}
				return nil
			}
			data, err := os.ReadFile(path)
			results[i] = ReadResult{Path: path, Data: data, Err: err}
			o.readOps.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Delete unlinks the batch, collecting per-file failures. Already-missing
// files count as deleted: the caller's goal state is reached either way.
func (o *Optimizer) Delete(ctx context.Context, paths []string) DeleteResult {
	type outcome struct {
		path string
		err  error
	}
	outcomes := make([]outcome, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{path: path, err: err}
				return nil
			}
			err := os.Remove(path)
			if os.IsNotExist(err) {
				err = nil
			}
			outcomes[i] = outcome{path: path, err: err}
			o.deleteOps.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := DeleteResult{Failed: make(map[string]error)}
	for _, oc := range outcomes {
		if oc.err != nil {
			res.Failed[oc.path] = oc.err
			continue
		}
		res.Deleted = append(res.Deleted, oc.path)
	}
	return res
}

// FilterByMtime returns the *.json files in dir whose modification time lies
// in [since, until). A zero until means no upper bound.
func (o *Optimizer) FilterByMtime(ctx context.Context, dir string, since, until time.Time) ([]StatResult, error) {
	paths, err := o.ListJSON(dir)
	if err != nil {
		return nil, err
	}
	var matched []StatResult
	for _, r := range o.Stat(ctx, paths) {
		if r.Err != nil || r.Info == nil {
			continue
		}
		mtime := r.Info.ModTime()
		if mtime.Before(since) {
			continue
		}
		if !until.IsZero() && !mtime.Before(until) {
			continue
		}
		matched = append(matched, r)
	}
	return matched, nil
}

// OlderThan returns the *.json files in dir whose mtime is before cutoff.
func (o *Optimizer) OlderThan(ctx context.Context, dir string, cutoff time.Time) ([]string, error) {
	paths, err := o.ListJSON(dir)
	if err != nil {
		return nil, err
	}
	var old []string
	for _, r := range o.Stat(ctx, paths) {
		if r.Err != nil || r.Info == nil {
			continue
		}
		if r.Info.ModTime().Before(cutoff) {
			old = append(old, r.Path)
		}
	}
	return old, nil
}

// Stats reports operation counters since construction.
func (o *Optimizer) Stats() map[string]uint64 {
	return map[string]uint64{
		"stat_ops":   o.statOps.Load(),
		"read_ops":   o.readOps.Load(),
		"delete_ops": o.deleteOps.Load(),
	}
}
