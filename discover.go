package ndi

import (
	"context"
	"fmt"
	"time"
)

// DiscoverOptions tunes how Discover polls a finder.
type DiscoverOptions struct {
	Timeout  time.Duration // overall bound (default: 15s)
	Wait     time.Duration // per-round change wait (default: 250ms)
	Interval time.Duration // pause between rounds (default: 100ms)
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 250 * time.Millisecond
	}
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	return o
}

// Discover polls f until a source satisfying match appears. It fails with
// ErrDiscoveryTimeout when opts.Timeout elapses first.
func Discover(ctx context.Context, f *Finder, match func(Source) bool, opts DiscoverOptions) (Source, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for {
		srcs, err := f.Sources()
		if err != nil {
			return Source{}, err
		}
		for _, s := range srcs {
			if match(s) {
				f.log.Debug("source discovered", "name", s.Name, "address", s.Address)
				return s, nil
			}
		}

		changed, err := f.Wait(ctx, opts.Wait)
		if err != nil {
			return Source{}, discoverErr(ctx, err)
		}
		if changed {
			continue
		}

		t := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Source{}, discoverErr(ctx, ctx.Err())
		case <-t.C:
		}
	}
}

func discoverErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %w", ErrDiscoveryTimeout, err)
	}
	return err
}

// FindSource runs Discover on a temporary finder and destroys it before
// returning.
func (rt *Runtime) FindSource(ctx context.Context, fopts FinderOptions, match func(Source) bool, opts DiscoverOptions) (Source, error) {
	f, err := rt.Find(fopts)
	if err != nil {
		return Source{}, err
	}
	src, err := Discover(ctx, f, match, opts)
	if derr := f.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return src, err
}
