package disk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/uuidv7"
)

// Check represents a verification step outcome.
type Check struct {
	Name string
	Err  error
}

// Verify exercises the disk backend for basic IO and CAS safety. It writes a
// probe record, races two conditional writers against the same base ETag, and
// confirms exactly one wins before cleaning up.
func Verify(ctx context.Context, cfg Config) []Check {
	result := []Check{}
	store, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "Init", Err: err})
	}
	defer store.Close()

	key := "relayd-verify/" + uuidv7.NewString()

	var baseETag string

	checks := []struct {
		name string
		fn   func() error
	}{
		{
			name: "CreateRecord",
			fn: func() error {
				tag, err := store.Put(ctx, key, []byte(`{"probe":1}`), storage.PutOptions{IfNotExists: true})
				if err != nil {
					return err
				}
				baseETag = tag
				return nil
			},
		},
		{
			name: "ReadBack",
			fn: func() error {
				rec, err := store.Get(ctx, key)
				if err != nil {
					return err
				}
				if rec.ETag != baseETag {
					return fmt.Errorf("etag mismatch: got %q want %q", rec.ETag, baseETag)
				}
				return nil
			},
		},
		{
			name: "ConcurrentCAS",
			fn: func() error {
				var wg sync.WaitGroup
				wg.Add(2)
				errs := make(chan error, 2)
				go func() {
					defer wg.Done()
					_, err := store.Put(ctx, key, []byte(`{"probe":2}`), storage.PutOptions{ExpectedETag: baseETag})
					errs <- err
				}()
				go func() {
					defer wg.Done()
					_, err := store.Put(ctx, key, []byte(`{"probe":3}`), storage.PutOptions{ExpectedETag: baseETag})
					errs <- err
				}()
				wg.Wait()
				close(errs)
				success := 0
				for err := range errs {
					if err == nil {
						success++
					} else if !errors.Is(err, storage.ErrCASMismatch) {
						return err
					}
				}
				if success != 1 {
					return fmt.Errorf("expected 1 successful conditional update, got %d", success)
				}
				return nil
			},
		},
		{
			name: "ListPrefix",
			fn: func() error {
				keys, err := store.List(ctx, "relayd-verify/")
				if err != nil {
					return err
				}
				for _, k := range keys {
					if k == key {
						return nil
					}
				}
				return fmt.Errorf("probe key missing from listing (%d keys)", len(keys))
			},
		},
		{
			name: "Cleanup",
			fn: func() error {
				if err := store.Delete(ctx, key, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				return nil
			},
		},
	}

	for _, check := range checks {
		err := check.fn()
		result = append(result, Check{Name: check.name, Err: err})
	}
	return result
}
