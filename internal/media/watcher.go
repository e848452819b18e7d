package media

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

// debounce groups the burst of write events a file copy or re-download
// produces into one re-hash.
const debounce = 500 * time.Millisecond

// Watch re-fingerprints the file whenever it changes on disk and calls
// onChange with the new digest. The parent directory is watched, not the
// file itself, so replace-by-rename (how most downloaders finish a file) is
// seen too. Watch returns after installing the watcher; it stops when ctx
// is cancelled.
func Watch(ctx context.Context, path string, onChange func(hash string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watch %s: %v", dir, err)
			case <-timerC:
				hash, err := Fingerprint(path)
				if err != nil {
					log.Warnf("re-fingerprint %s: %v", path, err)
					continue
				}
				onChange(hash)
			}
		}
	}()
	return nil
}
