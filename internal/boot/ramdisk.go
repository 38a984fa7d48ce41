package boot

import (
	"github.com/fsnotify/fsnotify"
)

// Reloader is implemented by whatever owns the in-memory filesystem
// staged from the ramdisk (internal/rpc.MemFS in practice); WatchRamdisk
// calls Reload whenever the watched directory changes.
type Reloader interface {
	Reload(dir string) error
}

// WatchRamdisk watches a host directory standing in for the boot loader's
// ramdisk staging area and re-invokes r.Reload on every write, so the MFS
// contract has a live exerciser during development without a real disk
// image. Returns a stop function; the watch runs until it is called.
func WatchRamdisk(dir string, r Reloader) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(dir); err != nil {
					log.WithError(err).WithField("dir", dir).Warn("ramdisk reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("ramdisk watch error")
			}
		}
	}()

	return watcher.Close, nil
}
