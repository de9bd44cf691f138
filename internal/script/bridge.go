// Package script lets operators register additional chat commands
// without rebuilding the server. Commands are JavaScript functions
// loaded from a scripts directory: a file defining
//
//	function cmd_roll(nickname, isAdmin, args) { return "..." }
//
// makes /roll dispatchable. Returning a string replies to the caller,
// returning true means the command was handled with no reply, and any
// other result means not-handled (the dispatcher falls through to its
// unknown-command reply). Scripts get a host API under the global
// `chat` object. The directory is watched and reloaded on change.
package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robertkrimen/otto"
)

// Host is the server surface exposed to scripts. KickUser re-verifies
// the admin flag host-side; a script cannot bypass that check.
type Host interface {
	Broadcast(sender, text string)
	KickUser(target, admin string) bool
}

// Bridge owns the JavaScript VM. The VM is not goroutine-safe, so
// every entry point takes the bridge mutex; host callbacks therefore
// must never re-enter the bridge.
type Bridge struct {
	mu   sync.Mutex
	vm   *otto.Otto
	dir  string
	host Host

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBridge creates a bridge for the given scripts directory and
// loads it once. A missing directory is not an error; the bridge just
// handles nothing until scripts appear.
func NewBridge(dir string, host Host) (*Bridge, error) {
	b := &Bridge{
		dir:    dir,
		host:   host,
		stopCh: make(chan struct{}),
	}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload rebuilds the VM and re-runs every .js file in the directory
// in name order. A script failing to run aborts the reload and keeps
// the previous VM.
func (b *Bridge) Reload() error {
	vm := otto.New()
	if err := b.installHostAPI(vm); err != nil {
		return fmt.Errorf("installing host API: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(b.dir, "*.js"))
	if err != nil {
		return fmt.Errorf("listing scripts: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading script %s: %w", path, err)
		}
		if _, err := vm.Run(string(src)); err != nil {
			return fmt.Errorf("running script %s: %w", path, err)
		}
	}

	b.mu.Lock()
	b.vm = vm
	b.mu.Unlock()

	slog.Info("scripts loaded", "dir", b.dir, "count", len(paths))
	return nil
}

// Watch starts reloading on directory changes, debounced so editors
// that write in several steps trigger one reload.
func (b *Bridge) Watch() error {
	if _, err := os.Stat(b.dir); err != nil {
		slog.Warn("scripts directory not watched", "dir", b.dir, "err", err)
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating script watcher: %w", err)
	}
	if err := w.Add(b.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching scripts dir: %w", err)
	}
	b.watcher = w

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(500*time.Millisecond, func() {
						if err := b.Reload(); err != nil {
							slog.Error("script reload failed, keeping previous scripts", "err", err)
						}
					})
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("script watcher error", "err", err)
			case <-b.stopCh:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	return err
}

// Execute tries to handle a slash command with a script. It returns
// the reply for the caller (may be empty) and whether the command was
// handled at all.
func (b *Bridge) Execute(nickname string, isAdmin bool, args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	token := strings.TrimPrefix(args[0], "/")
	if token == "" {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fn, err := b.vm.Get("cmd_" + token)
	if err != nil || !fn.IsFunction() {
		return "", false
	}

	result, err := fn.Call(otto.NullValue(), nickname, isAdmin, args[1:])
	if err != nil {
		slog.Error("script command failed", "command", args[0], "user", nickname, "err", err)
		return "", false
	}

	switch {
	case result.IsString():
		reply, _ := result.ToString()
		return reply, true
	case result.IsBoolean():
		handled, _ := result.ToBoolean()
		return "", handled
	default:
		return "", false
	}
}

// installHostAPI publishes the `chat` object into the VM.
func (b *Bridge) installHostAPI(vm *otto.Otto) error {
	chat, err := vm.Object("chat = {}")
	if err != nil {
		return err
	}

	err = chat.Set("broadcast", func(call otto.FunctionCall) otto.Value {
		sender, _ := call.Argument(0).ToString()
		text, _ := call.Argument(1).ToString()
		b.host.Broadcast(sender, text)
		return otto.TrueValue()
	})
	if err != nil {
		return err
	}

	return chat.Set("kick", func(call otto.FunctionCall) otto.Value {
		target, _ := call.Argument(0).ToString()
		admin, _ := call.Argument(1).ToString()
		ok := b.host.KickUser(target, admin)
		v, _ := otto.ToValue(ok)
		return v
	})
}
