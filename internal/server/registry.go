package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/litechat/litechat/internal/protocol"
)

// Conn is one live client connection. Handles are opaque and stable
// for the life of the connection; the fd is never exposed outside
// this package. The nickname is empty until login succeeds.
type Conn struct {
	handle       uint64
	fd           int
	addr         string
	nickname     string
	isAdmin      bool
	lastActivity time.Time
	dec          protocol.Decoder
}

// ConnInfo is a read-only snapshot of a connection for listings.
type ConnInfo struct {
	Handle   uint64 `json:"handle"`
	Addr     string `json:"addr"`
	Nickname string `json:"nickname"`
	IsAdmin  bool   `json:"is_admin"`
}

// Registry is the connection table. A single mutex covers every
// per-connection field; the pending-removal list has its own leaf
// mutex so command handlers can mark a connection for teardown
// without touching the table. Writes go through an injected function
// so tests can capture outbound frames without sockets.
type Registry struct {
	mu         sync.Mutex
	byHandle   map[uint64]*Conn
	byFD       map[int]*Conn
	nextHandle uint64

	pendingMu sync.Mutex
	pending   []uint64

	write func(fd int, frame []byte) error
}

// NewRegistry creates an empty registry using write for outbound
// frames.
func NewRegistry(write func(fd int, frame []byte) error) *Registry {
	return &Registry{
		byHandle: make(map[uint64]*Conn),
		byFD:     make(map[int]*Conn),
		write:    write,
	}
}

// Add inserts a freshly accepted connection and issues its handle.
func (r *Registry) Add(fd int, addr string, now time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	c := &Conn{handle: r.nextHandle, fd: fd, addr: addr, lastActivity: now}
	r.byHandle[c.handle] = c
	r.byFD[fd] = c
	return c.handle
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

// LoggedInCount returns the number of authenticated connections.
func (r *Registry) LoggedInCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.byHandle {
		if c.nickname != "" {
			n++
		}
	}
	return n
}

// Identity returns the nickname and admin flag for a handle.
func (r *Registry) Identity(handle uint64) (nickname string, isAdmin bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byHandle[handle]
	if !ok {
		return "", false, false
	}
	return c.nickname, c.isAdmin, true
}

// Addr returns the peer address for a handle.
func (r *Registry) Addr(handle uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byHandle[handle]; ok {
		return c.addr
	}
	return ""
}

// SetIdentity assigns the nickname and admin flag after login.
func (r *Registry) SetIdentity(handle uint64, nickname string, isAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byHandle[handle]; ok {
		c.nickname = nickname
		c.isAdmin = isAdmin
	}
}

// FindByNickname scans for the connection holding the exact raw
// nickname. Linear; the table is small.
func (r *Registry) FindByNickname(nickname string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byHandle {
		if c.nickname != "" && c.nickname == nickname {
			return c.handle, true
		}
	}
	return 0, false
}

// HandleForFD resolves the handle owning a file descriptor.
func (r *Registry) HandleForFD(fd int) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byFD[fd]
	if !ok {
		return 0, false
	}
	return c.handle, true
}

// Snapshot returns all connections ordered by handle.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ConnInfo, 0, len(r.byHandle))
	for _, c := range r.byHandle {
		infos = append(infos, ConnInfo{
			Handle:   c.handle,
			Addr:     c.addr,
			Nickname: c.nickname,
			IsAdmin:  c.isAdmin,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos
}

// Ingest feeds freshly read bytes into the connection's decoder and
// refreshes its activity timestamp. It returns the complete payloads
// the bytes completed, plus the connection's handle.
func (r *Registry) Ingest(fd int, data []byte, now time.Time) ([][]byte, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byFD[fd]
	if !ok {
		return nil, 0, nil
	}
	c.lastActivity = now
	msgs, err := c.dec.Push(data)
	return msgs, c.handle, err
}

// Send frames msg and writes it to the handle's socket. A write
// failure is logged and the recipient abandoned; it never fails the
// initiating command.
func (r *Registry) Send(handle uint64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(handle, msg)
}

func (r *Registry) sendLocked(handle uint64, msg string) {
	c, ok := r.byHandle[handle]
	if !ok {
		return
	}
	if err := r.write(c.fd, protocol.EncodeString(msg)); err != nil {
		slog.Warn("send failed", "handle", handle, "user", c.nickname, "err", err)
	}
}

// SendToNicks delivers msg to every listed raw-lowercase nickname
// that is online; offline names are silently skipped. Matching is
// against the lowercased form, the way group members are stored.
func (r *Registry) SendToNicks(nicksLower []string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]struct{}, len(nicksLower))
	for _, n := range nicksLower {
		want[n] = struct{}{}
	}
	for _, c := range r.byHandle {
		if c.nickname == "" {
			continue
		}
		if _, ok := want[lower(c.nickname)]; ok {
			r.sendLocked(c.handle, msg)
		}
	}
}

// Broadcast delivers msg to every connection except the sender.
// Pre-auth connections receive broadcasts too, matching the room's
// open-door behavior.
func (r *Registry) Broadcast(msg string, except uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byHandle {
		if c.handle != except {
			r.sendLocked(c.handle, msg)
		}
	}
}

// MarkForRemoval queues the handle for teardown by the event loop.
// Safe to call from command handlers on worker goroutines.
func (r *Registry) MarkForRemoval(handle uint64) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending = append(r.pending, handle)
}

// SweepPending removes every queued connection from the table,
// calling closeFD for each underlying socket, and returns the removed
// snapshots. Duplicate marks for the same handle are collapsed.
func (r *Registry) SweepPending(closeFD func(fd int)) []ConnInfo {
	r.pendingMu.Lock()
	handles := r.pending
	r.pending = nil
	r.pendingMu.Unlock()
	if len(handles) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []ConnInfo
	for _, h := range handles {
		c, ok := r.byHandle[h]
		if !ok {
			continue
		}
		delete(r.byHandle, h)
		delete(r.byFD, c.fd)
		if closeFD != nil {
			closeFD(c.fd)
		}
		removed = append(removed, ConnInfo{
			Handle:   c.handle,
			Addr:     c.addr,
			Nickname: c.nickname,
			IsAdmin:  c.isAdmin,
		})
	}
	return removed
}

// IdleHandles returns every connection silent since before the
// threshold.
func (r *Registry) IdleHandles(now time.Time, threshold time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []uint64
	for _, c := range r.byHandle {
		if now.Sub(c.lastActivity) > threshold {
			idle = append(idle, c.handle)
		}
	}
	return idle
}

// CloseAll closes every remaining socket at shutdown.
func (r *Registry) CloseAll(closeFD func(fd int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byHandle {
		if closeFD != nil {
			closeFD(c.fd)
		}
	}
	r.byHandle = make(map[uint64]*Conn)
	r.byFD = make(map[int]*Conn)
}
