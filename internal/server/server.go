//go:build linux

// Package server is the chat core: a single-threaded epoll event loop
// feeding decoded messages to a worker pool, a connection table keyed
// by opaque handles, the auth state machine, and the command
// dispatcher. Teardown is two-phase: handlers mark a connection, the
// event loop deregisters and closes it on its next iteration.
package server

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/litechat/litechat/internal/config"
	"github.com/litechat/litechat/internal/group"
	"github.com/litechat/litechat/internal/metrics"
	"github.com/litechat/litechat/internal/worker"
)

const maxPollEvents = 1024

// Server owns the event loop and the worker pool.
type Server struct {
	cfg        *config.Config
	reg        *Registry
	pool       *worker.Pool
	dispatcher *Dispatcher
	metrics    *metrics.Collector

	poll     *poller
	listenFD int
	shutdown atomic.Bool
}

// New assembles the chat core. The registry must be the same one the
// group manager's notifier fans out through.
func New(cfg *config.Config, reg *Registry, gm *group.Manager, users UserStore, scripts ScriptHandler, m *metrics.Collector) *Server {
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		pool:     worker.New(cfg.Chat.Workers),
		metrics:  m,
		listenFD: -1,
	}
	s.dispatcher = NewDispatcher(reg, gm, users, scripts, m, s.disconnect)
	return s
}

// Registry exposes the connection table for the management API.
func (s *Server) Registry() *Registry { return s.reg }

// SetScripts attaches the script bridge. The bridge needs the server
// as its host, so it is constructed after the server and attached
// here before Run.
func (s *Server) SetScripts(sh ScriptHandler) { s.dispatcher.scripts = sh }

// ConnectionCount reports live connections.
func (s *Server) ConnectionCount() int { return s.reg.Count() }

// LoggedInCount reports authenticated connections.
func (s *Server) LoggedInCount() int { return s.reg.LoggedInCount() }

// Shutdown asks the event loop to exit after its current iteration.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

// disconnect is the single teardown path: announce the departure of
// an authenticated user, then queue the connection for the sweep.
func (s *Server) disconnect(handle uint64) {
	nickname, _, ok := s.reg.Identity(handle)
	if ok && nickname != "" {
		slog.Info("user leaving", "user", nickname, "handle", handle)
		s.reg.Broadcast(nickname+" 退出聊天室", handle)
	}
	s.reg.MarkForRemoval(handle)
}

// Broadcast implements the script host API: deliver a line to every
// connection.
func (s *Server) Broadcast(sender, text string) {
	s.reg.Broadcast(sender+": "+text, 0)
	s.metrics.MessageDelivered("script")
}

// KickUser implements the script host API. The admin flag is
// re-checked against the live connection table, so a script cannot
// escalate a non-admin caller.
func (s *Server) KickUser(target, admin string) bool {
	adminHandle, ok := s.reg.FindByNickname(admin)
	if !ok {
		return false
	}
	if _, isAdmin, _ := s.reg.Identity(adminHandle); !isAdmin {
		slog.Warn("script kick denied, caller is not admin", "caller", admin, "target", target)
		return false
	}

	targetHandle, ok := s.reg.FindByNickname(target)
	if !ok {
		return false
	}
	s.reg.Broadcast(fmt.Sprintf("%s 将 %s 踢出聊天室。\n", admin, target), adminHandle)
	s.reg.Send(targetHandle, "您已被管理员踢出聊天室。\n")
	s.disconnect(targetHandle)
	return true
}

// Run binds the listener and drives the event loop until Shutdown.
// It returns only after the pool is drained and every socket closed.
func (s *Server) Run() error {
	listenFD, err := listenTCP(s.cfg.Listen.Port)
	if err != nil {
		return fmt.Errorf("binding chat listener: %w", err)
	}
	s.listenFD = listenFD

	s.poll, err = newPoller()
	if err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("creating multiplexer: %w", err)
	}
	if err := s.poll.Add(listenFD); err != nil {
		s.poll.Close()
		unix.Close(listenFD)
		return fmt.Errorf("registering listener: %w", err)
	}

	slog.Info("chat server listening", "port", s.cfg.Listen.Port,
		"workers", s.cfg.Chat.Workers, "heartbeat", s.cfg.Chat.HeartbeatTimeout)

	events := make([]unix.EpollEvent, maxPollEvents)
	buf := make([]byte, 64*1024)
	pollMS := int(s.cfg.Chat.PollTimeout.Milliseconds())

	for !s.shutdown.Load() {
		n, err := s.poll.Wait(events, pollMS)
		if err != nil {
			slog.Error("poll wait failed", "err", err)
			break
		}

		if n == 0 {
			s.sweepIdle(time.Now())
		}
		s.sweepPending()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == s.listenFD {
				s.acceptAll()
			} else if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				s.readConn(fd, buf)
			}
		}
	}

	slog.Info("event loop exiting, shutting down")

	unix.Close(s.listenFD)
	s.pool.Shutdown()
	s.sweepPending()
	s.reg.CloseAll(func(fd int) {
		s.poll.Remove(fd)
		unix.Close(fd)
	})
	s.poll.Close()
	return nil
}

// acceptAll drains the listener backlog.
func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept(s.listenFD)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				slog.Warn("accept failed", "err", err)
			}
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			slog.Warn("setting nonblocking failed", "err", err)
			unix.Close(fd)
			continue
		}
		if err := s.poll.Add(fd); err != nil {
			slog.Warn("registering connection failed", "err", err)
			unix.Close(fd)
			continue
		}

		addr := sockaddrString(sa)
		handle := s.reg.Add(fd, addr, time.Now())
		s.metrics.ConnectionOpened()
		slog.Info("connection accepted", "handle", handle, "addr", addr)
	}
}

// readConn drains one readable socket and submits every complete
// message to the worker pool.
func (s *Server) readConn(fd int, buf []byte) {
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			msgs, handle, derr := s.reg.Ingest(fd, buf[:n], time.Now())
			if derr != nil {
				slog.Warn("malformed framing, dropping connection", "handle", handle, "err", derr)
				s.disconnect(handle)
				return
			}
			for _, msg := range msgs {
				m, h := msg, handle
				s.pool.Submit(func() { s.dispatcher.HandleMessage(h, m) })
			}
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		// EOF or a nonrecoverable read error.
		if handle, ok := s.reg.HandleForFD(fd); ok {
			if err != nil {
				slog.Debug("read error", "handle", handle, "err", err)
			}
			s.disconnect(handle)
		}
		return
	}
}

// sweepIdle marks every connection past the heartbeat threshold.
func (s *Server) sweepIdle(now time.Time) {
	for _, handle := range s.reg.IdleHandles(now, s.cfg.Chat.HeartbeatTimeout) {
		slog.Info("connection timed out", "handle", handle, "threshold", s.cfg.Chat.HeartbeatTimeout)
		s.disconnect(handle)
	}
}

// sweepPending performs the second phase of teardown: deregister,
// erase, close.
func (s *Server) sweepPending() {
	removed := s.reg.SweepPending(func(fd int) {
		s.poll.Remove(fd)
		unix.Close(fd)
	})
	for _, info := range removed {
		s.metrics.ConnectionClosed()
		slog.Info("connection cleaned up", "handle", info.Handle, "user", info.Nickname, "addr", info.Addr)
	}
}
