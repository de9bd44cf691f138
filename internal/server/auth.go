package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/litechat/litechat/internal/auth"
	"github.com/litechat/litechat/internal/store"
)

// UserStore is the slice of the credential store the auth state
// machine uses.
type UserStore interface {
	RegisterUser(ctx context.Context, u store.User) error
	GetUser(ctx context.Context, usernameLower string) (*store.User, error)
}

const (
	authUsageReply = "请先登录或注册。\n用法: /register <用户名> <密码> 或 /login <用户名> <密码>\n"
	// One reply for both unknown-user and wrong-password so the
	// response does not leak which usernames exist.
	badCredentialsReply = "错误: 用户名或密码不正确。\n"
	dbErrorReply        = "错误: 数据库异常，请稍后再试。\n"

	storeTimeout = 5 * time.Second
)

// handlePreAuth processes traffic on connections with no nickname
// yet. Only /register and /login are admitted; anything else gets the
// usage reply.
func (d *Dispatcher) handlePreAuth(handle uint64, msg string) {
	args := strings.Fields(msg)
	if len(args) != 3 {
		d.reg.Send(handle, authUsageReply)
		return
	}

	switch strings.ToLower(args[0]) {
	case "/register":
		d.reg.Send(handle, d.register(args[1], args[2]))
	case "/login":
		d.reg.Send(handle, d.login(handle, args[1], args[2]))
	default:
		d.reg.Send(handle, authUsageReply)
	}
}

func (d *Dispatcher) register(username, password string) string {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	usernameLower := lower(username)
	existing, err := d.users.GetUser(ctx, usernameLower)
	if err != nil {
		slog.Error("register lookup failed", "user", username, "err", err)
		return dbErrorReply
	}
	if existing != nil {
		return fmt.Sprintf("错误: 用户名 '%s' 已被注册。\n", username)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		slog.Error("password hashing failed", "user", username, "err", err)
		return dbErrorReply
	}

	err = d.users.RegisterUser(ctx, store.User{
		Username:      username,
		UsernameLower: usernameLower,
		PasswordHash:  hash,
	})
	if err != nil {
		// Lost a race with a concurrent register for the same name.
		if errors.Is(err, store.ErrUsernameTaken) {
			return fmt.Sprintf("错误: 用户名 '%s' 已被注册。\n", username)
		}
		slog.Error("register insert failed", "user", username, "err", err)
		return dbErrorReply
	}

	return "注册成功! 请使用 /login 登录。\n"
}

func (d *Dispatcher) login(handle uint64, username, password string) string {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	u, err := d.users.GetUser(ctx, lower(username))
	if err != nil {
		slog.Error("login lookup failed", "user", username, "err", err)
		return dbErrorReply
	}
	if u == nil {
		d.metrics.AuthFailure()
		return badCredentialsReply
	}

	ok, err := auth.VerifyPassword(u.PasswordHash, password)
	if err != nil {
		slog.Error("stored hash unusable", "user", username, "err", err)
		return dbErrorReply
	}
	if !ok {
		d.metrics.AuthFailure()
		slog.Warn("login rejected", "user", username)
		return badCredentialsReply
	}

	if _, online := d.reg.FindByNickname(u.Username); online {
		return fmt.Sprintf("错误: 用户 '%s' 已在线，不能重复登录。\n", u.Username)
	}

	d.reg.SetIdentity(handle, u.Username, u.IsAdmin)
	slog.Info("user logged in", "user", u.Username, "handle", handle, "admin", u.IsAdmin)

	d.reg.Broadcast(u.Username+" 加入聊天室", handle)
	return fmt.Sprintf("登录成功! 欢迎回来, %s!\n", u.Username)
}
