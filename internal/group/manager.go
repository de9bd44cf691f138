// Package group implements persistent named group conversations with
// ownership, membership, ban, password, and transfer semantics.
//
// Group and nickname keys are lowercased before every lookup; raw
// strings appear only in user-visible text. All mutating operations
// run under a single mutex. Fan-out to members happens after the
// mutex is released: an operation snapshots the recipient set while
// locked, then hands the lowercased nicknames to the notify callback,
// which resolves connections under the connection-table lock. The
// group mutex is therefore never held while the connection table is
// locked.
package group

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/litechat/litechat/internal/auth"
)

// Notifier delivers msg to every live connection whose (lowercased)
// nickname appears in nicks. Offline members are silently skipped.
type Notifier func(nicks []string, msg string)

// Group is one named conversation. Owner and the member/banned sets
// hold lowercased nicknames; Name keeps the raw display form.
type Group struct {
	Name         string
	Owner        string
	Members      map[string]struct{}
	Banned       map[string]struct{}
	PasswordHash string // empty means public
}

// Info is the read-only view served by the admin API.
type Info struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	Members int    `json:"members"`
	Private bool   `json:"private"`
}

// Manager owns all group records.
type Manager struct {
	mu      sync.Mutex
	groups  map[string]*Group // key: lowercased group name
	notify  Notifier
	onCount func(int) // optional, observed after every mutation
}

// NewManager creates an empty manager. notify must not be nil.
func NewManager(notify Notifier) *Manager {
	return &Manager{
		groups: make(map[string]*Group),
		notify: notify,
	}
}

// SetCountHook registers a callback invoked with the group count after
// every mutation. Used to feed the groups gauge.
func (m *Manager) SetCountHook(fn func(int)) {
	m.mu.Lock()
	m.onCount = fn
	m.mu.Unlock()
}

func (m *Manager) countChangedLocked() {
	if m.onCount != nil {
		m.onCount(len(m.groups))
	}
}

func lower(s string) string {
	return strings.ToLower(s)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Count returns the number of existing groups.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Infos returns a stable-sorted view of all groups for the admin API.
func (m *Manager) Infos() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, Info{
			Name:    g.Name,
			Owner:   g.Owner,
			Members: len(g.Members),
			Private: g.PasswordHash != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HandleCreate implements /create <name> [password].
func (m *Manager) HandleCreate(creator string, args []string) string {
	if len(args) < 2 || len(args) > 3 {
		return "用法: /create <群名> [密码]"
	}

	rawName := args[1]
	if rawName == "" {
		return "群名不能为空。\n"
	}
	key := lower(rawName)
	creatorKey := lower(creator)

	// Hash outside the lock; Argon2id is deliberately slow.
	passwordHash := ""
	if len(args) == 3 {
		h, err := auth.HashPassword(args[2])
		if err != nil {
			slog.Error("hashing group password", "group", rawName, "err", err)
			return "错误: 密码处理失败，群组创建中止。\n"
		}
		passwordHash = h
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[key]; exists {
		return "错误：群组 '" + rawName + "' 已经存在。\n"
	}

	g := &Group{
		Name:         rawName,
		Owner:        creatorKey,
		Members:      map[string]struct{}{creatorKey: {}},
		Banned:       make(map[string]struct{}),
		PasswordHash: passwordHash,
	}
	m.groups[key] = g
	m.countChangedLocked()

	if passwordHash != "" {
		slog.Info("password-protected group created", "group", rawName, "owner", creatorKey)
		return "恭喜！群组 '" + rawName + "' 创建成功，已设置密码，您是群主。\n"
	}
	slog.Info("public group created", "group", rawName, "owner", creatorKey)
	return "恭喜！群组 '" + rawName + "' 创建成功，您已自动成为群主。\n"
}

// HandleJoin implements /join <name> [password].
func (m *Manager) HandleJoin(user string, args []string) string {
	if len(args) < 2 || len(args) > 3 {
		return "用法: /join <群名> [密码]"
	}

	rawName := args[1]
	key := lower(rawName)
	userKey := lower(user)

	// Password verification is slow; check it against a snapshot of
	// the stored hash taken under the lock, then re-validate state
	// before mutating.
	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if _, banned := g.Banned[userKey]; banned {
		m.mu.Unlock()
		return "错误: 您已被群组 '" + rawName + "' 禁止重新加入。\n"
	}
	if _, member := g.Members[userKey]; member {
		m.mu.Unlock()
		return "您已在该群组中。\n"
	}
	hash := g.PasswordHash
	m.mu.Unlock()

	if hash != "" {
		if len(args) < 3 {
			return "错误: 群组 '" + rawName + "' 是私有群组，需要密码才能加入。用法: /join <群名> <密码>\n"
		}
		ok, err := auth.VerifyPassword(hash, args[2])
		if err != nil {
			slog.Error("verifying group password", "group", rawName, "err", err)
			return "错误: 您提供的群组密码不正确。\n"
		}
		if !ok {
			return "错误: 您提供的群组密码不正确。\n"
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok = m.groups[key]
	if !ok {
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if _, banned := g.Banned[userKey]; banned {
		return "错误: 您已被群组 '" + rawName + "' 禁止重新加入。\n"
	}
	if _, member := g.Members[userKey]; member {
		return "您已在该群组中。\n"
	}
	g.Members[userKey] = struct{}{}

	slog.Info("user joined group", "user", userKey, "group", g.Name)
	return "成功加入群组 '" + rawName + "'。\n"
}

// HandleSend implements /send <name> <message...>. It fans the
// formatted line out to every member, including the sender, and
// returns no reply of its own.
func (m *Manager) HandleSend(user string, args []string) string {
	if len(args) < 3 {
		return "用法: /send <群名> <消息>\n"
	}

	rawName := args[1]
	key := lower(rawName)
	userKey := lower(user)
	text := strings.Join(args[2:], " ")

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：该群不存在。\n"
	}
	if _, member := g.Members[userKey]; !member {
		m.mu.Unlock()
		return "错误：您不是该群的成员。\n"
	}
	recipients := keys(g.Members)
	msg := fmt.Sprintf("[%s]%s: %s\n", g.Name, user, text)
	m.mu.Unlock()

	m.notify(recipients, msg)
	return ""
}

// HandleList implements /listgroups.
func (m *Manager) HandleList() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.groups) == 0 {
		return "目前没有群。"
	}
	names := make([]string, 0, len(m.groups))
	for _, g := range m.groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return "所有群: " + strings.Join(names, ", ")
}

// HandleLeave implements /leave <name>. When the owner leaves and at
// least one other member remains, ownership transfers to any other
// member and the post-removal members are notified. When the group
// empties (or the owner leaves with no successor), the group
// dissolves and the pre-removal members are notified.
func (m *Manager) HandleLeave(user string, args []string) string {
	if len(args) < 2 {
		return "用法: /leave <群名>\n"
	}

	rawName := args[1]
	key := lower(rawName)
	userKey := lower(user)

	var (
		recipients []string
		broadcast  string
		reply      string
	)

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if _, member := g.Members[userKey]; !member {
		m.mu.Unlock()
		return "错误：您不是群组 '" + rawName + "' 的成员。\n"
	}

	if g.Owner == userKey {
		var successor string
		for member := range g.Members {
			if member != userKey {
				successor = member
				break
			}
		}
		if successor != "" {
			g.Owner = successor
			delete(g.Members, userKey)
			recipients = keys(g.Members)
			broadcast = "【系统】原群主 [" + user + "] 主动离开了群组 [" + g.Name + "]群主已转让给 [" + successor + "]。\n"
			reply = "您已成功退出群组 '" + rawName + "'，群主已转让给 [" + successor + "]。\n"
			slog.Info("group ownership transferred on leave", "group", g.Name, "old", userKey, "new", successor)
		} else {
			recipients = keys(g.Members)
			broadcast = "【系统】群主 [" + user + "] 离开了群组 [" + g.Name + "]。群组已解散。\n"
			reply = "您已成功退出群组 '" + rawName + "'，群组已解散。\n"
			delete(m.groups, key)
			m.countChangedLocked()
			slog.Info("group dissolved, owner left alone", "group", g.Name)
		}
	} else {
		delete(g.Members, userKey)
		broadcast = "【系统】成员 [" + user + "] 主动离开了群组 [" + g.Name + "]\n"
		reply = "您已成功退出群组 [" + rawName + "]\n"
		if len(g.Members) == 0 {
			delete(m.groups, key)
			m.countChangedLocked()
			reply += "由于您是最后一位成员，群组已解散。\n"
			slog.Info("group dissolved, last member left", "group", g.Name)
		} else {
			recipients = keys(g.Members)
		}
	}
	m.mu.Unlock()

	if broadcast != "" && len(recipients) > 0 {
		m.notify(recipients, broadcast)
	}
	return reply
}

// HandleKick implements /groupkick <name> <nick>: owner-only, removes
// the victim from members AND adds them to the ban list. The
// pre-removal member set, victim included, receives the broadcast.
func (m *Manager) HandleKick(caller string, args []string) string {
	if len(args) < 3 {
		return "用法: /groupkick <群名> <昵称>。\n"
	}

	rawName := args[1]
	victim := args[2]
	key := lower(rawName)
	callerKey := lower(caller)
	victimKey := lower(victim)

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if g.Owner != callerKey {
		m.mu.Unlock()
		return "错误：您不是群组 '" + rawName + "' 的群主，无权执行此操作。\n"
	}
	if callerKey == victimKey {
		m.mu.Unlock()
		return "错误：群主不能踢自己。\n"
	}
	if _, member := g.Members[victimKey]; !member {
		m.mu.Unlock()
		return "错误：用户 '" + victim + "' 不是群组 '" + rawName + "' 的成员。\n"
	}

	recipients := keys(g.Members) // pre-removal, includes the victim
	delete(g.Members, victimKey)
	g.Banned[victimKey] = struct{}{}

	broadcast := "【系统】用户 [" + victim + "] 已被群主 [" + caller + "] 踢出群组 [" + g.Name + "]\n"
	reply := "成功将用户 [" + victim + "] 踢出群组 [" + g.Name + "]\n"

	if len(g.Members) == 0 {
		delete(m.groups, key)
		m.countChangedLocked()
		reply += "由于该操作导致群组成员清空，群组已解散。\n"
	}
	m.mu.Unlock()

	slog.Info("user kicked from group", "group", rawName, "victim", victimKey, "by", callerKey)
	m.notify(recipients, broadcast)
	return reply
}

// HandleUnban implements /groupunban <name> <nick>: owner-only,
// removes the target from the ban list.
func (m *Manager) HandleUnban(caller string, args []string) string {
	if len(args) < 3 {
		return "用法: /groupunban <群名> <昵称>。\n"
	}

	rawName := args[1]
	target := args[2]
	key := lower(rawName)
	callerKey := lower(caller)
	targetKey := lower(target)

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if g.Owner != callerKey {
		m.mu.Unlock()
		return "错误：您不是群组 '" + rawName + "' 的群主，无权执行此操作。\n"
	}
	if _, banned := g.Banned[targetKey]; !banned {
		m.mu.Unlock()
		return "错误：用户 '" + target + "' 未被群组 '" + rawName + "' 封禁。\n"
	}
	delete(g.Banned, targetKey)
	recipients := keys(g.Members)
	broadcast := "【系统】用户 [" + target + "] 已被群主 [" + caller + "] 解除封禁\n"
	m.mu.Unlock()

	slog.Info("user unbanned from group", "group", rawName, "target", targetKey, "by", callerKey)
	m.notify(recipients, broadcast)
	return "成功解除用户 [" + target + "] 在群组 [" + rawName + "] 的封禁\n"
}

// HandleTransfer implements /transfer <name> <nick>: owner-only,
// target must be a member, self-transfer is rejected.
func (m *Manager) HandleTransfer(caller string, args []string) string {
	if len(args) < 3 {
		return "用法: /transfer <群名> <昵称>。\n"
	}

	rawName := args[1]
	target := args[2]
	key := lower(rawName)
	callerKey := lower(caller)
	targetKey := lower(target)

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return "错误：群组 '" + rawName + "' 不存在。\n"
	}
	if g.Owner != callerKey {
		m.mu.Unlock()
		return "错误：您不是群组 '" + rawName + "' 的群主，无权执行此操作。\n"
	}
	if callerKey == targetKey {
		m.mu.Unlock()
		return "错误：您已经是群主。\n"
	}
	if _, member := g.Members[targetKey]; !member {
		m.mu.Unlock()
		return "错误：用户 '" + target + "' 不是群组 '" + rawName + "' 的成员。\n"
	}

	g.Owner = targetKey
	recipients := keys(g.Members)
	broadcast := "【系统】群组 [" + g.Name + "] 的群主已由 [" + caller + "] 转让给 [" + target + "]\n"
	m.mu.Unlock()

	slog.Info("group ownership transferred", "group", rawName, "old", callerKey, "new", targetKey)
	m.notify(recipients, broadcast)
	return "成功将群组 [" + rawName + "] 转让给 [" + target + "]\n"
}
