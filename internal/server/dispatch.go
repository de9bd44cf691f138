package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/litechat/litechat/internal/group"
	"github.com/litechat/litechat/internal/metrics"
)

// ScriptHandler is the slice of the script bridge the dispatcher
// uses.
type ScriptHandler interface {
	Execute(nickname string, isAdmin bool, args []string) (string, bool)
}

// commandFunc handles one slash command. A non-empty return is sent
// to the caller; empty means the handler already replied (or chose
// not to).
type commandFunc func(args []string, handle uint64) string

// Dispatcher routes decoded payloads: pre-auth traffic to the auth
// state machine, slash commands to the public, admin, and script
// tables, everything else to the room broadcast.
type Dispatcher struct {
	reg        *Registry
	groups     *group.Manager
	users      UserStore
	scripts    ScriptHandler
	metrics    *metrics.Collector
	disconnect func(handle uint64)

	public map[string]commandFunc
	admin  map[string]commandFunc
}

// NewDispatcher wires the command tables. disconnect is the server's
// teardown path, used by /quit and /kick.
func NewDispatcher(reg *Registry, gm *group.Manager, users UserStore, scripts ScriptHandler, m *metrics.Collector, disconnect func(handle uint64)) *Dispatcher {
	d := &Dispatcher{
		reg:        reg,
		groups:     gm,
		users:      users,
		scripts:    scripts,
		metrics:    m,
		disconnect: disconnect,
	}

	d.public = map[string]commandFunc{
		"/list":       d.cmdList,
		"/whoami":     d.cmdWhoami,
		"/w":          d.cmdWhisper,
		"/help":       d.cmdHelp,
		"/quit":       d.cmdQuit,
		"/create":     d.groupCmd(gm.HandleCreate),
		"/join":       d.groupCmd(gm.HandleJoin),
		"/send":       d.cmdGroupSend,
		"/listgroups": func(args []string, handle uint64) string { return gm.HandleList() },
		"/leave":      d.groupCmd(gm.HandleLeave),
		"/groupkick":  d.groupCmd(gm.HandleKick),
		"/groupunban": d.groupCmd(gm.HandleUnban),
		"/transfer":   d.groupCmd(gm.HandleTransfer),
	}
	d.admin = map[string]commandFunc{
		"/kick": d.cmdKick,
	}
	return d
}

func lower(s string) string { return strings.ToLower(s) }

// HandleMessage processes one decoded payload on a worker goroutine.
func (d *Dispatcher) HandleMessage(handle uint64, payload []byte) {
	start := time.Now()
	defer func() { d.metrics.DispatchDuration(time.Since(start)) }()

	nickname, isAdmin, ok := d.reg.Identity(handle)
	if !ok {
		return
	}

	msg := strings.TrimSpace(string(payload))

	if nickname == "" {
		d.handlePreAuth(handle, msg)
		return
	}
	if msg == "" {
		return
	}

	if msg[0] == '/' {
		// A doubled slash escapes the command prefix on the client
		// side; collapse it before resolution.
		if strings.HasPrefix(msg, "//") {
			msg = msg[1:]
		}
		d.dispatchCommand(handle, nickname, isAdmin, msg)
		return
	}

	out := nickname + ": " + msg
	slog.Info("chat", "user", nickname, "msg", msg)
	d.reg.Broadcast(out, handle)
	d.metrics.MessageDelivered("broadcast")
}

func (d *Dispatcher) dispatchCommand(handle uint64, nickname string, isAdmin bool, msg string) {
	args := strings.Fields(msg)
	command := args[0]
	d.metrics.CommandDispatched(command)

	if fn, ok := d.public[command]; ok {
		if reply := fn(args, handle); reply != "" {
			d.reg.Send(handle, reply)
		}
		return
	}

	if fn, ok := d.admin[command]; ok {
		if !isAdmin {
			d.reg.Send(handle, "错误: 此命令仅限管理员使用。\n")
			return
		}
		slog.Info("admin command", "user", nickname, "command", command)
		if reply := fn(args, handle); reply != "" {
			d.reg.Send(handle, reply)
		}
		return
	}

	if d.scripts != nil {
		if reply, handled := d.scripts.Execute(nickname, isAdmin, args); handled {
			if reply != "" {
				d.reg.Send(handle, reply)
			}
			return
		}
	}

	d.reg.Send(handle, "未知命令或权限不足。\n")
}

// groupCmd adapts a group-manager handler into a commandFunc by
// resolving the caller's nickname.
func (d *Dispatcher) groupCmd(fn func(user string, args []string) string) commandFunc {
	return func(args []string, handle uint64) string {
		nickname, _, ok := d.reg.Identity(handle)
		if !ok || nickname == "" {
			return "请先登录。\n"
		}
		return fn(nickname, args)
	}
}

// cmdGroupSend delegates to the group manager; an empty reply means
// the fan-out happened.
func (d *Dispatcher) cmdGroupSend(args []string, handle uint64) string {
	reply := d.groupCmd(d.groups.HandleSend)(args, handle)
	if reply == "" {
		d.metrics.MessageDelivered("group")
	}
	return reply
}

func (d *Dispatcher) cmdList(args []string, handle uint64) string {
	var b strings.Builder
	b.WriteString("在线用户：\n")
	for _, info := range d.reg.Snapshot() {
		if info.Nickname != "" {
			fmt.Fprintf(&b, "id=%d nickname=%s\n", info.Handle, info.Nickname)
		}
	}
	return b.String()
}

func (d *Dispatcher) cmdWhoami(args []string, handle uint64) string {
	nickname, _, _ := d.reg.Identity(handle)
	return "你的昵称是：" + nickname + "\n"
}

func (d *Dispatcher) cmdWhisper(args []string, handle uint64) string {
	if len(args) < 3 {
		return "用法: /w <昵称> <消息>。\n"
	}

	sender, _, _ := d.reg.Identity(handle)
	target := args[1]
	if target == sender {
		return "不能和自己私聊。\n"
	}

	targetHandle, ok := d.reg.FindByNickname(target)
	if !ok {
		return fmt.Sprintf("用户 '%s' 不在线或不存在。\n", target)
	}

	message := strings.Join(args[2:], " ")
	d.reg.Send(targetHandle, fmt.Sprintf("来自 %s 的私聊：%s", sender, message))
	d.metrics.MessageDelivered("whisper")
	return fmt.Sprintf("已向 %s 发送私聊消息。\n", target)
}

func (d *Dispatcher) cmdHelp(args []string, handle uint64) string {
	help := "可用的命令：\n" +
		"/list - 列出所有在线用户\n" +
		"/w <昵称> <消息> - 向指定用户发送私聊消息\n" +
		"/whoami - 查看你的昵称\n" +
		"/quit - 退出聊天室\n" +
		"/create <群名> [密码] - 创建一个新群\n" +
		"/join <群名> [密码] - 加入一个群\n" +
		"/send <群名> <消息> - 向特定群发送消息\n" +
		"/listgroups - 列出所有群\n" +
		"/leave <群名> - 离开一个群\n" +
		"/groupkick <群名> <昵称> - 将成员踢出群并禁止再次加入\n" +
		"/groupunban <群名> <昵称> - 解除群禁入\n" +
		"/transfer <群名> <昵称> - 转让群主\n" +
		"/help - 显示此帮助信息\n"

	if _, isAdmin, _ := d.reg.Identity(handle); isAdmin {
		help += "/kick <昵称> - 踢出指定用户\n"
	}
	return help
}

func (d *Dispatcher) cmdQuit(args []string, handle uint64) string {
	d.reg.Send(handle, "正在安全退出服务器，再见！\n")
	d.disconnect(handle)
	return ""
}

func (d *Dispatcher) cmdKick(args []string, handle uint64) string {
	if len(args) < 2 {
		return "用法: /kick <昵称>。\n"
	}

	target := args[1]
	targetHandle, ok := d.reg.FindByNickname(target)
	if !ok {
		return fmt.Sprintf("用户 '%s' 不在线。\n", target)
	}

	adminName, _, _ := d.reg.Identity(handle)
	d.reg.Broadcast(fmt.Sprintf("%s 将 %s 踢出聊天室。\n", adminName, target), handle)
	d.reg.Send(targetHandle, "您已被管理员踢出聊天室。\n")
	d.disconnect(targetHandle)
	slog.Info("user kicked", "admin", adminName, "target", target)
	return fmt.Sprintf("用户 %s 已被踢出。\n", target)
}
