package script

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeHost struct {
	mu         sync.Mutex
	broadcasts [][2]string
	kicks      [][2]string
	kickResult bool
}

func (f *fakeHost) Broadcast(sender, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, [2]string{sender, text})
}

func (f *fakeHost) KickUser(target, admin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, [2]string{target, admin})
	return f.kickResult
}

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestBridge(t *testing.T, host *fakeHost, scripts map[string]string) *Bridge {
	t.Helper()
	dir := t.TempDir()
	for name, src := range scripts {
		writeScript(t, dir, name, src)
	}
	b, err := NewBridge(dir, host)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestExecuteStringReply(t *testing.T) {
	b := newTestBridge(t, &fakeHost{}, map[string]string{
		"echo.js": `function cmd_echo(nickname, isAdmin, args) {
			return nickname + " said: " + args.join(" ");
		}`,
	})

	reply, handled := b.Execute("alice", false, []string{"/echo", "hello", "world"})
	if !handled {
		t.Fatal("expected /echo to be handled")
	}
	if reply != "alice said: hello world" {
		t.Errorf("unexpected reply %q", reply)
	}
}

func TestExecuteBooleanResult(t *testing.T) {
	b := newTestBridge(t, &fakeHost{}, map[string]string{
		"silent.js": `function cmd_silent(nickname, isAdmin, args) { return true; }
function cmd_declined(nickname, isAdmin, args) { return false; }`,
	})

	if reply, handled := b.Execute("alice", false, []string{"/silent"}); !handled || reply != "" {
		t.Errorf("true result should mean handled with no reply, got (%q, %v)", reply, handled)
	}
	if _, handled := b.Execute("alice", false, []string{"/declined"}); handled {
		t.Error("false result should mean not handled")
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	b := newTestBridge(t, &fakeHost{}, map[string]string{
		"echo.js": `function cmd_echo(n, a, args) { return "ok"; }
var cmd_notafunc = 42;`,
	})

	if _, handled := b.Execute("alice", false, []string{"/missing"}); handled {
		t.Error("undefined command should not be handled")
	}
	if _, handled := b.Execute("alice", false, []string{"/notafunc"}); handled {
		t.Error("non-function global should not be handled")
	}
	if _, handled := b.Execute("alice", false, nil); handled {
		t.Error("empty args should not be handled")
	}
}

func TestExecuteScriptError(t *testing.T) {
	b := newTestBridge(t, &fakeHost{}, map[string]string{
		"bad.js": `function cmd_boom(n, a, args) { throw new Error("boom"); }`,
	})

	if _, handled := b.Execute("alice", false, []string{"/boom"}); handled {
		t.Error("a throwing script should fall through to not-handled")
	}
}

func TestHostAPI(t *testing.T) {
	host := &fakeHost{kickResult: true}
	b := newTestBridge(t, host, map[string]string{
		"admin.js": `function cmd_announce(nickname, isAdmin, args) {
			chat.broadcast(nickname, args.join(" "));
			return true;
		}
		function cmd_boot(nickname, isAdmin, args) {
			if (chat.kick(args[0], nickname)) {
				return "kicked " + args[0];
			}
			return "no such user";
		}`,
	})

	if _, handled := b.Execute("root", true, []string{"/announce", "server", "restarting"}); !handled {
		t.Fatal("expected /announce handled")
	}
	host.mu.Lock()
	if len(host.broadcasts) != 1 || host.broadcasts[0] != [2]string{"root", "server restarting"} {
		t.Errorf("unexpected broadcasts %v", host.broadcasts)
	}
	host.mu.Unlock()

	reply, handled := b.Execute("root", true, []string{"/boot", "mallory"})
	if !handled || reply != "kicked mallory" {
		t.Errorf("unexpected /boot result (%q, %v)", reply, handled)
	}
	host.mu.Lock()
	if len(host.kicks) != 1 || host.kicks[0] != [2]string{"mallory", "root"} {
		t.Errorf("unexpected kicks %v", host.kicks)
	}
	host.mu.Unlock()
}

func TestReloadReplacesCommands(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "cmds.js", `function cmd_ver(n, a, args) { return "v1"; }`)

	b, err := NewBridge(dir, &fakeHost{})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	if reply, _ := b.Execute("alice", false, []string{"/ver"}); reply != "v1" {
		t.Fatalf("expected v1, got %q", reply)
	}

	writeScript(t, dir, "cmds.js", `function cmd_ver(n, a, args) { return "v2"; }`)
	if err := b.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reply, _ := b.Execute("alice", false, []string{"/ver"}); reply != "v2" {
		t.Errorf("expected v2 after reload, got %q", reply)
	}
}

func TestReloadKeepsOldVMOnSyntaxError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "cmds.js", `function cmd_ok(n, a, args) { return "ok"; }`)

	b, err := NewBridge(dir, &fakeHost{})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	writeScript(t, dir, "cmds.js", `function cmd_ok( { broken`)
	if err := b.Reload(); err == nil {
		t.Fatal("expected reload error on broken script")
	}
	if reply, handled := b.Execute("alice", false, []string{"/ok"}); !handled || reply != "ok" {
		t.Errorf("previous VM should survive a failed reload, got (%q, %v)", reply, handled)
	}
}

func TestMissingDirectory(t *testing.T) {
	b, err := NewBridge(filepath.Join(t.TempDir(), "nope"), &fakeHost{})
	if err != nil {
		t.Fatalf("missing directory should not be an error: %v", err)
	}
	defer b.Close()
	if _, handled := b.Execute("alice", false, []string{"/anything"}); handled {
		t.Error("empty bridge should handle nothing")
	}
}
