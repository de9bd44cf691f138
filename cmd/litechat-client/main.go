// Command litechat-client is a minimal line-oriented chat client:
// stdin lines go out as framed messages, incoming frames print to
// stdout. Useful for poking at a server without writing a client.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/litechat/litechat/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5008", "server address")
	flag.Parse()

	signal.Ignore(syscall.SIGPIPE)

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			payload, err := protocol.ReadFrame(conn)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					fmt.Println("服务器已关闭连接")
				} else {
					fmt.Println("服务器已断开连接")
				}
				return
			}
			fmt.Println(string(payload))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if err := protocol.WriteFrame(conn, []byte(line)); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
			break
		}
		if line == "/quit" {
			break
		}
	}

	conn.Close()
	<-done
}
