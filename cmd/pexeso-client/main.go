// pexeso-client is a line-oriented terminal client for the pexeso
// server. It forwards stdin lines to the server, prints every server
// message, and answers PING on its own so an idle prompt never times
// out.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"pexeso"
	"pexeso/internal/protocol"
)

type CLI struct {
	Version kong.VersionFlag `help:"Print version."`

	IP   string `arg:"" help:"Server IP address."`
	Port int    `arg:"" help:"Server port (1-65535)."`
	Nick string `optional:"" arg:"" help:"Send HELLO with this nickname on connect."`

	ShowPings bool `help:"Print PING/PONG traffic."`
}

func (cli *CLI) Run() error {
	if net.ParseIP(cli.IP) == nil {
		return fmt.Errorf("invalid IP address %q", cli.IP)
	}
	if cli.Port < 1 || cli.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", cli.Port)
	}

	addr := net.JoinHostPort(cli.IP, strconv.Itoa(cli.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("connected to %s\n", addr)
	}

	if cli.Nick != "" {
		if _, err := fmt.Fprintf(conn, "%s %s\n", protocol.CmdHello, cli.Nick); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- cli.readLoop(conn)
	}()

	go func() {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			line := in.Text()
			if line == "" {
				continue
			}
			if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
				return
			}
		}
		// stdin closed; keep printing server messages until the server
		// hangs up.
	}()

	err = <-done
	if errors.Is(err, io.EOF) {
		if interactive {
			fmt.Println("server closed the connection")
		}
		return nil
	}
	return err
}

func (cli *CLI) readLoop(conn net.Conn) error {
	lr := protocol.NewLineReader(conn)
	for {
		line, err := lr.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			fmt.Fprintln(os.Stderr, "dropped oversized server message")
			continue
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		if line == protocol.RespPing {
			if cli.ShowPings {
				fmt.Println(line)
			}
			if _, err := fmt.Fprintf(conn, "%s\n", protocol.CmdPong); err != nil {
				return err
			}
			continue
		}

		fmt.Println(line)
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pexeso-client"),
		kong.Description("Terminal client for the pexeso memory game server."),
		kong.UsageOnError(),
		kong.Vars{"version": pexeso.Version()},
	)
	ctx.FatalIfErrorf(cli.Run())
}
