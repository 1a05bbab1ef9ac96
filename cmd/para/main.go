package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sheerbytes/parashare/internal/app"
	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/logging"
	"github.com/sheerbytes/parashare/internal/termio"
	"github.com/sheerbytes/parashare/internal/transfer"
)

const (
	version = "v0.1.0"
	banner  = `
 ___  ___  ___  ___  ___ _  _  ___  ___ ___
| _ \/ _ \| _ \/ _ \/ __| || |/ _ \| _ \ __|
|  _/ (_) |   / (_) \__ \ __ | (_) |   / _|
|_| /_/ \_\_|_\_/ \_\___/_||_/_/ \_\_|_\___|
parashare ` + version + `
Parallel multi-channel P2P file transfer
`
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitLost      = 3
	exitInterrupt = 130
)

func main() {
	termio.Init()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer termio.Flush()
	if len(args) == 0 {
		printBanner()
		printUsage()
		return exitOK
	}
	if hasVersionFlag(args[:1]) {
		printBanner()
		return exitOK
	}

	switch args[0] {
	case "send":
		return runSend(args[1:])
	case "recv":
		return runRecv(args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return exitOK
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", args[0])
		printUsage()
		return exitUsage
	}
}

func runSend(args []string) int {
	cfg, code, ok := parseClient("para send", args)
	if !ok {
		return code
	}
	if len(cfg.Args) != 1 {
		fmt.Fprintln(termio.Stderr(), "usage: para send [flags] <file>")
		return exitUsage
	}
	logger := logging.NewWithWriter(termio.Stderr(), "para", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.RunSender(ctx, logger, app.SenderConfig{
		Client: cfg,
		Path:   cfg.Args[0],
		Out:    termio.Stdout(),
	})
	return exitCode(ctx, err)
}

func runRecv(args []string) int {
	cfg, code, ok := parseClient("para recv", args)
	if !ok {
		return code
	}
	joinCode := ""
	switch {
	case len(cfg.Args) == 1:
		joinCode = strings.TrimSpace(cfg.Args[0])
	case len(cfg.Args) == 0 && cfg.Transport == config.TransportQUIC:
	default:
		fmt.Fprintln(termio.Stderr(), "usage: para recv [flags] <join-code>")
		return exitUsage
	}
	logger := logging.NewWithWriter(termio.Stderr(), "para", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := app.RunReceiver(ctx, logger, app.ReceiverConfig{
		Client:   cfg,
		JoinCode: joinCode,
		Out:      termio.Stdout(),
		OnListening: func(addr net.Addr) {
			fmt.Fprintf(termio.Stdout(), "on the sending machine run: para send --transport quic --quic-addr <this-host>:%d <file>\n", portOf(addr))
		},
	})
	return exitCode(ctx, err)
}

// parseClient accepts the positional argument either before or after the
// flags, so both "para recv CODE --out dir" and "para recv --out dir CODE" work.
func parseClient(name string, args []string) (config.ClientConfig, int, bool) {
	var lead []string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		lead, args = []string{args[0]}, args[1:]
	}
	cfg, err := config.ParseClientConfig(name, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return config.ClientConfig{}, exitOK, false
		}
		fmt.Fprintf(termio.Stderr(), "%s: %v\n", name, err)
		return config.ClientConfig{}, exitUsage, false
	}
	cfg.Args = append(lead, cfg.Args...)
	return cfg, exitOK, true
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case ctx.Err() != nil:
		fmt.Fprintln(termio.Stderr(), "interrupted")
		return exitInterrupt
	case errors.Is(err, transfer.ErrConnectionLost):
		fmt.Fprintf(termio.Stderr(), "error: %v\n", err)
		return exitLost
	default:
		fmt.Fprintf(termio.Stderr(), "error: %v\n", err)
		return exitFailure
	}
}

func portOf(addr net.Addr) int {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: para <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  send a file to one receiver")
	fmt.Fprintln(termio.Stderr(), "  recv a file using a join code")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  para send <file>")
	fmt.Fprintln(termio.Stderr(), "  para send --channels 16 <file>")
	fmt.Fprintln(termio.Stderr(), "  para recv <join-code> --out ./downloads")
	fmt.Fprintln(termio.Stderr(), "  para recv --transport quic --quic-addr :9000")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  para send --help")
	fmt.Fprintln(termio.Stderr(), "  para recv --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}

func printBanner() {
	fmt.Fprint(termio.Stdout(), banner)
}
