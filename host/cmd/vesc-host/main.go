// vesc-host connects to a VESC motor controller over serial or TCP and
// offers an interactive console for reading configuration, running terminal
// commands and uploading firmware.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/pterm/pterm"
	"go.uber.org/zap"
	"golang.org/x/term"

	"vesclink/host/serial"
	"vesclink/host/vesc"
)

var (
	device      = flag.String("device", "", "Serial device path, e.g. /dev/ttyACM0 or COM3")
	baud        = flag.Int("baud", serial.DefaultBaud, "Baud rate")
	tcpAddr     = flag.String("tcp", "", "Connect over TCP to host:port instead of a serial port")
	autoconnect = flag.Bool("autoconnect", false, "Scan serial ports for a controller")
	firmware    = flag.String("firmware", "", "Upload this firmware image once connected")
	poll        = flag.Duration("poll", 0, "Telemetry polling interval (0 = off)")
	alive       = flag.Duration("alive", 0, "Keepalive interval (0 = off)")
	verbose     = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			pterm.Error.Printfln("Failed to create logger: %v", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		pterm.DisableStyling()
	}

	pterm.DefaultHeader.Println("vesc-host")

	opts := []vesc.Option{vesc.WithLogger(logger)}
	if *poll > 0 {
		opts = append(opts, vesc.WithPollInterval(*poll), vesc.WithLinkTimeout(5*(*poll)+time.Second))
	}
	if *alive > 0 {
		opts = append(opts, vesc.WithAliveInterval(*alive))
	}

	var image []byte
	if *firmware != "" {
		data, err := os.ReadFile(*firmware)
		if err != nil {
			pterm.Error.Printfln("Failed to read firmware: %v", err)
			os.Exit(1)
		}
		image = data
	}

	m := vesc.New(opts...)
	events, unsub := m.Subscribe()
	defer unsub()

	if err := m.Start(ctx); err != nil {
		pterm.Error.Printfln("Failed to start: %v", err)
		os.Exit(1)
	}
	defer m.Shutdown()

	con := newConsole(m, image)
	go con.run(ctx, events)

	if err := connectFromFlags(m); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	pterm.Info.Println("Enter commands (type 'help' for available commands, 'quit' to exit)")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			pterm.Error.Printfln("Error reading input: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			args, err := shlex.Split(line)
			if err != nil {
				pterm.Error.Printfln("Bad command line: %v", err)
				continue
			}
			if len(args) == 0 {
				continue
			}
			if quit := con.exec(args); quit {
				pterm.Info.Println("Goodbye!")
				return
			}
		}
	}
}

func connectFromFlags(m *vesc.Manager) error {
	switch {
	case *tcpAddr != "":
		host, portText, err := net.SplitHostPort(*tcpAddr)
		if err != nil {
			return fmt.Errorf("invalid -tcp address: %w", err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return fmt.Errorf("invalid -tcp port: %w", err)
		}
		pterm.Info.Printfln("Connecting to %s...", *tcpAddr)
		return m.ConnectTCP(host, port)

	case *device != "":
		pterm.Info.Printfln("Connecting to %s at %d baud...", *device, *baud)
		return m.ConnectSerial(*device, *baud)

	case *autoconnect:
		pterm.Info.Println("Scanning serial ports...")
		return m.StartAutoconnect()
	}
	return nil
}
