package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"vesclink/commands"
	"vesclink/host/serial"
	"vesclink/host/vesc"
)

// console prints manager events and executes interactive commands
type console struct {
	m     *vesc.Manager
	image []byte

	uploadBar *pterm.ProgressbarPrinter
	autoBar   *pterm.ProgressbarPrinter
}

func newConsole(m *vesc.Manager, image []byte) *console {
	return &console{m: m, image: image}
}

const barSteps = 100

func (c *console) run(ctx context.Context, events <-chan vesc.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.print(ev)
		}
	}
}

func (c *console) print(ev vesc.Event) {
	switch d := ev.Data.(type) {
	case vesc.StatusMessage:
		if d.OK {
			pterm.Info.Println(d.Text)
		} else {
			pterm.Warning.Println(d.Text)
		}

	case vesc.MessageDialog:
		pterm.DefaultBox.WithTitle(d.Title).Println(d.Text)

	case vesc.ConnectionStateChanged:
		if d.To == vesc.Connected {
			pterm.Success.Printfln("Connected to %s", c.m.ConnectedPortName())
			if c.image != nil {
				image := c.image
				c.image = nil
				if err := c.m.UploadFirmware(image); err != nil {
					pterm.Error.Printfln("Upload failed to start: %v", err)
				}
			}
		}

	case vesc.FwUploadStatus:
		c.uploadBar = updateBar(c.uploadBar, "Uploading", d.Progress, d.Ongoing)
		if !d.Ongoing {
			pterm.Info.Println(d.Text)
		}

	case vesc.AutoconnectProgress:
		c.autoBar = updateBar(c.autoBar, "Scanning", d.Progress, d.Ongoing)

	case vesc.AutoconnectFinished:
		if d.Success {
			pterm.Success.Printfln("Found VESC on %s", d.Port)
		}

	case vesc.PortNotWritable:
		pterm.Error.Printfln("Port %s is not writable", d.Port)

	case commands.FirmwareVersion:
		pterm.Info.Printfln("Firmware %s, hardware %q, UUID %s", d, d.HW, hex.EncodeToString(d.UUID))

	case commands.MotorConfig:
		pterm.Info.Printfln("Motor configuration (default=%v): %d bytes", d.Default, len(d.Blob))

	case commands.AppConfig:
		pterm.Info.Printfln("App configuration (default=%v): %d bytes", d.Default, len(d.Blob))

	case commands.Values:
		pterm.Info.Printfln("Values: %s", hex.EncodeToString(d.Blob))

	case commands.PrintText:
		pterm.Println(strings.TrimRight(d.Text, "\n"))
	}
}

// updateBar advances a progress bar, starting it on first use and stopping
// it when the operation ends
func updateBar(bar *pterm.ProgressbarPrinter, title string, progress float64, ongoing bool) *pterm.ProgressbarPrinter {
	if bar == nil {
		if !ongoing {
			return nil
		}
		started, err := pterm.DefaultProgressbar.WithTotal(barSteps).WithTitle(title).Start()
		if err != nil {
			return nil
		}
		bar = started
	}

	if target := int(progress * barSteps); target > bar.Current {
		bar.Add(target - bar.Current)
	}
	if !ongoing {
		bar.Stop()
		return nil
	}
	return bar
}

// exec runs one command line and reports whether the console should exit
func (c *console) exec(args []string) bool {
	var err error

	switch strings.ToLower(args[0]) {
	case "quit", "exit", "q":
		return true

	case "help", "h", "?":
		printHelp()

	case "ports":
		err = c.listPorts()

	case "connect":
		if len(args) < 2 {
			pterm.Error.Println("Usage: connect <port> [baud]")
			return false
		}
		baud := serial.DefaultBaud
		if len(args) > 2 {
			if baud, err = strconv.Atoi(args[2]); err != nil {
				break
			}
		}
		err = c.m.ConnectSerial(args[1], baud)

	case "tcp":
		if len(args) < 3 {
			pterm.Error.Println("Usage: tcp <host> <port>")
			return false
		}
		var port int
		if port, err = strconv.Atoi(args[2]); err != nil {
			break
		}
		err = c.m.ConnectTCP(args[1], port)

	case "autoconnect":
		err = c.m.StartAutoconnect()

	case "cancel":
		if _, ongoing := c.m.UploadProgress(); ongoing {
			err = c.m.CancelUpload()
		} else {
			err = c.m.CancelAutoconnect()
		}

	case "disconnect":
		err = c.m.Disconnect()

	case "reconnect":
		err = c.m.Reconnect()

	case "status":
		c.printStatus()

	case "fw":
		err = c.m.RequestFirmwareVersion()

	case "mcconf":
		err = c.m.RequestMotorConfig(len(args) > 1 && args[1] == "default")

	case "appconf":
		err = c.m.RequestAppConfig(len(args) > 1 && args[1] == "default")

	case "values":
		err = c.m.RequestValues()

	case "term":
		if len(args) < 2 {
			pterm.Error.Println("Usage: term <command...>")
			return false
		}
		err = c.m.SendTerminalCmd(strings.Join(args[1:], " "))

	case "reboot":
		err = c.m.Reboot()

	case "upload":
		if len(args) < 2 {
			pterm.Error.Println("Usage: upload <file>")
			return false
		}
		var image []byte
		if image, err = os.ReadFile(args[1]); err != nil {
			break
		}
		err = c.m.UploadFirmware(image)

	case "can":
		if len(args) < 2 {
			pterm.Error.Println("Usage: can <id>|off")
			return false
		}
		if args[1] == "off" {
			err = c.m.SetSendCan(false, 0)
			break
		}
		var id int
		if id, err = strconv.Atoi(args[1]); err != nil {
			break
		}
		err = c.m.SetSendCan(true, id)

	default:
		pterm.Error.Printfln("Unknown command: %s (type 'help' for available commands)", args[0])
	}

	if err != nil {
		pterm.Error.Println(err)
	}
	return false
}

func (c *console) listPorts() error {
	ports, err := c.m.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		pterm.Info.Println("No serial ports found")
		return nil
	}

	data := pterm.TableData{{"Port", "Description", "VID:PID", "VESC"}}
	for _, p := range ports {
		ids := ""
		if p.IsUSB {
			ids = p.VID + ":" + p.PID
		}
		data = append(data, []string{p.Name, p.Description, ids, strconv.FormatBool(p.IsVESC)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func (c *console) printStatus() {
	received, limited := c.m.FwRx()
	fw := "unknown"
	if received {
		fw = c.m.FirmwareNow()
	}

	data := pterm.TableData{
		{"State", c.m.State().String()},
		{"Port", c.m.ConnectedPortName()},
		{"Firmware", fw},
		{"Limited", strconv.FormatBool(limited)},
		{"Supported", strings.Join(c.m.SupportedFirmwares(), ", ")},
	}
	if p, ongoing := c.m.UploadProgress(); ongoing {
		data = append(data, []string{"Upload", fmt.Sprintf("%.0f%%", p*100)})
	}
	if p, ongoing := c.m.AutoconnectProgress(); ongoing {
		data = append(data, []string{"Autoconnect", fmt.Sprintf("%.0f%%", p*100)})
	}
	pterm.DefaultTable.WithData(data).Render()
}

func printHelp() {
	pterm.Println(`Available commands:
  help                  Show this help message
  ports                 List serial ports
  connect <port> [baud] Connect to a serial port
  tcp <host> <port>     Connect over TCP
  autoconnect           Scan serial ports for a controller
  cancel                Cancel the running upload or autoconnect
  disconnect            Close the connection
  reconnect             Reconnect to the last working target
  status                Show connection status
  fw                    Request the firmware version
  mcconf [default]      Read the motor configuration
  appconf [default]     Read the app configuration
  values                Request a telemetry sample
  term <command...>     Run a terminal command on the controller
  reboot                Reboot the controller
  upload <file>         Upload a firmware image
  can <id>|off          Forward commands over CAN to a controller id
  quit                  Exit the program`)
}
