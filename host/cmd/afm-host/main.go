package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"afm/config"
	"afm/core"
	"afm/firmware"
	"afm/host/device"
	"afm/host/monitoring"
	"afm/host/serial"
	"afm/protocol"
)

var (
	configPath = flag.String("config", "", "JSON configuration file")
	portName   = flag.String("device", "", "Serial device path (empty = discover by USB id)")
	baud       = flag.Int("baud", 0, "Baud rate (ignored for USB CDC)")
	backend    = flag.String("backend", serial.BackendTarm, "Serial backend: tarm or bugst")
	list       = flag.Bool("list", false, "List attached instruments and exit")
	sim        = flag.Bool("sim", false, "Run against an in-process simulated instrument")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()

	if !*verbose {
		monitoring.SetLogger(nil)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run owns every resource it opens, so its deferred cleanup runs before
// main exits with a failure status
func run() error {
	if *list {
		return listDevices()
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *portName != "" {
		cfg.Host.Port = *portName
	}
	if *baud != 0 {
		cfg.Host.Baud = *baud
	}

	fmt.Println("AFM Host")
	fmt.Println("========")

	serialCfg := serial.DefaultConfig(cfg.Host.Port)
	serialCfg.Baud = cfg.Host.Baud
	serialCfg.Backend = *backend

	dev := device.New(serialCfg)
	dev.SetTimeouts(cfg.Host.Timeouts())

	if *sim {
		stop, err := startSimulator(cfg.Firmware, dev)
		if err != nil {
			return err
		}
		defer stop()
	} else {
		fmt.Printf("Connecting to %s...\n", describePort(cfg.Host.Port))
		if err := dev.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}
	defer dev.Disconnect()

	fmt.Println("Connected successfully!")
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		if parts[0] == "quit" || parts[0] == "exit" || parts[0] == "q" {
			fmt.Println("Goodbye!")
			return nil
		}
		if err := runCommand(dev, parts[0], parts[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if !dev.IsConnected() {
			return fmt.Errorf("link lost; restart to reconnect")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func describePort(name string) string {
	if name == "" {
		return fmt.Sprintf("first instrument with USB id %04x:%04x", protocol.USBVendorID, protocol.USBProductID)
	}
	return name
}

func listDevices() error {
	found, err := serial.Discover()
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No instruments found")
		return nil
	}
	for _, p := range found {
		fmt.Printf("  %-16s serial=%s product=%s\n", p.Name, p.SerialNumber, p.Product)
	}
	return nil
}

// startSimulator connects dev to an in-process firmware over a pipe
func startSimulator(fc config.Firmware, dev *device.Device) (func(), error) {
	core.SetDebugWriter(monitoring.FirmwareWriter("[fw] "))
	core.SetDebugEnabled(*verbose)
	core.InitAsyncDebug()

	fw := firmware.New(fc, nil, nil)
	hostEnd, devEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := fw.Serve(ctx, devEnd); err != nil && ctx.Err() == nil {
			monitoring.Logf("simulator: %v", err)
		}
	}()
	go func() {
		// The sample timer, paced in batches so the host stays responsive
		period := time.Duration(core.TimerToUS(core.SamplePeriod(fc.SampleRate))) * time.Microsecond
		batch := 100
		ticker := time.NewTicker(period * time.Duration(batch))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < batch; i++ {
					fw.Tick()
				}
			}
		}
	}()

	stop := func() {
		cancel()
		devEnd.Close()
	}
	if err := dev.ConnectPort(hostEnd); err != nil {
		stop()
		return nil, fmt.Errorf("simulator did not answer: %w", err)
	}
	return stop, nil
}

func runCommand(dev *device.Device, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		printHelp()

	case "version":
		v, err := dev.GetFirmwareVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Firmware %d.%d\n", v.Major, v.Minor)

	case "status":
		st, err := dev.UpdateStatus()
		if err != nil {
			return err
		}
		fmt.Printf("type=%s state=%s zcontrol=%s height=%d%%\n", st.Type, st.RunState, st.ZControl, st.Height)

	case "type":
		if len(args) != 1 {
			return fmt.Errorf("usage: type none|afm|stm")
		}
		t, err := parseType(args[0])
		if err != nil {
			return err
		}
		return dev.SetType(t)

	case "zcontrol":
		if len(args) != 1 {
			return fmt.Errorf("usage: zcontrol off|altitude|height")
		}
		z, err := parseZControl(args[0])
		if err != nil {
			return err
		}
		return dev.SetZControl(z)

	case "afm":
		if len(args) == 0 {
			p, err := dev.AFMProperties()
			if err != nil {
				return err
			}
			fmt.Printf("amplitude=%d%% frequency=%d Hz\n", p.Amplitude, p.Frequency)
			return nil
		}
		v, err := parseUints(args, 8, 32)
		if err != nil {
			return fmt.Errorf("usage: afm [amplitude frequency]: %w", err)
		}
		return dev.SetAFMProperties(protocol.AFMProperties{Amplitude: uint8(v[0]), Frequency: uint32(v[1])})

	case "stm":
		if len(args) == 0 {
			p, err := dev.STMProperties()
			if err != nil {
				return err
			}
			fmt.Printf("bias=%d current=%d\n", p.Bias, p.Current)
			return nil
		}
		v, err := parseUints(args, 16, 16)
		if err != nil {
			return fmt.Errorf("usage: stm [bias current]: %w", err)
		}
		return dev.SetSTMProperties(protocol.STMProperties{Bias: uint16(v[0]), Current: uint16(v[1])})

	case "run":
		if len(args) != 4 {
			return fmt.Errorf("usage: run startX startY size resolution")
		}
		x, errX := strconv.ParseInt(args[0], 0, 32)
		y, errY := strconv.ParseInt(args[1], 0, 32)
		v, err := parseUints(args[2:], 16, 16)
		if errX != nil || errY != nil || err != nil {
			return fmt.Errorf("usage: run startX startY size resolution")
		}
		if err := dev.Run(int32(x), int32(y), uint16(v[0]), uint16(v[1])); err != nil {
			return err
		}
		return readImage(dev)

	case "stop":
		return dev.Stop()

	case "timing":
		if !*sim {
			return fmt.Errorf("timing: only available with -sim")
		}
		// Goes through the firmware debug writer, which needs -verbose
		core.DumpTimingRing()

	default:
		fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", cmd)
	}
	return nil
}

func readImage(dev *device.Device) error {
	img, err := dev.ReadImage(func(received, total int) {
		fmt.Printf("\r  %d/%d pixels", received, total)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	lo, hi := img.Range()
	fmt.Printf("Image %s: %dx%d, %d pixels, height %.0f..%.0f\n",
		img.ID, img.Width, img.Height, len(img.Pixels), lo, hi)
	return nil
}

func parseType(s string) (protocol.InstrumentType, error) {
	switch strings.ToLower(s) {
	case "none":
		return protocol.TypeNone, nil
	case "afm":
		return protocol.TypeProbeForce, nil
	case "stm":
		return protocol.TypeTunneling, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	return protocol.InstrumentType(n), err
}

func parseZControl(s string) (protocol.ZControl, error) {
	switch strings.ToLower(s) {
	case "off":
		return protocol.ZControlOff, nil
	case "altitude":
		return protocol.ZControlRegulateAltitude, nil
	case "height":
		return protocol.ZControlRegulateHeight, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	return protocol.ZControl(n), err
}

func parseUints(args []string, bits ...int) ([]uint64, error) {
	if len(args) != len(bits) {
		return nil, fmt.Errorf("expected %d values", len(bits))
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, bits[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help                       - Show this help message")
	fmt.Println("  version                    - Firmware version")
	fmt.Println("  status                     - Type, run state, Z control and height")
	fmt.Println("  type none|afm|stm          - Select the instrument type")
	fmt.Println("  zcontrol off|altitude|height - Select the Z regulation mode")
	fmt.Println("  afm [amplitude frequency]  - Show or set AFM properties")
	fmt.Println("  stm [bias current]         - Show or set STM properties")
	fmt.Println("  run x y size resolution    - Start a scan and read the image")
	fmt.Println("  stop                       - Stop the scan")
	fmt.Println("  timing                     - Dump the simulator's event ring (-sim)")
	fmt.Println("  quit/exit/q                - Exit the program")
	fmt.Println()
}
