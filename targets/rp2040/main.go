//go:build rp2040

package main

import (
	"machine"

	"tinygo.org/x/drivers/mcp3008"

	"afm/config"
	"afm/core"
	"afm/firmware"
	"afm/protocol"
)

// Board wiring
const (
	dacSCK  = machine.GPIO18
	dacSDO  = machine.GPIO19
	dacSDI  = machine.GPIO16
	dacSYNC = machine.GPIO17

	adcSCK = machine.GPIO10
	adcSDO = machine.GPIO11
	adcSDI = machine.GPIO12
	adcCS  = machine.GPIO13

	// MCP3008 input carrying the deflection or tunnelling current signal
	sensorChannel = 0

	dacFrequency = 20000000
	adcFrequency = 1000000
)

var (
	linkErrors  uint32
	sensorFault uint32
)

func main() {
	// Clear watchdog state left over from a reset
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	port := initUSB()
	fc := config.DefaultConfig().Firmware

	dac := initDAC()
	dac.Center()

	sensor := core.NewAnalogSensor(initSensor(), fc.AnalogConfig())
	sensor.SetFaultHandler(func() { sensorFault++ })

	fw := firmware.New(fc, sensor, dac.WriteSample)
	fw.Attach(port)

	clock := newSampleClock(core.TimerToUS(core.SamplePeriod(fc.SampleRate)))
	buf := make([]byte, protocol.FrameLengthMax)

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					linkErrors++
					fw.Attach(port)
				}
			}()

			for n := clock.due(); n > 0; n-- {
				fw.Tick()
			}

			if n, _ := port.Read(buf); n > 0 {
				fw.Feed(buf[:n])
			}
			if err := fw.Poll(); err != nil {
				linkErrors++
			}

			if port.disconnected() {
				// Host went away; start clean when it comes back
				port.writeFailures = 0
				fw.Attach(port)
			}
		}()
	}
}

func initDAC() *core.AD5686 {
	spi := machine.SPI0
	spi.Configure(machine.SPIConfig{
		Frequency: dacFrequency,
		SCK:       dacSCK,
		SDO:       dacSDO,
		SDI:       dacSDI,
		Mode:      1,
	})
	dacSYNC.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return core.NewAD5686(spi, dacSYNC)
}

// externalADC reads one MCP3008 input. A failed transfer reads as zero.
type externalADC struct {
	dev     *mcp3008.Device
	channel int
}

func (a externalADC) Get() uint16 {
	v, err := a.dev.Read(a.channel)
	if err != nil {
		return 0
	}
	return v
}

func initSensor() core.ADCReader {
	spi := machine.SPI1
	spi.Configure(machine.SPIConfig{
		Frequency: adcFrequency,
		SCK:       adcSCK,
		SDO:       adcSDO,
		SDI:       adcSDI,
		Mode:      0,
	})
	adcCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	dev := mcp3008.New(spi, adcCS)
	dev.Configure()
	return externalADC{dev: dev, channel: sensorChannel}
}
