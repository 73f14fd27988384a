// SPDX-License-Identifier: MIT

// walterinfo collects and displays information related to the modem and its
// current configuration.
//
// This serves as an example of how to interact with the modem, as well as
// providing information which may be useful for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/FoxyHunter7/walter-modem/at"
	"github.com/FoxyHunter7/walter-modem/serial"
	"github.com/FoxyHunter7/walter-modem/trace"
	"github.com/FoxyHunter7/walter-modem/walter"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyACM0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	p, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer p.Close()
	var mio io.ReadWriter = p
	if *verbose {
		mio = trace.New(mio)
	}
	m := walter.New(mio, at.WithTimeout(*timeout))
	ctx := context.Background()
	if err = m.Init(ctx); err != nil {
		log.Println(err)
		return
	}
	cmds := []string{
		"I",
		"+CGMI",
		"+CGMM",
		"+CGMR",
		"+CGSN",
		"+CIMI",
		"+SQNCCID?",
	}
	for _, cmd := range cmds {
		rsp, err := m.Command(ctx, cmd)
		fmt.Println("AT" + cmd)
		if err != nil {
			fmt.Printf(" %s\n", err)
			continue
		}
		for _, l := range rsp.Info {
			fmt.Printf(" %s\n", l)
		}
	}
	clk, err := m.Clock(ctx)
	report("Clock", clk, err)
	op, err := m.OpState(ctx)
	report("Operational state", op, err)
	rat, err := m.RadioTechnology(ctx)
	report("Radio access technology", rat, err)
	sim, err := m.SIMState(ctx)
	report("SIM state", sim, err)
	rssi, err := m.RSSI(ctx)
	report("RSSI (dBm)", rssi, err)
	sq, err := m.SignalQuality(ctx)
	if err != nil {
		fmt.Println("Signal quality:", err)
	} else {
		fmt.Printf("Signal quality: RSRQ %.1fdB RSRP %ddBm\n",
			float64(sq.RSRQ)/10, sq.RSRP)
	}
	ci, err := m.CellInfo(ctx)
	if err != nil {
		fmt.Println("Cell:", err)
	} else {
		fmt.Printf("Cell: %s (%d/%d) band %d EARFCN %d PCI %d TAC %d CID %08X\n",
			ci.NetName, ci.CC, ci.NC, ci.Band, ci.EARFCN, ci.PCI, ci.TAC, ci.CID)
	}
	fmt.Println("Registration state:", m.RegistrationState())
}

func report(name string, v interface{}, err error) {
	if err != nil {
		fmt.Printf("%s: %s\n", name, err)
		return
	}
	fmt.Printf("%s: %v\n", name, v)
}
