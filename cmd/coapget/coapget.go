// SPDX-License-Identifier: MIT

// coapget performs a CoAP GET against a server and displays the response.
//
// This serves as an example of bringing up the network layer and exchanging
// CoAP messages, including the ring indications that announce a response.
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
	"github.com/FoxyHunter7/walter-modem/coap"
	"github.com/FoxyHunter7/walter-modem/pdp"
	"github.com/FoxyHunter7/walter-modem/serial"
	"github.com/FoxyHunter7/walter-modem/trace"
	"github.com/FoxyHunter7/walter-modem/walter"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyACM0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	apn := flag.String("a", "", "APN of the network (blank for network default)")
	server := flag.String("s", "coap.me", "CoAP server")
	port := flag.Int("p", 5683, "CoAP port")
	period := flag.Duration("w", 5*time.Minute, "period to wait for registration and the response")
	timeout := flag.Duration("t", 15*time.Second, "command timeout period")
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
	pc := pdp.New(m.AT)
	cc, err := coap.New(m.AT)
	if err != nil {
		log.Println(err)
		return
	}
	ctx := context.Background()
	if err = m.Init(ctx); err != nil {
		log.Println(err)
		return
	}
	if err = connect(ctx, m, pc, *apn); err != nil {
		log.Println(err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, *period)
	defer cancel()
	if err = waitRegistered(wctx, m); err != nil {
		log.Println("registration failed:", err)
		return
	}
	go pollRSSI(wctx, m)
	if err = get(wctx, cc, *server, *port); err != nil {
		log.Println(err)
	}
}

// connect defines the PDP context carrying the data connection and enables
// the radio so the modem registers on the network.
func connect(ctx context.Context, m *walter.Modem, p *pdp.PDP, apn string) error {
	id, err := p.Define(ctx, apn)
	if err != nil {
		return err
	}
	if err := p.Authenticate(ctx, id); err != nil {
		return err
	}
	return m.SetOpState(ctx, walter.OpFull)
}

// waitRegistered polls the registration state cached from the modem until it
// reports registration on a network.
func waitRegistered(ctx context.Context, m *walter.Modem) error {
	for {
		switch m.RegistrationState() {
		case walter.RegisteredHome, walter.RegisteredRoaming:
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pollRSSI polls the signal strength while the transfer is in progress.
//
// This is run in parallel to the transfer to demonstrate separate goroutines
// sharing the modem.
func pollRSSI(ctx context.Context, m *walter.Modem) {
	for {
		select {
		case <-time.After(30 * time.Second):
			rssi, err := m.RSSI(ctx)
			if err != nil {
				log.Println(err)
			} else {
				log.Printf("RSSI: %ddBm\n", rssi)
			}
		case <-ctx.Done():
			return
		}
	}
}

// get sends the GET and awaits the ring announcing the response.
func get(ctx context.Context, cc *coap.CoAP, server string, port int) error {
	if err := cc.CreateContext(ctx, 0, server, port); err != nil {
		return err
	}
	if err := cc.Send(ctx, 0, coap.Confirmable, coap.GET, nil); err != nil {
		return err
	}
	r, err := nextRing(ctx, cc, 0)
	if err != nil {
		return err
	}
	msg, err := cc.Receive(ctx, r.ID, r.MsgID, r.Length)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", msg.Payload)
	return cc.Close(ctx, 0)
}

// nextRing polls for a ring on the context.
//
// Rings are delivered by indication so the poll is on the mirror, not the
// modem itself.
func nextRing(ctx context.Context, cc *coap.CoAP, coapID int) (coap.Ring, error) {
	for {
		if r, ok := cc.NextRing(coapID); ok {
			return r, nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return coap.Ring{}, ctx.Err()
		}
	}
}
