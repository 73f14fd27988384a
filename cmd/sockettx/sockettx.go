// SPDX-License-Identifier: MIT

// sockettx sends a datagram to a remote host and displays any reply.
//
// This serves as an example of socket data transfer, from network bringup
// through to the ring indication announcing the reply.
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
	"github.com/FoxyHunter7/walter-modem/pdp"
	"github.com/FoxyHunter7/walter-modem/serial"
	"github.com/FoxyHunter7/walter-modem/socket"
	"github.com/FoxyHunter7/walter-modem/trace"
	"github.com/FoxyHunter7/walter-modem/walter"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyACM0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	apn := flag.String("a", "", "APN of the network (blank for network default)")
	host := flag.String("r", "echo.u-blox.com", "remote host")
	port := flag.Int("p", 7, "remote port")
	msg := flag.String("m", "Zoot Zoot", "the message to send")
	tcp := flag.Bool("tcp", false, "connect with TCP rather than UDP")
	period := flag.Duration("w", 5*time.Minute, "period to wait for registration and the reply")
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
	s, err := socket.New(m.AT)
	if err != nil {
		log.Println(err)
		return
	}
	ctx := context.Background()
	if err = m.Init(ctx); err != nil {
		log.Println(err)
		return
	}
	id, err := pc.Define(ctx, *apn)
	if err != nil {
		log.Println(err)
		return
	}
	if err = pc.Authenticate(ctx, id); err != nil {
		log.Println(err)
		return
	}
	if err = m.SetOpState(ctx, walter.OpFull); err != nil {
		log.Println(err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, *period)
	defer cancel()
	if err = waitRegistered(wctx, m); err != nil {
		log.Println("registration failed:", err)
		return
	}
	proto := socket.UDP
	if *tcp {
		proto = socket.TCP
	}
	if err = echo(wctx, m, s, proto, *host, *port, []byte(*msg)); err != nil {
		log.Println(err)
	}
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

// echo sends the message and awaits the ring announcing the reply.
func echo(ctx context.Context, m *walter.Modem, s *socket.Socket, proto socket.Protocol, host string, port int, data []byte) error {
	id, err := s.Create(ctx)
	if err != nil {
		return err
	}
	// report the length of pending data in the ring
	if _, err = m.Command(ctx, fmt.Sprintf("+SQNSCFGEXT=%d,1,0,0", id)); err != nil {
		return err
	}
	if err = s.Dial(ctx, id, proto, host, port); err != nil {
		return err
	}
	if err = s.Send(ctx, id, data, socket.WithRAI(socket.RAISingleResponse)); err != nil {
		return err
	}
	r, err := nextRing(ctx, s, id)
	if err != nil {
		return err
	}
	reply, err := s.Receive(ctx, id, r.Length, 1500)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", reply.Payload)
	return s.Close(ctx, id)
}

// nextRing polls for a ring on the socket.
//
// Rings are delivered by indication so the poll is on the mirror, not the
// modem itself.
func nextRing(ctx context.Context, s *socket.Socket, socketID int) (socket.Ring, error) {
	for {
		if r, ok := s.NextRing(socketID); ok {
			return r, nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return socket.Ring{}, ctx.Err()
		}
	}
}
