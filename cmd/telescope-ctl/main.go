// Command telescope-ctl is a small operator console for the telescope
// server. It connects, optionally sets a nickname and changes privilege, then
// prints system messages and user lists until interrupted. Lines typed on
// stdin are sent as chat.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/gotelescope/internal/client"
	"github.com/Tyrowin/gotelescope/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:5660", "server address")
	nick := flag.String("nick", "", "nickname to use")
	control := flag.Bool("control", false, "request control after connecting")
	full := flag.String("full", "", "request full control, presenting this admin key")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, *addr, client.Options{Nickname: *nick, Logger: logger})
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}

	if *control {
		send(c, logger, protocol.ServiceRequestControl, nil)
	}
	if *full != "" {
		send(c, logger, protocol.ServiceRequestFull, []byte(*full))
	}

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			send(c, logger, protocol.ServiceChat, sc.Bytes())
		}
	}()

	go func() {
		for p := range c.Packets() {
			printPacket(p)
		}
	}()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}

func send(c *client.Client, logger *slog.Logger, service uint16, payload []byte) {
	if _, err := c.Send(service, append([]byte(nil), payload...)); err != nil {
		logger.Warn("send failed", "service", protocol.ServiceName(service), "error", err)
	}
}

func printPacket(p *protocol.Packet) {
	switch p.ServiceID {
	case protocol.ServiceSystemMessage:
		fmt.Printf("* %s\n", p.Payload)
	case protocol.ServiceUserList:
		users, err := protocol.DecodeUserList(p.Payload)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return
		}
		fmt.Printf("users (%d):\n", len(users))
		for _, u := range users {
			fmt.Printf("  %-20s %-8s %s\n", u.Nickname, u.Privilege, u.Address)
		}
	case protocol.ServiceAck:
		status, detail, err := protocol.DecodeAck(p.Payload)
		if err == nil && status != protocol.AckOK {
			fmt.Printf("! transaction %d refused (%d): %s\n", p.TransactionID, status, detail)
		}
	case protocol.ServiceInvalidPacket:
		fmt.Printf("! server rejected transaction %d\n", p.TransactionID)
	}
}
