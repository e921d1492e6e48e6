package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"github.com/tronsfer/tronsfer/internal/app"
	"github.com/tronsfer/tronsfer/internal/config"
	"github.com/tronsfer/tronsfer/internal/presence"
	"github.com/tronsfer/tronsfer/internal/session"
	"github.com/tronsfer/tronsfer/internal/transfer"
)

// chime prints a bell when a transfer lands.
type chime struct{}

func (chime) Completed(rec transfer.Record) {
	if rec.Direction == transfer.Incoming {
		fmt.Printf("\a<- received %s (%d bytes)\n", rec.Name, rec.Size)
	} else {
		fmt.Printf("\a-> delivered %s\n", rec.Name)
	}
}

func runInteractive(cfg *config.Config, log *slog.Logger) error {
	a, err := app.New(app.Options{
		Config: cfg,
		Logger: log,
		Signal: chime{},
		OnStateChange: func(state session.State, peer session.PeerInfo) {
			switch state {
			case session.IncomingRequest:
				fmt.Printf("%s (%s) wants to connect. Type accept or reject.\n", peer.Nickname, peer.ID)
			case session.Connected:
				fmt.Printf("Connected to %s (%s).\n", peer.Nickname, peer.ID)
			case session.Reconnecting:
				fmt.Println("Peer went quiet, trying to recover...")
			case session.Disconnected:
				fmt.Println("Disconnected.")
			}
		},
		OnNotice: func(msg string) {
			fmt.Println(msg)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	fmt.Printf("You are %s (%s). Type help for commands.\n", a.Nickname, a.ID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigs:
			fmt.Println("exiting...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, a, line); quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, a *app.App, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "peers":
		printPeers(a)
	case "connect":
		if len(args) != 1 {
			fmt.Println("usage: connect <ID>")
			return false
		}
		if err := a.Connect(ctx, strings.ToUpper(args[0])); err != nil {
			fmt.Println("connect failed:", err)
		}
	case "accept":
		if err := a.Machine.Accept(); err != nil {
			fmt.Println(err)
		}
	case "reject":
		if err := a.Machine.Reject(); err != nil {
			fmt.Println(err)
		}
	case "send":
		if len(args) != 1 {
			fmt.Println("usage: send <path>")
			return false
		}
		sendFile(a, args[0])
	case "keep", "shrink":
		resolvePending(a, cmd == "shrink")
	case "transfers":
		printTransfers(a)
	case "mesh":
		if err := a.Mesh.Toggle(); err != nil {
			fmt.Println(err)
		} else if a.Mesh.Active() {
			fmt.Println("mesh surface on")
		} else {
			fmt.Println("mesh surface off")
		}
	case "disconnect":
		a.Machine.Disconnect()
	case "quit", "exit":
		fmt.Println("exiting...")
		return true
	default:
		fmt.Println("unknown command, type help")
	}
	return false
}

func printHelp() {
	fmt.Println(`commands:
  peers               list peers on the radar
  connect <ID>        request a session with a peer
  accept / reject     answer an incoming request
  send <path>         send a file to the connected peer
  keep / shrink       resolve a pending large-image send
  transfers           list transfers in this session
  mesh                toggle the shared mesh surface
  disconnect          end the session
  quit                leave`)
}

func printPeers(a *app.App) {
	var peers []presence.Peer
	if a.Presence != nil {
		peers = a.Presence.Snapshot()
	}
	if len(peers) == 0 {
		fmt.Println("nobody on the radar")
		return
	}
	for _, p := range peers {
		fmt.Printf("  %s  %-15s %s\n", p.ID, p.Nickname, p.Platform)
	}
}

func printTransfers(a *app.App) {
	recs := a.Transfers.Records()
	if len(recs) == 0 {
		fmt.Println("no transfers yet")
		return
	}
	for _, r := range recs {
		arrow := "->"
		if r.Direction == transfer.Incoming {
			arrow = "<-"
		}
		fmt.Printf("  %s %-20s %3d%%  %d bytes\n", arrow, r.Name, r.Progress, r.Size)
	}
}

func sendFile(a *app.App, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Println("cannot open file:", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Println("cannot stat file:", err)
		return
	}

	name := filepath.Base(path)
	bar := progressbar.DefaultBytes(info.Size(), "reading "+name)
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		fmt.Println("read failed:", err)
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, suspended, err := a.Transfers.Send(name, mimeType, buf.Bytes())
	if err != nil {
		fmt.Println("send failed:", err)
		return
	}
	if suspended {
		fmt.Printf("%s is a large image. Type shrink to compress or keep to send as is.\n", name)
	}
}

// resolvePending answers the newest pending large-image prompt. The
// interactive flow only ever has one outstanding at a time.
func resolvePending(a *app.App, compress bool) {
	id, ok := a.Transfers.PendingID()
	if !ok {
		fmt.Println("nothing pending")
		return
	}
	if err := a.Transfers.Resolve(id, compress); err != nil {
		fmt.Println(err)
	}
}
