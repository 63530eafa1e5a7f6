// Package main is a line-oriented terminal front end for the hackmate client
// core: sign in, browse hackathons and chat in a team room.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/messaging"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/storage"
	"github.com/karthikraju391/hackmate/teamroom"
)

const help = `commands:
  login <email> <password>
  register <name> <email> <password>
  logout
  forgot <email>
  reset <reset-token> <new-password>
  list [status] [search...]
  show <hackathon-id>
  join <team-id>
  leave
  who
  quit
anything else is sent to the current room`

func main() {
	cfg, err := config.ParseClientFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := observability.New(os.Stderr, cfg.LogLevel)
	observability.SetDefault(logger)

	store, err := storage.OpenBolt(cfg.StorePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	client, err := teamroom.New(teamroom.Options{Config: cfg, Store: store, Logger: logger})
	if err != nil {
		log.Fatalf("build client: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("start client: %v", err)
	}
	if snap := client.Auth().Snapshot(); snap.User.ID != "" {
		fmt.Printf("signed in as %s\n", snap.User.Name)
	}

	unsub := client.Messages().OnChange(func(c messaging.Change) {
		if c.Kind == messaging.MessageAppended && c.Message.SenderID != "" {
			printMessage(os.Stdout, c.Message)
		}
	})
	defer unsub()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r := &repl{client: client, out: os.Stdout}
	fmt.Fprintln(r.out, help)
	for {
		select {
		case <-ctx.Done():
			r.leave()
			return
		case line, ok := <-lines:
			if !ok {
				r.leave()
				return
			}
			if !r.handle(ctx, line) {
				r.leave()
				return
			}
		}
	}
}

type repl struct {
	client *teamroom.Client
	out    io.Writer
	lease  *teamroom.Lease
}

// handle runs one input line and reports whether to keep going.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(r.out, help)
	case "login":
		if len(fields) != 3 {
			fmt.Fprintln(r.out, "usage: login <email> <password>")
			break
		}
		user, err := r.client.Auth().Login(ctx, fields[1], fields[2])
		r.report(err, "signed in as "+user.Name)
	case "register":
		if len(fields) != 4 {
			fmt.Fprintln(r.out, "usage: register <name> <email> <password>")
			break
		}
		user, err := r.client.Auth().Register(ctx, models.RegisterRequest{Name: fields[1], Email: fields[2], Password: fields[3]})
		r.report(err, "registered as "+user.Name)
	case "logout":
		r.leave()
		r.client.Auth().Logout(ctx)
		fmt.Fprintln(r.out, "signed out")
	case "forgot":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: forgot <email>")
			break
		}
		msg, err := r.client.Auth().ForgotPassword(ctx, fields[1])
		r.report(err, msg)
	case "reset":
		if len(fields) != 3 {
			fmt.Fprintln(r.out, "usage: reset <reset-token> <new-password>")
			break
		}
		msg, err := r.client.Auth().ResetPassword(ctx, fields[1], fields[2])
		r.report(err, msg)
	case "list":
		var filters models.HackathonFilters
		if len(fields) > 1 {
			filters.Status = fields[1]
		}
		if len(fields) > 2 {
			filters.Search = strings.Join(fields[2:], " ")
		}
		page, err := r.client.Listings().Hackathons(ctx, filters)
		if err != nil {
			r.report(err, "")
			break
		}
		for _, h := range page.Data {
			fmt.Fprintf(r.out, "%-20s %-18s %s (%s to %s)\n", h.ID, h.Status, h.Title, h.StartDate, h.EndDate)
		}
		fmt.Fprintf(r.out, "page %d of %d, %d total\n", page.CurrentPage, page.TotalPages, page.Total)
	case "show":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: show <hackathon-id>")
			break
		}
		h, err := r.client.Listings().Hackathon(ctx, fields[1])
		if err != nil {
			r.report(err, "")
			break
		}
		fmt.Fprintf(r.out, "%s\n  %s\n  %s, %s, team size up to %d\n", h.Title, h.Description, h.Status, h.Mode, h.MaxTeamSize)
	case "join":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: join <team-id>")
			break
		}
		r.leave()
		lease, err := r.client.EnterRoom(ctx, fields[1])
		if err != nil {
			r.report(err, "")
			break
		}
		r.lease = lease
		fmt.Fprintf(r.out, "in room %s\n", lease.TeamID())
	case "leave":
		r.leave()
	case "who":
		for _, m := range r.client.Messages().Roster() {
			fmt.Fprintf(r.out, "%s (%s)\n", m.UserID, m.Status)
		}
	default:
		if r.lease == nil {
			fmt.Fprintln(r.out, "join a room first")
			break
		}
		if _, err := r.lease.Send(line); err != nil {
			r.report(err, "")
		}
	}
	return true
}

func (r *repl) leave() {
	if r.lease != nil {
		r.lease.Leave()
		r.lease = nil
	}
}

func (r *repl) report(err error, ok string) {
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if ok != "" {
		fmt.Fprintln(r.out, ok)
	}
}

func printMessage(w io.Writer, m models.Message) {
	who := m.SenderAlias
	if who == "" {
		who = m.SenderID
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.SentAt.Format("15:04"), who, m.Text)
}
