package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/taskchat/internal/channel"
	"github.com/4xmen/taskchat/internal/chatsync"
	"github.com/4xmen/taskchat/internal/reconcile"
	"github.com/4xmen/taskchat/pkg/config"
)

const defaultSendTimeout = 10 * time.Second

type sendOptions struct {
	To      int
	Message string
	Temp    bool
	Timeout time.Duration
}

func parseSendArgs(args []string) (sendOptions, error) {
	opts := sendOptions{Timeout: defaultSendTimeout}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--to":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--to requires a user id")
			}
			id, err := strconv.Atoi(args[i])
			if err != nil || id <= 0 {
				return opts, fmt.Errorf("invalid user id: %s", args[i])
			}
			opts.To = id
		case "--message", "-m":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--message requires a value")
			}
			opts.Message = args[i]
		case "--temp":
			opts.Temp = true
		case "--timeout":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--timeout requires a duration")
			}
			d, err := time.ParseDuration(args[i])
			if err != nil || d <= 0 {
				return opts, fmt.Errorf("invalid timeout: %s", args[i])
			}
			opts.Timeout = d
		default:
			return opts, fmt.Errorf("unknown send flag: %s", args[i])
		}
	}

	if opts.To == 0 {
		return opts, fmt.Errorf("--to is required")
	}
	if strings.TrimSpace(opts.Message) == "" {
		return opts, fmt.Errorf("--message cannot be empty")
	}
	return opts, nil
}

func runSend(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer, args []string) error {
	opts, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	if cfg.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is not set")
	}

	self, err := channel.Identity(cfg.AuthToken)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	mgr := channel.New(cfg.ServerURL, channel.WithLogger(logger))
	defer mgr.Close()
	client := chatsync.New(mgr, self, chatsync.WithLogger(logger))
	go client.Run(ctx)

	if _, err := mgr.Connect(ctx, cfg.AuthToken); err != nil {
		return err
	}

	return sendOnce(ctx, client, out, opts)
}

// sendOnce waits for the connection, sends one message and returns once
// the server has echoed it back.
func sendOnce(ctx context.Context, client *chatsync.Client, out io.Writer, opts sendOptions) error {
	var roomID, tempID string
	updates := client.Updates()

	for {
		select {
		case <-ctx.Done():
			if tempID != "" {
				return fmt.Errorf("message %s not confirmed: %w", tempID, ctx.Err())
			}
			return fmt.Errorf("not connected: %w", ctx.Err())
		case u := <-updates:
			switch u.Kind {
			case chatsync.ServerErrored:
				if u.Err != nil {
					return u.Err
				}
				return errors.New("server error")
			case chatsync.Disconnected:
				return errors.New("connection lost")
			case chatsync.Connected:
				if tempID != "" {
					continue
				}
				var err error
				roomID, err = client.OpenDirect(opts.To)
				if err != nil {
					return err
				}
				sent, err := client.SendText(roomID, opts.Message, reconcile.SendOptions{Temp: opts.Temp})
				if err != nil {
					return err
				}
				tempID = string(sent.ID)
			case chatsync.MessagesChanged:
				if tempID == "" || u.RoomID != roomID {
					continue
				}
				for _, m := range client.Messages(roomID) {
					if string(m.TempID) == tempID && m.Confirmed {
						fmt.Fprintf(out, "Delivered to %s (id %s)\n", roomID, m.ID)
						return nil
					}
				}
			}
		}
	}
}
