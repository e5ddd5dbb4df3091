package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/pflag"

	"github.com/dkeye/pairline/internal/adapters/media"
	"github.com/dkeye/pairline/internal/adapters/rtc"
	"github.com/dkeye/pairline/internal/call"
	"github.com/dkeye/pairline/internal/client"
	"github.com/dkeye/pairline/internal/config"
	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/dispatch"
	"github.com/dkeye/pairline/internal/domain"
)

const usage = `commands:
  call <user> [video]   ring a user
  accept [video]        accept the pending invitation
  reject                decline the pending invitation
  hangup                end the current call
  mute                  toggle the microphone
  video                 toggle the camera
  msg <user> <text>     send a chat message
  users                 show who is online
  status                show call state
  quit`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.ClientFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.LoadClient(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	id := domain.UserID(cfg.UserID)
	if id == "" {
		id = domain.NewUserID()
	}
	name := cfg.Username
	if name == "" {
		name = string(id)
	}
	me, err := domain.NewUser(id, name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	factory, err := rtc.NewFactory(rtc.ConfigWithICEServers(cfg.ICEServers))
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	loop := dispatch.New()
	go loop.Run(ctx)

	tr := client.New(loop, client.Options{
		URL:      cfg.Server,
		UserID:   me.ID,
		Username: me.Username,
		Backoff:  client.Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax, Jitter: cfg.ReconnectJitter},
	})

	ui := &console{out: os.Stdout}
	var machine *call.Machine
	machine = call.New(loop, tr, media.NewUDPSource(media.Config{
		AudioAddr: cfg.AudioRTPAddr,
		VideoAddr: cfg.VideoRTPAddr,
	}), factory, call.Hooks{
		OnStateChange: func(s call.State) { ui.printf("call: %s", s) },
		OnIncomingCall: func(inv call.Invitation) {
			ui.printf("incoming call from %s (%s), video=%t; type accept or reject", inv.FromUsername, inv.From, inv.VideoEnabled)
			if cfg.AutoAccept {
				go func() {
					if err := machine.AcceptCall(ctx, inv.From, true); err != nil {
						ui.printf("auto-accept failed: %v", err)
					}
				}()
			}
		},
		OnInvitationCancelled: func(from domain.UserID) { ui.printf("%s hung up before you answered", from) },
		OnRejected:            func(by domain.UserID) { ui.printf("%s declined the call", by) },
		OnError: func(err error) {
			var mediaErr *core.MediaError
			if errors.As(err, &mediaErr) {
				ui.printf("call failed: %s", mediaErr.Reason.Guidance())
				return
			}
			ui.printf("call failed: %v", err)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			ui.printf("receiving %s", track.Kind())
			go discard(track)
		},
		OnDurationTick: func(s int) {
			if s%30 == 0 {
				ui.printf("in call %d:%02d", s/60, s%60)
			}
		},
		OnEnded: func(s int) { ui.printf("call ended after %d:%02d", s/60, s%60) },
	})

	tr.OnStatus(func(up bool) {
		if up {
			ui.printf("connected as %s (%s)", me.Username, me.ID)
		} else {
			ui.printf("disconnected, reconnecting")
		}
	})
	var online []domain.User
	tr.Subscribe(domain.TypeUsersUpdate, func(ev domain.Event) {
		online = ev.(*domain.UsersUpdate).Users
	})
	tr.Subscribe(domain.TypeSendMessage, func(ev domain.Event) {
		m := ev.(*domain.SendMessage)
		ui.printf("<%s> %s", m.FromUsername, m.Message)
	})

	machine.Start()
	tr.Connect(ctx)
	ui.printf("%s", usage)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			machine.Close()
			tr.Close()
			return
		case line, ok := <-lines:
			if !ok {
				cancel()
				continue
			}
			if quit := run(ctx, line, me, tr, machine, loop, &online, ui); quit {
				cancel()
			}
		}
	}
}

func run(ctx context.Context, line string, me *domain.User, tr *client.Transport, m *call.Machine, loop *dispatch.Loop, online *[]domain.User, ui *console) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	video := lo.Contains(fields[1:], "video")
	var err error
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			ui.printf("usage: call <user> [video]")
			return false
		}
		err = m.StartCall(ctx, domain.UserID(fields[1]), video)
	case "accept":
		inv, ok := m.Invitation()
		if !ok {
			err = call.ErrNoInvitation
			break
		}
		err = m.AcceptCall(ctx, inv.From, video)
	case "reject":
		inv, ok := m.Invitation()
		if !ok {
			err = call.ErrNoInvitation
			break
		}
		err = m.RejectCall(inv.From)
	case "hangup":
		m.EndCall()
	case "mute":
		var on bool
		if on, err = m.ToggleAudio(); err == nil {
			ui.printf("microphone on=%t", on)
		}
	case "video":
		var on bool
		if on, err = m.ToggleVideo(); err == nil {
			ui.printf("camera on=%t", on)
		}
	case "msg":
		if len(fields) < 3 {
			ui.printf("usage: msg <user> <text>")
			return false
		}
		err = tr.Send(&domain.SendMessage{
			FromUserID:   me.ID,
			FromUsername: me.Username,
			ToUserID:     domain.UserID(fields[1]),
			Message:      strings.Join(fields[2:], " "),
		})
	case "users":
		var users []domain.User
		loop.Do(func() { users = *online })
		for _, u := range users {
			ui.printf("  %s (%s)", u.Username, u.ID)
		}
	case "status":
		ui.printf("state=%s duration=%ds connected=%t", m.State(), m.Duration(), tr.Connected())
	case "quit", "exit":
		return true
	default:
		ui.printf("%s", usage)
	}
	if err != nil {
		ui.printf("error: %v", err)
	}
	return false
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func discard(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

type console struct {
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}
