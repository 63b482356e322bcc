package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"
	"meetgo/backend/internal/rtc"
	"meetgo/backend/internal/session"
	"meetgo/backend/internal/signaling"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagRoom     string
	flagName     string
	flagPassword string
	flagLogLevel string
	flagTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "meet",
	Short: "Join mesh video rooms from the terminal",
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until you leave",
	Long: `Join a room on a signaling server and open a peer link to every member.

Examples:
  meet join --room standup --name alice
  meet join --server https://meet.example.com --room private --name bob --password secret

Environment:
  MEET_SERVER, MEET_NAME and MEET_PASSWORD are used when the flags are not set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context())
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagServer, "server", "s", envOr("MEET_SERVER", "localhost"+config.DefaultServerAddr), "signaling server address")
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room id")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", os.Getenv("MEET_NAME"), "display name")
	joinCmd.Flags().StringVarP(&flagPassword, "password", "p", os.Getenv("MEET_PASSWORD"), "room password")
	joinCmd.Flags().DurationVar(&flagTimeout, "timeout", config.JoinTimeout, "how long to wait for admission")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level")
	_ = joinCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(joinCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func runJoin(ctx context.Context) error {
	logging.Init(logging.Config{Level: flagLogLevel, Pretty: true, ServiceName: "meetgo-client"})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ice, err := signaling.FetchICEServers(ctx, flagServer)
	if err != nil {
		printWarning(fmt.Sprintf("using default STUN server: %v", err))
		ice = []config.ICEServer{{URLs: []string{config.DefaultSTUNServer}}}
	}

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}
	streamID := strings.TrimSpace(flagName)
	mic, err := rtc.NewLocalTrack(media.KindAudio, streamID)
	if err != nil {
		return err
	}
	camera, err := rtc.NewLocalTrack(media.KindVideo, streamID)
	if err != nil {
		return err
	}
	ctrl := media.NewController(mic, camera, &rtc.DisplayCapturer{StreamID: streamID},
		media.WithObserver(printMediaState))

	transport, err := signaling.Dial(ctx, flagServer, nil)
	if err != nil {
		ctrl.Release()
		return err
	}

	sess := session.New(session.Config{
		RoomID:      flagRoom,
		Username:    flagName,
		Password:    flagPassword,
		JoinTimeout: flagTimeout,
	}, transport, ctrl, rtc.NewDialer(api, rtc.ICEServers(ice), ctrl),
		session.WithChatObserver(printChat),
		session.WithLinkObserver(printLink),
		session.WithDisconnectHandler(func(err error) {
			printError(err.Error())
			cancel()
		}),
	)
	defer sess.Leave()

	if err := sess.Join(ctx); err != nil {
		if errors.Is(err, session.ErrJoinRejected) {
			return fmt.Errorf("could not join %q: %w", flagRoom, err)
		}
		return err
	}
	printJoined(sess)

	lines := readLines(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleCommand(ctx, sess, line); done {
				return nil
			}
		}
	}
}

func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// handleCommand runs one input line and reports whether the user left.
func handleCommand(ctx context.Context, sess *session.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	verb, rest, _ := strings.Cut(line, " ")

	switch verb {
	case "/mic":
		sess.Media().ToggleMic()
	case "/cam":
		sess.Media().ToggleCamera()
	case "/share":
		sharing, err := sess.Media().ToggleScreenShare(ctx)
		if err != nil {
			printError(err.Error())
		} else if !sharing {
			printInfo("screen share stopped")
		}
	case "/roster":
		renderRoster(sess.Mesh().Roster(), linkStates(sess.Mesh().Links()), sess.UserCount())
	case "/leave", "/quit":
		return true
	case "/help":
		printHelp()
	default:
		text := line
		if verb == "/chat" {
			text = rest
		} else if strings.HasPrefix(verb, "/") {
			printWarning("unknown command " + verb)
			return false
		}
		if err := sess.SendChat(text); err != nil {
			printError(err.Error())
		}
	}
	return false
}

func linkStates(links []mesh.Link) map[string]mesh.State {
	out := make(map[string]mesh.State, len(links))
	for _, l := range links {
		out[l.PeerID] = l.State
	}
	return out
}
