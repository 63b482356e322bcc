package main

import (
	"fmt"
	"os"

	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"
	"meetgo/backend/internal/models"
	"meetgo/backend/internal/session"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
)

var (
	accent  = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	successStyle = lipgloss.NewStyle().Foreground(success)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	meStyle      = lipgloss.NewStyle().Foreground(accent).Bold(true)
	nameStyle    = lipgloss.NewStyle().Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 2)
)

const helpText = `/mic     toggle microphone
/cam     toggle camera
/share   start or stop screen sharing
/roster  show who is in the room
/chat    send a message (plain text works too)
/leave   leave the room`

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+msg))
}

func printWarning(msg string) {
	fmt.Println(warningStyle.Render("! " + msg))
}

func printInfo(msg string) {
	fmt.Println(mutedStyle.Render(msg))
}

func printHelp() {
	fmt.Println(mutedStyle.Render(helpText))
}

func printJoined(sess *session.Session) {
	cfg := sess.Config()
	body := fmt.Sprintf("%s\n%s\n\n%s",
		titleStyle.Render("Joined "+cfg.RoomID),
		mutedStyle.Render(fmt.Sprintf("as %s, %d in the room", cfg.Username, sess.UserCount())),
		mutedStyle.Render("type /help for commands"),
	)
	fmt.Println(boxStyle.Render(body))
}

func printChat(e session.ChatEntry) {
	who := nameStyle.Render(e.Username)
	if e.IsMe {
		who = meStyle.Render("you")
	}
	fmt.Printf("%s %s: %s\n", mutedStyle.Render(e.Timestamp), who, e.Message)
}

func printLink(l mesh.Link) {
	label := fmt.Sprintf("%s (%s) %s", l.Username, l.PeerID, l.State)
	switch l.State {
	case mesh.StateConnected:
		fmt.Println(successStyle.Render("● " + label))
	case mesh.StateError:
		fmt.Println(errorStyle.Render("● " + label))
	case mesh.StateClosed:
		fmt.Println(mutedStyle.Render("○ " + label))
	default:
		fmt.Println(mutedStyle.Render("◌ " + label))
	}
}

func printMediaState(st media.State) {
	onOff := func(b bool) string {
		if b {
			return successStyle.Render("on")
		}
		return warningStyle.Render("off")
	}
	fmt.Printf("mic %s  camera %s  screen %s\n", onOff(st.MicEnabled), onOff(st.CameraEnabled), onOff(st.ScreenSharing))
}

func renderRoster(users []models.RoomUser, states map[string]mesh.State, total int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Connection", "Link"})
	for _, u := range users {
		link := "absent"
		if st, ok := states[u.SocketID]; ok {
			link = st.String()
		}
		t.AppendRow(table.Row{u.Username, u.SocketID, link})
	}
	t.AppendFooter(table.Row{"", "Users", total})
	t.Render()
}
