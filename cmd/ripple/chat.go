package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ripple "github.com/ripplechat/ripple-go"
)

var chatDebug bool

func init() {
	chatCmd.Flags().BoolVar(&chatDebug, "debug", false, "write client diagnostics to ripple-debug.log")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <chat-id>",
	Short: "Open an interactive chat session",
	Long:  "Connect to a chat and exchange messages from the terminal.\nRequires auth.token and auth.user_id to be configured.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return fmt.Errorf("not logged in: set auth.token and auth.user_id first")
		}

		var opts []ripple.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, ripple.WithBaseURL(cfg.Default.BaseURL))
		}
		if chatDebug {
			zcfg := zap.NewDevelopmentConfig()
			zcfg.OutputPaths = []string{"ripple-debug.log"}
			zcfg.ErrorOutputPaths = []string{"ripple-debug.log"}
			log, err := zcfg.Build()
			if err != nil {
				return fmt.Errorf("cannot open debug log: %w", err)
			}
			defer log.Sync()
			opts = append(opts, ripple.WithLogger(log))
		}

		client := ripple.NewClient(opts...)
		presence := ripple.NewPresenceStore()
		creds := &ripple.StaticCredentials{
			SessionToken:  cfg.Auth.Token,
			CurrentUserID: cfg.Auth.UserID,
		}

		session := client.NewSession(chatID, creds, presence, nil)
		defer session.Stop()

		// A failed first dial is fine, the session keeps retrying while
		// the UI runs.
		_ = session.Start(context.Background())

		p := tea.NewProgram(newChatModel(session, cfg.Auth.Username), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("chat UI failed: %w", err)
		}
		return nil
	},
}

// ============================================================================
// Styles
// ============================================================================

var (
	accentColor = lipgloss.Color("#7C3AED")
	selfColor   = lipgloss.Color("#10B981")
	mutedColor  = lipgloss.Color("#9CA3AF")
	readColor   = lipgloss.Color("#38BDF8")

	chatHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	chatFooterStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	selfNameStyle  = lipgloss.NewStyle().Foreground(selfColor).Bold(true)
	otherNameStyle = lipgloss.NewStyle().Foreground(accentColor)
	timestampStyle = lipgloss.NewStyle().Foreground(mutedColor)
	typingStyle    = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	stateStyle     = lipgloss.NewStyle().Foreground(mutedColor)
	readTickStyle  = lipgloss.NewStyle().Foreground(readColor)
)

// ============================================================================
// Model
// ============================================================================

// pollInterval is how often the UI re-reads the session state. The session
// applies events on its own goroutines; the UI only ever takes snapshots.
const pollInterval = 250 * time.Millisecond

type pollMsg time.Time

type chatModel struct {
	session  *ripple.ChatSession
	username string

	input    textinput.Model
	viewport viewport.Model

	width  int
	height int
	ready  bool

	lastTypingSent time.Time
	lastCount      int
}

func newChatModel(session *ripple.ChatSession, username string) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000
	input.Width = 50
	input.Focus()

	return chatModel{
		session:  session,
		username: username,
		input:    input,
		viewport: viewport.New(80, 20),
	}
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, poll())
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.session.Stop()
			return m, tea.Quit
		case "enter":
			if content := strings.TrimSpace(m.input.Value()); content != "" {
				if _, err := m.session.SendText(content); err == nil {
					m.input.SetValue("")
					m.session.SendTyping(false)
					m.refresh()
				}
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		// Throttled typing signal while the input has content.
		if m.input.Value() != "" && time.Since(m.lastTypingSent) > 2*time.Second {
			m.lastTypingSent = time.Now()
			m.session.SendTyping(true)
		}
		return m, cmd

	case pollMsg:
		m.acknowledgeForeign()
		m.refresh()
		return m, poll()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(msg.Width, msg.Height-4)
		m.input.Width = msg.Width - 4
		m.ready = true
		m.refresh()
		return m, nil
	}

	return m, nil
}

// acknowledgeForeign sends a read receipt for every confirmed foreign
// message on screen. The session de-duplicates, so re-sending each poll is
// harmless.
func (m *chatModel) acknowledgeForeign() {
	for _, msg := range m.session.Timeline().Messages() {
		if !msg.Mine && msg.State >= ripple.StateSent {
			m.session.SendReadReceipt(msg.ID)
		}
	}
}

func (m *chatModel) refresh() {
	messages := m.session.Timeline().Messages()
	m.viewport.SetContent(m.renderMessages(messages))
	if len(messages) != m.lastCount {
		m.lastCount = len(messages)
		m.viewport.GotoBottom()
	}
}

func (m *chatModel) renderMessages(messages []ripple.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		name := msg.SenderID
		style := otherNameStyle
		if msg.Mine {
			name = m.username
			if name == "" {
				name = "you"
			}
			style = selfNameStyle
		}

		content := msg.Content
		if msg.Image != nil {
			content = "[image] " + msg.Image.Caption
		}

		line := fmt.Sprintf("%s %s: %s",
			timestampStyle.Render(msg.CreatedAt.Local().Format("15:04")),
			style.Render(name),
			content,
		)
		if msg.Mine {
			line += " " + deliveryTick(msg.State)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// deliveryTick renders the per-message delivery marker for own messages.
func deliveryTick(st ripple.DeliveryState) string {
	switch st {
	case ripple.StateSending:
		return stateStyle.Render("…")
	case ripple.StateSent:
		return stateStyle.Render("✓")
	case ripple.StateDelivered:
		return stateStyle.Render("✓✓")
	case ripple.StateRead:
		return readTickStyle.Render("✓✓")
	}
	return ""
}

func (m chatModel) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := chatHeaderStyle.Width(m.width - 2).Render(
		fmt.Sprintf("Ripple · %s · %s", m.session.ChatID(), m.session.State()))

	typingLine := ""
	if users := m.session.Presence().TypingUsers(m.session.ChatID()); len(users) > 0 {
		typingLine = typingStyle.Render(strings.Join(users, ", ") + " typing...")
	}

	footerContent := m.input.View()
	if typingLine != "" {
		footerContent = typingLine + "\n" + footerContent
	}
	footer := chatFooterStyle.Width(m.width - 2).Render(footerContent)

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), footer)
}
