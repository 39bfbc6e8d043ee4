// Package tui renders one negotiation in the terminal: the offer history,
// the current status with a waiting indicator, the final price once agreed
// and an input for the next offer.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/negotiation"
)

// Negotiator is the orchestrator surface the widget drives.
// *negotiation.Orchestrator satisfies this interface.
type Negotiator interface {
	ProposePrice(ctx context.Context, amount float64) error
	CurrentState() negotiation.Snapshot
	OnStateChange(fn func(negotiation.Snapshot)) func()
}

// StateChangedMsg is delivered when the orchestrator state changed.
type StateChangedMsg struct{}

type proposeDoneMsg struct{ err error }

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	buyerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	sellerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	statusStyle  = lipgloss.NewStyle().Faint(true)
	dealStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
	historyFrame = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Model is the bubbletea model of the negotiation widget.
type Model struct {
	ctx        context.Context
	negotiator Negotiator
	title      string
	keys       KeyMap

	input   textinput.Model
	spinner spinner.Model

	changed     chan struct{}
	unsubscribe func()

	state negotiation.Snapshot
	busy  bool
	err   error
}

// New builds the widget for an orchestrator that already has a product
// open. ctx bounds every offer submitted from the widget.
func New(ctx context.Context, n Negotiator, title string) *Model {
	ti := textinput.New()
	ti.Placeholder = "your offer, e.g. 45000"
	ti.Prompt = "> "
	ti.CharLimit = 32
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		ctx:        ctx,
		negotiator: n,
		title:      title,
		keys:       DefaultKeyMap(),
		input:      ti,
		spinner:    sp,
		changed:    make(chan struct{}, 1),
		state:      n.CurrentState(),
	}

	// Listeners run under the orchestrator lock: only signal here and read
	// the state back from the bubbletea loop.
	m.unsubscribe = n.OnStateChange(func(negotiation.Snapshot) {
		select {
		case m.changed <- struct{}{}:
		default:
		}
	})
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForChange())
}

func (m *Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changed:
			return StateChangedMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) propose(amount float64) tea.Cmd {
	return func() tea.Msg {
		return proposeDoneMsg{err: m.negotiator.ProposePrice(m.ctx, amount)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.unsubscribe()
			return m, tea.Quit

		case key.Matches(msg, m.keys.Submit):
			if m.busy || m.state.Status.Terminal() {
				return m, nil
			}
			amount, err := negotiation.ParseAmount(m.input.Value())
			if err != nil {
				m.err = err
				return m, nil
			}
			m.err = nil
			m.busy = true
			m.input.Reset()
			return m, m.propose(amount)
		}

	case StateChangedMsg:
		m.state = m.negotiator.CurrentState()
		return m, m.waitForChange()

	case proposeDoneMsg:
		m.busy = false
		m.err = msg.err
		m.state = m.negotiator.CurrentState()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  (list price %s)", m.title, formatPrice(m.state.OriginalPrice))))
	b.WriteString("\n")

	if len(m.state.History) > 0 {
		lines := make([]string, 0, len(m.state.History))
		for _, o := range m.state.History {
			lines = append(lines, historyLine(o))
		}
		b.WriteString(historyFrame.Render(strings.Join(lines, "\n")))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")

	if m.state.Notice != "" {
		b.WriteString(errorStyle.Render("Your last offer was not taken: " + m.state.Notice))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(errorText(m.err)))
		b.WriteString("\n")
	}

	if !m.state.Status.Terminal() {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(helpText(m.keys, m.state.Status.Terminal())))
	return b.String()
}

func (m *Model) statusLine() string {
	switch {
	case m.state.Status == domain.StatusAccepted && m.state.FinalPrice != nil:
		return dealStyle.Render("Deal! Final price " + formatPrice(*m.state.FinalPrice))
	case m.state.Status == domain.StatusRejected:
		return errorStyle.Render("The seller declined. This negotiation is over.")
	case m.state.Pending() || m.busy:
		return m.spinner.View() + statusStyle.Render(" waiting for the seller...")
	case m.state.Status == domain.StatusErrored:
		return errorStyle.Render("Session expired. Sign in again to continue.")
	case m.state.Status == domain.StatusCountered:
		return statusStyle.Render("The seller countered. Make your next offer.")
	default:
		return statusStyle.Render("Make your first offer.")
	}
}

func historyLine(o domain.Offer) string {
	who, style := "Seller", sellerStyle
	if o.Origin == domain.OriginBuyer {
		who, style = "You", buyerStyle
	}

	parts := []string{style.Render(who + ":")}
	if o.HasAmount() {
		parts = append(parts, formatPrice(o.Amount))
	}
	if o.Message != "" {
		parts = append(parts, "\""+o.Message+"\"")
	}
	return strings.Join(parts, " ")
}

func errorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidOffer):
		return "Enter a positive amount."
	case errors.Is(err, negotiation.ErrAwaitingResponse):
		return "Wait for the seller to answer first."
	case errors.Is(err, negotiation.ErrSessionErrored):
		return "Your session expired. Restart to negotiate again."
	case errors.Is(err, domain.ErrAuthentication):
		return "Not signed in."
	case errors.Is(err, domain.ErrServiceUnavailable):
		return "The service is unavailable. Try again."
	case errors.Is(err, domain.ErrNotFound):
		return "This product is no longer available."
	default:
		return err.Error()
	}
}

func helpText(k KeyMap, terminal bool) string {
	if terminal {
		return k.Quit.Help().Key + " " + k.Quit.Help().Desc
	}
	return k.Submit.Help().Key + " " + k.Submit.Help().Desc + " | " + k.Quit.Help().Key + " " + k.Quit.Help().Desc
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
