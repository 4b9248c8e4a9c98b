package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/muesli/termenv"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// SimulatorEngine is what the simulator drives.
type SimulatorEngine interface {
	ports.FlowEngine
	Runs() ports.RunStore
}

// Simulator plays a flow in the console as a single contact: outgoing
// messages are printed and each line typed is sent back as a message.
type Simulator struct {
	engine  SimulatorEngine
	in      *bufio.Scanner
	out     *termenv.Output
	profile termenv.Profile
	contact string
	prompt  bool
	now     func() time.Time
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithContact sets the simulated contact UUID.
func WithContact(contactUUID string) SimulatorOption {
	return func(s *Simulator) { s.contact = contactUUID }
}

// WithPrompt prints a "> " prompt before each read.
func WithPrompt(prompt bool) SimulatorOption {
	return func(s *Simulator) { s.prompt = prompt }
}

// WithProfile sets the color profile; termenv.Ascii disables colors.
func WithProfile(profile termenv.Profile) SimulatorOption {
	return func(s *Simulator) { s.profile = profile }
}

// NewSimulator reads replies from in and writes the conversation to out.
func NewSimulator(engine SimulatorEngine, in io.Reader, out io.Writer, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		engine:  engine,
		in:      bufio.NewScanner(in),
		profile: termenv.Ascii,
		contact: uuid.NewString(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.out = termenv.NewOutput(out, termenv.WithProfile(s.profile))
	return s
}

// Output is where the conversation is written.
func (s *Simulator) Output() *termenv.Output {
	return s.out
}

// Run starts the contact in flowUUID and converses until the contact has
// no active run, the input ends, or "exit" is typed.
func (s *Simulator) Run(ctx context.Context, flowUUID string) error {
	out, err := s.engine.Start(ctx, domain.StartRequest{FlowUUID: flowUUID, ContactUUID: s.contact, Restart: true})
	if err != nil {
		return err
	}
	s.render(out)

	for {
		active, err := s.engine.Runs().ActiveForContact(ctx, s.contact)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			s.system("flow finished")
			return nil
		}

		if s.prompt {
			fmt.Fprint(s.out, "> ")
		}
		if !s.in.Scan() {
			if err := s.in.Err(); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
		text := strings.TrimSpace(s.in.Text())
		if text == "exit" || text == "quit" {
			s.system("bye")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		out, err = s.engine.Handle(ctx, domain.Event{
			UUID:        uuid.NewString(),
			Type:        domain.EventMsg,
			ContactUUID: s.contact,
			Text:        text,
			CreatedOn:   s.now(),
		})
		if err != nil {
			return err
		}
		if !out.Handled {
			s.system("message not handled")
		}
		s.render(out)
	}
}

func (s *Simulator) render(out *domain.Outcome) {
	for _, action := range out.Actions {
		if msg, ok := action.Payload.(domain.MsgOut); ok && action.Type == domain.ActionSendMsg {
			fmt.Fprintln(s.out, s.out.String(msg.Text).Foreground(s.out.Color("#818cf8")).Bold())
			continue
		}
		fmt.Fprintln(s.out, s.out.String("["+action.Type+"]").Faint())
	}
}

func (s *Simulator) system(format string, args ...any) {
	fmt.Fprintln(s.out, s.out.String(">>> "+fmt.Sprintf(format, args...)).Faint())
}
