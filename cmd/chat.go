package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/agents/orchestrator"
)

const (
	welcomeQuery  = "Please welcome me, and show me some available products and category."
	confirmPrompt = "Are you sure about that? Type 'y' to continue; otherwise, explain your requested change."
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant in the terminal",
	RunE:  runChatCmd,
}

func init() {
	chatCmd.Flags().String("session", "", "resume an existing session id instead of starting a new one")
	chatCmd.Flags().Bool("no-welcome", false, "skip the initial welcome query")
}

type chatService interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Outcome, error)
	Resume(ctx context.Context, sessionID string, decision orchestrator.Decision) (orchestrator.Outcome, error)
	Retry(ctx context.Context, sessionID string) (orchestrator.Outcome, error)
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// keep the transcript readable, logs go to stderr
	log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if log.Logger.GetLevel() < zerolog.WarnLevel {
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	noWelcome, _ := cmd.Flags().GetBool("no-welcome")

	return runChat(ctx, a.orchestrator, cmd.InOrStdin(), cmd.OutOrStdout(), sessionID, !noWelcome)
}

// runChat drives an interactive session: plain lines are user messages, "retry" re-drives an
// interrupted turn, "exit" quits. A suspended action is approved with "y"; any other reply
// rejects it and is passed on as the reason.
func runChat(ctx context.Context, svc chatService, in io.Reader, out io.Writer, sessionID string, welcome bool) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "Session %s\n", sessionID)

	if welcome {
		fmt.Fprintln(out, "Please wait for initialization")
		if err := converse(ctx, svc, scanner, out, sessionID, func() (orchestrator.Outcome, error) {
			return svc.HandleMessage(ctx, sessionID, welcomeQuery)
		}); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nType your question below (or type 'exit' to end):")
	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.EqualFold(line, "exit"):
			fmt.Fprintln(out, "Ending session. Thank you for using the shopping assistant!")
			return nil
		case strings.EqualFold(line, "retry"):
			if err := converse(ctx, svc, scanner, out, sessionID, func() (orchestrator.Outcome, error) {
				return svc.Retry(ctx, sessionID)
			}); err != nil {
				return err
			}
		default:
			if err := converse(ctx, svc, scanner, out, sessionID, func() (orchestrator.Outcome, error) {
				return svc.HandleMessage(ctx, sessionID, line)
			}); err != nil {
				return err
			}
		}
	}
}

// converse runs one turn and keeps asking for decisions while it stays suspended.
// Recoverable turn errors are printed; only a closed input or cancelled context ends the chat.
func converse(
	ctx context.Context,
	svc chatService,
	scanner *bufio.Scanner,
	out io.Writer,
	sessionID string,
	step func() (orchestrator.Outcome, error),
) error {
	for {
		outcome, err := step()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			printTurnError(out, err)
			return nil
		}

		if outcome.Kind == orchestrator.OutcomeAnswered {
			fmt.Fprintf(out, "\nAssistant: %s\n", outcome.Text)
			return nil
		}

		fmt.Fprintf(out, "\nThe assistant wants to run %s %v\n%s\n", outcome.ActionName, outcome.Arguments, confirmPrompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		reply := strings.TrimSpace(scanner.Text())
		decision := orchestrator.Approve()
		if reply != "y" {
			decision = orchestrator.Reject(reply)
		}
		step = func() (orchestrator.Outcome, error) {
			return svc.Resume(ctx, sessionID, decision)
		}
	}
}

func printTurnError(out io.Writer, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrModelUnavailable):
		fmt.Fprintln(out, "\nThe assistant is unavailable right now. Type 'retry' to try again.")
	case errors.Is(err, orchestrator.ErrTurnIncomplete):
		fmt.Fprintln(out, "\nThe previous turn did not finish. Type 'retry' to continue it.")
	case errors.Is(err, orchestrator.ErrNothingToRetry):
		fmt.Fprintln(out, "\nThere is nothing to retry.")
	default:
		fmt.Fprintf(out, "\nError: %v\n", err)
	}
}
