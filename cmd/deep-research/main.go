package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/client"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	serverURL     string
	topic         string
	skipQuestions bool
	verbose       bool
)

func main() {
	// A missing .env is fine as long as the environment is set.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "deep-research",
		Short: "A terminal client for the deep-research server",
		Long:  `deep-research asks a deep-research server for clarifying questions, collects your answers and follows the research stream until the report is ready.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "Base URL of the deep-research server")
	rootCmd.PersistentFlags().StringVarP(&topic, "topic", "t", "", "The research topic")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log skipped stream records and other diagnostics")

	questionsCmd := &cobra.Command{
		Use:   "questions",
		Short: "Print clarifying questions for a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTopic(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			questions, err := client.New(serverURL).GenerateQuestions(cmd.Context(), t)
			if err != nil {
				return err
			}
			for i, q := range questions {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, q.Text)
			}
			return nil
		},
	}

	researchCmd := &cobra.Command{
		Use:   "research",
		Short: "Research a topic and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			t, err := readTopic(in, out)
			if err != nil {
				return err
			}
			c := client.New(serverURL)

			var clarifications []research.Clarification
			if !skipQuestions {
				questions, err := c.GenerateQuestions(cmd.Context(), t)
				if err != nil {
					return err
				}
				clarifications = askQuestions(in, out, questions)
			}

			r := newRenderer(out)
			session := client.NewSession(t)
			session.OnChange = r.OnChange

			state, err := c.Research(cmd.Context(), t, clarifications, session)
			printReport(out, state)
			if err != nil {
				return err
			}
			if state.Phase == client.PhaseError {
				return errors.New("research ended with an error")
			}
			return nil
		},
	}
	researchCmd.Flags().BoolVar(&skipQuestions, "skip-questions", false, "Research the topic without clarifying questions")

	rootCmd.AddCommand(questionsCmd, researchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func defaultServerURL() string {
	if v := os.Getenv("DEEP_RESEARCH_URL"); v != "" {
		return v
	}
	return "http://localhost:8081"
}

// readTopic uses the --topic flag, or asks for a topic when it is empty.
func readTopic(in io.Reader, out io.Writer) (string, error) {
	if t := strings.TrimSpace(topic); t != "" {
		return t, nil
	}
	fmt.Fprint(out, "Enter research topic: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	t := strings.TrimSpace(line)
	if t == "" {
		return "", errors.New("topic cannot be empty")
	}
	return t, nil
}

// askQuestions prompts for each question in turn. An empty answer skips
// the question's answer but keeps the question.
func askQuestions(in *bufio.Reader, out io.Writer, questions []research.Question) []research.Clarification {
	clarifications := make([]research.Clarification, 0, len(questions))
	if len(questions) > 0 {
		fmt.Fprintln(out, "Answer the questions below, or press enter to skip one.")
	}
	for i, q := range questions {
		fmt.Fprintf(out, "%d. %s\n> ", i+1, q.Text)
		line, err := in.ReadString('\n')
		clarifications = append(clarifications, research.Clarification{
			ID:     q.ID,
			Text:   q.Text,
			Answer: strings.TrimSpace(line),
		})
		if err != nil {
			// Out of input: the remaining questions go unanswered.
			for _, rest := range questions[i+1:] {
				clarifications = append(clarifications, research.Clarification{ID: rest.ID, Text: rest.Text})
			}
			break
		}
	}
	return clarifications
}
