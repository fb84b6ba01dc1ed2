package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kaden/internal/kaden/app"
	"github.com/bdobrica/Kaden/internal/kaden/pipeline"
)

// Exit codes of generate and validate.
const (
	exitFailed     = 1
	exitInvalid    = 2
	exitUnanswered = 3
)

func newGenerateCmd() *cobra.Command {
	var (
		preview   bool
		sessionID string
		alias     string
		locale    string
	)
	cmd := &cobra.Command{
		Use:   `generate "<request>"`,
		Short: "Create one automation from a sentence",
		Long: `Create one automation from a sentence. Follow-up questions are
answered on standard input; with --preview nothing is saved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Stop()

			out := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())
			text := strings.Join(args, " ")
			for {
				reply, err := a.Pipeline().HandleTurn(cmd.Context(), pipeline.Turn{
					SessionID: sessionID, Text: text, Locale: locale, Preview: preview, Alias: alias,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply.Text)

				switch reply.Kind {
				case pipeline.ReplyClarify:
					fmt.Fprint(out, "> ")
					if !in.Scan() {
						fmt.Fprintln(out)
						exit(exitUnanswered)
						return nil
					}
					text = in.Text()
					continue
				case pipeline.ReplyInvalid:
					exit(exitInvalid)
				case pipeline.ReplyFailed, pipeline.ReplyRateLimited:
					exit(exitFailed)
				}
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "validate and print the YAML without saving it")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "conversation id")
	cmd.Flags().StringVar(&alias, "alias", "", "name of the automation instead of the generated one")
	cmd.Flags().StringVar(&locale, "locale", "", "reply language, e.g. en or he (default: detected)")
	return cmd
}
