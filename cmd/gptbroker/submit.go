package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/broker"
	"github.com/pario-ai/gptbroker/pkg/models"
)

func newSubmitCmd(load configLoader) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a request to a running broker",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "maximum time to wait for the result")

	run := func(req models.Request) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		res, err := broker.NewClient(cfg.Socket).Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Print(formatResult(res))
		return nil
	}

	var (
		model  string
		system string
		limit  uint32
	)
	chatCmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Request a chat completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return run(models.ChatCompletionRequest{
				ModelName:            model,
				SystemText:           system,
				PromptText:           prompt,
				CompletionTokenLimit: limit,
			})
		},
	}
	chatCmd.Flags().StringVar(&model, "model", "gpt-3.5-turbo", "chat model")
	chatCmd.Flags().StringVar(&system, "system", "", "system instruction")
	chatCmd.Flags().Uint32Var(&limit, "limit", 256, "completion token limit")

	var textLimit uint32
	textCmd := &cobra.Command{
		Use:   "text [prompt]",
		Short: "Request a text completion from the configured text model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return run(models.TextCompletionRequest{
				PromptText:           prompt,
				CompletionTokenLimit: textLimit,
			})
		},
	}
	textCmd.Flags().Uint32Var(&textLimit, "limit", 256, "completion token limit")

	embedCmd := &cobra.Command{
		Use:   "embed <text>...",
		Short: "Request embeddings for one or more texts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(models.EmbeddingRequest{Texts: args})
		},
	}

	cmd.AddCommand(chatCmd, textCmd, embedCmd)
	return cmd
}

// promptArg returns the single positional argument, or stdin when absent.
func promptArg(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimRight(string(b), "\n")
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}

func formatResult(res models.Result) string {
	switch r := res.(type) {
	case models.ChatCompletionResult:
		return r.Text + "\n"
	case models.TextCompletionResult:
		return r.Text + "\n"
	case models.EmbeddingResult:
		var b strings.Builder
		for i, v := range r.Vectors {
			fmt.Fprintf(&b, "%d\t%d dims", i, len(v))
			if len(v) > 0 {
				n := min(len(v), 4)
				fmt.Fprintf(&b, "\t%v", v[:n])
				if n < len(v) {
					b.WriteString("...")
				}
			}
			b.WriteString("\n")
		}
		return b.String()
	default:
		return fmt.Sprintf("%v\n", res)
	}
}
