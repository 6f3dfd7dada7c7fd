package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/streamclient"
)

func newChatCmd() *cobra.Command {
	var (
		cfgPath   string
		endpoint  string
		model     string
		imageURLs []string
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Chat with a relay server; reads prompts from stdin when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Client.Endpoint = endpoint
			}
			if model != "" {
				cfg.Client.Model = model
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}

			client, err := streamclient.New(cfg.Client.Endpoint, streamclient.WithLogger(slog.Default()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			conv := streamclient.NewConversation(client, cfg.Client.Model, cfg.Client.SystemPrompt,
				streamclient.WithFragmentHandler(func(fragment string) {
					fmt.Fprint(out, fragment)
				}),
			)

			if len(args) > 0 {
				return submit(cmd.Context(), conv, out, strings.Join(args, " "), imageURLs)
			}
			return repl(cmd.Context(), conv, cmd.InOrStdin(), out, imageURLs)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "relay /chat endpoint URL")
	cmd.Flags().StringVar(&model, "model", "", "model to request")
	cmd.Flags().StringSliceVar(&imageURLs, "image", nil, "image URL to attach to the first prompt (repeatable)")
	return cmd
}

func repl(ctx context.Context, conv *streamclient.Conversation, in io.Reader, out io.Writer, imageURLs []string) error {
	fmt.Fprintln(out, streamclient.Greeting)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			conv.Reset()
			fmt.Fprintln(out, streamclient.Greeting)
			continue
		}

		if err := submit(ctx, conv, out, line, imageURLs); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
		imageURLs = nil
	}
}

func submit(ctx context.Context, conv *streamclient.Conversation, out io.Writer, prompt string, imageURLs []string) error {
	err := conv.Submit(ctx, prompt, imageURLs...)
	fmt.Fprintln(out)
	return err
}
