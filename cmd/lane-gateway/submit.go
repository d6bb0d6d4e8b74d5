// ABOUTME: The submit command posts a run to a gateway and optionally waits on it
// ABOUTME: Exits non-zero when a waited run ends in error or times out

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/lane-gateway/internal/agent"
)

type submitOptions struct {
	session        string
	body           string
	lane           string
	idempotencyKey string
	channel        string
	wait           bool
	timeout        time.Duration
}

func newSubmitCmd(configPath *string) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromConfig(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			return runSubmit(cmd, c, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.session, "session", "s", "", "session key (required)")
	cmd.Flags().StringVarP(&opts.body, "body", "b", "", "message body (required)")
	cmd.Flags().StringVar(&opts.lane, "lane", "", "global lane (default from gateway config)")
	cmd.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "reuse the run accepted under this key")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "originating channel")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait with --wait")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func runSubmit(cmd *cobra.Command, c *client, opts *submitOptions) error {
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	accepted, err := c.submit(ctx, &agent.Request{
		SessionKey:     opts.session,
		Body:           opts.body,
		Lane:           opts.lane,
		IdempotencyKey: opts.idempotencyKey,
		Channel:        opts.channel,
	})
	cancel()
	if err != nil {
		return err
	}

	if accepted.Cached {
		fmt.Fprintf(out, "run %s (cached)\n", accepted.RunID)
	} else {
		fmt.Fprintf(out, "run %s accepted\n", accepted.RunID)
	}
	if !opts.wait {
		return nil
	}

	result, err := c.wait(cmd.Context(), accepted.RunID, opts.timeout)
	if err != nil {
		return err
	}
	printWait(out, result)

	switch result.Status {
	case "ok":
		return nil
	case "timeout":
		return errors.New("run did not finish before --timeout")
	default:
		return fmt.Errorf("run finished with status %s", result.Status)
	}
}
