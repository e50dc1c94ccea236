package cli

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/platinummonkey/voicescribe/pkg/billing"
)

func newSignEventCommand() *Command {
	cmd := &Command{
		Name:        "sign-event",
		Description: "Sign a billing event payload, optionally posting it",
		Flags:       flag.NewFlagSet("sign-event", flag.ContinueOnError),
		Run:         runSignEvent,
	}
	cmd.Flags.String("secret", os.Getenv("VOICESCRIBE_BILLING_WEBHOOK_SECRET"), "Webhook signing secret")
	cmd.Flags.String("file", "-", "Event payload file (- for stdin)")
	cmd.Flags.String("post", "", "Deliver the signed event to this webhook URL")
	return cmd
}

// stdin is read when --file is "-". Tests replace it.
var stdin io.Reader = os.Stdin

func runSignEvent(args []string) error {
	cmd := newSignEventCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	secret := cmd.Flags.Lookup("secret").Value.String()
	if secret == "" {
		return fmt.Errorf("--secret is required")
	}

	payload, err := readPayload(cmd.Flags.Lookup("file").Value.String())
	if err != nil {
		return err
	}
	if _, err := billing.ParseEvent(payload); err != nil && !errors.Is(err, billing.ErrUnsupportedEvent) {
		return fmt.Errorf("payload is not a valid billing event: %w", err)
	}

	header := billing.Sign(secret, payload, time.Now())

	target := cmd.Flags.Lookup("post").Value.String()
	if target == "" {
		fmt.Fprintf(stdout, "%s: %s\n", billing.SignatureHeader, header)
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(billing.SignatureHeader, header)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(stdout, "%s\n%s\n", resp.Status, bytes.TrimSpace(body))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}
