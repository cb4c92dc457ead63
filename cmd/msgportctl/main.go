package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sambigeara/msgport/pkg/client"
	"github.com/sambigeara/msgport/pkg/workspace"
)

const dialTimeout = 5 * time.Second

var errConnClosed = errors.New("connection to msgportd closed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "msgportctl",
		Short:         "Inspect and talk to a running msgportd",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("socket", "", "Daemon socket (default from "+workspace.BusAddressEnv+")")

	checkCmd := &cobra.Command{
		Use:   "check <app-id> <port>",
		Short: "Report whether an application has registered a port",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runCheck,
	}
	checkCmd.Flags().Bool("trusted", false, "Look for the trusted port")

	propsCmd := &cobra.Command{
		Use:   "props <port-id>",
		Short: "Show the properties of a port",
		Args:  cobra.ExactArgs(1),
		RunE:  runProps,
	}

	sendCmd := &cobra.Command{
		Use:   "send <app-id> <port> [key=value...]",
		Short: "Send a message to a port",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  runSend,
	}
	sendCmd.Flags().Bool("trusted", false, "Send to the trusted port")
	sendCmd.Flags().String("reply-port", "", "Register this port and wait for one reply on it")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for a reply") //nolint:mnd

	listenCmd := &cobra.Command{
		Use:   "listen <port>",
		Short: "Register a port and print every message it receives",
		Args:  cobra.ExactArgs(1),
		RunE:  runListen,
	}
	listenCmd.Flags().Bool("trusted", false, "Register a trusted port")
	listenCmd.Flags().Bool("echo", false, "Reply to every message with its own payload")

	rootCmd.AddCommand(newStatusCmd(), checkCmd, propsCmd, sendCmd, listenCmd)
	return rootCmd
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")
	if socket == "" {
		var err error
		if socket, err = workspace.SocketPath(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	c, err := client.Dial(ctx, socket)
	if err != nil {
		return nil, fmt.Errorf("connect to msgportd at %s: %w", socket, err)
	}
	return c, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	trusted, _ := cmd.Flags().GetBool("trusted")

	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.CheckRemotePort(cmd.Context(), args[0], args[1], trusted)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s is registered as port %d\n", args[0], args[1], id)
	return nil
}

func runProps(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid port id %q", args[0])
	}

	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Properties(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:      %d\n", p.ID)
	fmt.Fprintf(out, "app:     %s\n", p.AppID)
	fmt.Fprintf(out, "name:    %s\n", p.Name)
	fmt.Fprintf(out, "trusted: %t\n", p.Trusted)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	trusted, _ := cmd.Flags().GetBool("trusted")
	replyPort, _ := cmd.Flags().GetString("reply-port")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	payload, err := parsePayload(args[2:])
	if err != nil {
		return err
	}

	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if replyPort == "" {
		return c.SendMessage(ctx, args[0], args[1], trusted, payload)
	}

	replies := make(chan client.Message, 1)
	from, err := c.RegisterPort(ctx, replyPort, false, func(_ context.Context, msg client.Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return err
	}
	if err := c.SendBidirectional(ctx, from, args[0], args[1], trusted, payload); err != nil {
		return err
	}

	select {
	case msg := <-replies:
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no reply on %s within %s", replyPort, timeout)
	case <-c.Done():
		return errConnClosed
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	trusted, _ := cmd.Flags().GetBool("trusted")
	echo, _ := cmd.Flags().GetBool("echo")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	id, err := c.RegisterPort(ctx, args[0], trusted, func(ctx context.Context, msg client.Message) {
		printMessage(out, msg)
		if echo && msg.Reply != nil {
			if err := c.Reply(ctx, msg, msg.Payload); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "reply: %v\n", err)
			}
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listening on %s/%s (port %d)\n", c.AppID(), args[0], id)

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return errConnClosed
	}
}

// parsePayload turns key=value arguments into a message payload.
func parsePayload(args []string) (map[string]string, error) {
	payload := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("payload entry %q is not key=value", arg)
		}
		payload[k] = v
	}
	return payload, nil
}

func printMessage(w io.Writer, msg client.Message) {
	from := "anonymous"
	if msg.Reply != nil {
		from = msg.Reply.AppID + "/" + msg.Reply.Port
	}
	fmt.Fprintf(w, "[%s] from %s:", msg.PortName, from)

	keys := make([]string, 0, len(msg.Payload))
	for k := range msg.Payload {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%s", k, msg.Payload[k])
	}
	fmt.Fprintln(w)
}
