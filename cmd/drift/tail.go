package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/drift/pkg/feed"
	"github.com/hyperengineering/drift/pkg/syncfeed"
)

var tailCmd = &cobra.Command{
	Use:   "tail <feed-url>",
	Short: "Follow a drift change feed and print each message",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

var tailInterval time.Duration

func init() {
	tailCmd.Flags().DurationVar(&tailInterval, "interval", 2*time.Second, "poll interval once caught up")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	client := feed.New(args[0], os.Getenv("DRIFT_API_KEY"),
		feed.WithPollInterval(tailInterval))

	if err := client.Ping(); err != nil {
		return fmt.Errorf("feed unreachable: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	unsubscribe, err := client.Subscribe(func(m syncfeed.Message) {
		if err := enc.Encode(m); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	return nil
}
