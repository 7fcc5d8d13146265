package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/push"
)

func (c *cli) trackCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "track TICKET_ID",
		Short: "Follow the driver of a ticket until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if watch > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, watch)
				defer cancel()
			}

			state := mapstate.New()
			svc := c.client.NewTracking(state)
			defer svc.Close()

			updates := make(chan models.MapData, 16)
			stop := state.OnChange(func(d models.MapData) {
				select {
				case updates <- d:
				default:
				}
			})
			defer stop()

			sess, err := svc.Open(ctx, models.ID(args[0]))
			if err != nil {
				return err
			}
			if err := c.print(sess); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-updates:
					if d.Driver == nil {
						continue
					}
					line := fmt.Sprintf("driver at %.6f,%.6f", d.Driver.Location.Lat, d.Driver.Location.Lon)
					if est, err := svc.ETA(ctx); err == nil {
						line += fmt.Sprintf(" eta %s (%s)", (time.Duration(est.Seconds) * time.Second).Round(time.Second), est.Source)
					}
					fmt.Fprintln(c.out, line)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "for", 0, "stop after this long (0 follows until interrupted)")
	return cmd
}

func (c *cli) notifyCmd() *cobra.Command {
	var file, origin, brokers, topic, key string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a push notification payload for the agent to consume",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := push.ParseOrigin(origin)
			if err != nil {
				return err
			}
			payload, err := readPayload(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := push.Decode(payload)
			if err != nil {
				return err
			}
			list := splitBrokers(brokers)
			if len(list) == 0 {
				return errors.New("no kafka brokers: set --brokers or KAFKA_BROKERS")
			}
			if key == "" {
				key = m.OrderID.String()
			}
			pub := push.NewKafkaPublisher(list, topic)
			defer pub.Close()
			if err := pub.Publish(cmd.Context(), key, o, payload); err != nil {
				return fmt.Errorf("publish notification: %w", err)
			}
			fmt.Fprintf(c.out, "published %s notification to %s\n", orUnknown(m.Type), topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "payload file, - for stdin")
	cmd.Flags().StringVar(&origin, "origin", string(push.OriginForeground), "foreground, opened or initial")
	cmd.Flags().StringVar(&brokers, "brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated kafka brokers")
	cmd.Flags().StringVar(&topic, "topic", "rider-notifications", "notification topic")
	cmd.Flags().StringVar(&key, "key", "", "message key (defaults to the order id)")
	return cmd
}

func readPayload(file string, stdin io.Reader) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "untyped"
	}
	return s
}
