// dispatchctl is a small operator tool around the dispatch client library:
// it tails the chat hub and drives offer/cluster actions against the backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ARCHER1511/techperts-dispatch/internal/chat"
	"github.com/ARCHER1511/techperts-dispatch/internal/config"
	"github.com/ARCHER1511/techperts-dispatch/internal/dispatch"
	"github.com/ARCHER1511/techperts-dispatch/internal/hub/socketio"
	"github.com/ARCHER1511/techperts-dispatch/internal/session"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
	"github.com/ARCHER1511/techperts-dispatch/pkg/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	if len(args) == 0 {
		printUsage()
		return nil
	}

	sess := buildSession(cfg)

	switch args[0] {
	case "offers":
		filter := dispatch.FilterAll
		if len(args) > 1 && args[1] == "pending" {
			filter = dispatch.FilterPending
		}
		return withCoordinator(cfg, sess, func(ctx context.Context, c *dispatch.Coordinator) error {
			offers, err := c.FetchOffers(ctx, filter)
			if err != nil {
				return err
			}
			for _, offer := range offers {
				printOffer(offer)
			}
			for _, offer := range c.ExpiredOffers() {
				fmt.Printf("  (expired, awaiting server) %s\n", offer.ID)
			}
			return nil
		})
	case "accept", "decline", "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: dispatchctl %s <offer-id>", args[0])
		}
		return withCoordinator(cfg, sess, func(ctx context.Context, c *dispatch.Coordinator) error {
			var offer types.DeliveryOffer
			var err error
			switch args[0] {
			case "accept":
				offer, err = c.AcceptOffer(ctx, args[1])
			case "decline":
				offer, err = c.DeclineOffer(ctx, args[1])
			case "cancel":
				offer, err = c.CancelOffer(ctx, args[1])
			}
			if err != nil {
				return err
			}
			printOffer(offer)
			return nil
		})
	case "cluster":
		if len(args) < 2 {
			return fmt.Errorf("usage: dispatchctl cluster <cluster-id> [new-status] [driver-id]")
		}
		return withCoordinator(cfg, sess, func(ctx context.Context, c *dispatch.Coordinator) error {
			if len(args) == 2 {
				cluster, err := c.FetchCluster(ctx, args[1])
				if err != nil {
					return err
				}
				printCluster(cluster)
				return nil
			}
			status, err := parseClusterStatus(args[2])
			if err != nil {
				return err
			}
			driverID := ""
			if len(args) > 3 {
				driverID = args[3]
			}
			cluster, err := c.UpdateClusterStatus(ctx, args[1], status, driverID)
			if err != nil {
				return err
			}
			printCluster(cluster)
			return nil
		})
	case "unassigned":
		return withCoordinator(cfg, sess, func(ctx context.Context, c *dispatch.Coordinator) error {
			clusters, err := c.UnassignedClusters(ctx)
			if err != nil {
				return err
			}
			for _, cluster := range clusters {
				printCluster(cluster)
			}
			return nil
		})
	case "chat":
		if len(args) < 2 {
			return fmt.Errorf("usage: dispatchctl chat <recipient-id>")
		}
		return runChat(cfg, sess, args[1])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// buildSession picks the session source: an explicit driver id from config
// wins, otherwise the identity is derived from the bearer token claims.
func buildSession(cfg *config.Config) session.Context {
	if cfg.DriverID != "" {
		return session.Static{Token: cfg.AccessToken, DriverID: cfg.DriverID}
	}
	return session.NewTokenContext(func() string { return cfg.AccessToken }, nil)
}

func withCoordinator(cfg *config.Config, sess session.Context, fn func(context.Context, *dispatch.Coordinator) error) error {
	coordinator := dispatch.NewCoordinator(sess, dispatch.Options{
		BaseURL:     cfg.ServerURL,
		HTTPTimeout: cfg.HTTPTimeout,
	})
	defer coordinator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+5*time.Second)
	defer cancel()
	return fn(ctx, coordinator)
}

// runChat connects to the hub and bridges stdin lines to the recipient until
// interrupted.
func runChat(cfg *config.Config, sess session.Context, recipientID string) error {
	transport := socketio.New(cfg.HubPath, cfg.Debug)
	manager := chat.NewManager(sess, transport, chat.Options{HubURL: cfg.ServerURL})

	manager.OnStateChange(func(state types.ConnectionState) {
		fmt.Printf("-- connection: %s\n", state)
	})
	manager.OnMessage(func(msg types.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", msg.SentAt.Format("15:04:05"), msg.SenderID, msg.Body)
	})
	manager.OnTyping(func(sig *types.TypingSignal) {
		if sig != nil {
			fmt.Printf("-- %s is typing...\n", sig.UserID)
		}
	})
	manager.OnSendError(func(op string, err error) {
		fmt.Printf("-- %s send failed: %v\n", op, err)
	})

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			manager.SendMessage(recipientID, line)
		}
	}
}

func parseClusterStatus(raw string) (types.ClusterStatus, error) {
	for _, status := range []types.ClusterStatus{
		types.ClusterPending,
		types.ClusterAssigned,
		types.ClusterInProgress,
		types.ClusterCompleted,
		types.ClusterCancelled,
	} {
		if strings.EqualFold(status.String(), raw) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown cluster status %q", raw)
}

func printOffer(offer types.DeliveryOffer) {
	expiry := "-"
	if offer.ExpiryTime != nil {
		expiry = offer.ExpiryTime.Format(time.RFC3339)
	}
	fmt.Printf("offer %s  cluster=%s  status=%s  expires=%s\n",
		offer.ID, offer.ClusterID, offer.Status, expiry)
}

func printCluster(cluster types.DeliveryCluster) {
	fmt.Printf("cluster %s  delivery=%s  status=%s  driver=%s  retries=%d\n",
		cluster.ID, cluster.DeliveryID, cluster.Status, cluster.AssignedDriverID, cluster.RetryCount)
}

func printUsage() {
	fmt.Println(`dispatchctl - Techperts dispatch client

Usage:
  dispatchctl offers [pending]                     list offers
  dispatchctl accept|decline|cancel <offer-id>     act on an offer
  dispatchctl cluster <id> [status] [driver-id]    show or transition a cluster
  dispatchctl unassigned                           list unassigned clusters
  dispatchctl chat <recipient-id>                  connect to the chat hub

Environment:
  TECHPERTS_SERVER_URL     backend base URL (default http://localhost:7230/api)
  TECHPERTS_HUB_PATH       chat hub path (default /Chat)
  TECHPERTS_ACCESS_TOKEN   bearer token
  TECHPERTS_DRIVER_ID      delivery person id (defaults to token claims)
  TECHPERTS_DEBUG          enable debug logging`)
}
