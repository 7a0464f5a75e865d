// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/opcua-engine"
	"github.com/edgeo-scada/opcua-engine/server"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to nodes of the fixture address space",
	Long: `Open a session, subscribe to data changes or events on fixture nodes and
print the notifications while the simulator drives the address space.

Examples:
  edgeo-uaengine subscribe -n "ns=2;s=Boiler.Level"
  edgeo-uaengine subscribe -n "ns=2;s=Boiler.Temperature" -i 500 --sample 100
  edgeo-uaengine subscribe -n "ns=2;s=Boiler" --events --token "$TOKEN"`,
	RunE: runSubscribe,
}

var (
	subscribeNodeIDs []string
	publishInterval  float64
	sampleInterval   float64
	queueSize        uint32
	subscribeEvents  bool
	sessionToken     string
)

func init() {
	subscribeCmd.Flags().StringArrayVarP(&subscribeNodeIDs, "node", "n", nil, "Node ID(s) to subscribe to (can specify multiple)")
	subscribeCmd.Flags().Float64VarP(&publishInterval, "interval", "i", 1000, "Publishing interval in milliseconds")
	subscribeCmd.Flags().Float64Var(&sampleInterval, "sample", -1, "Sampling interval in milliseconds (0: on change, -1: publishing interval)")
	subscribeCmd.Flags().Uint32VarP(&queueSize, "queue", "q", 10, "Monitored item queue size")
	subscribeCmd.Flags().BoolVar(&subscribeEvents, "events", false, "Subscribe to events instead of values")
	subscribeCmd.Flags().StringVar(&sessionToken, "token", "", "Issued identity token (default: anonymous)")
	subscribeCmd.MarkFlagRequired("node")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, stopping...")
		cancel()
	}()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	session, err := e.openSession(ctx, "edgeo-uaengine subscribe", sessionToken)
	if err != nil {
		return err
	}
	defer e.sessions.Close(context.Background(), session.ID(), true)
	sctx := server.WithSession(ctx, session)

	sub, err := e.nm.CreateSubscription(sctx,
		server.WithPublishingInterval(millis(publishInterval)),
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	fmt.Printf("Subscription created (ID: %d, Interval: %s)\n", sub.ID(), sub.PublishingInterval())

	attr := opcua.AttributeValue
	if subscribeEvents {
		attr = opcua.AttributeEventNotifier
	}
	reqs := make([]server.MonitoredItemCreateRequest, len(subscribeNodeIDs))
	for i, s := range subscribeNodeIDs {
		id, err := opcua.ParseNodeID(s)
		if err != nil {
			return fmt.Errorf("invalid node ID %q: %w", s, err)
		}
		reqs[i] = server.MonitoredItemCreateRequest{
			ItemToMonitor:  opcua.ReadValueID{NodeID: id, AttributeID: attr},
			MonitoringMode: opcua.MonitoringModeReporting,
			Parameters: opcua.MonitoringParameters{
				ClientHandle:     uint32(i + 1),
				SamplingInterval: sampleInterval,
				QueueSize:        queueSize,
				DiscardOldest:    true,
			},
		}
	}
	results, err := e.nm.CreateMonitoredItems(sctx, sub.ID(), reqs)
	if err != nil {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}

	handleToNode := make(map[uint32]string)
	fmt.Printf("Monitoring %d nodes:\n", len(results))
	for i, res := range results {
		if !res.StatusCode.IsGood() {
			fmt.Printf("  [%d] %s: %s\n", i+1, subscribeNodeIDs[i], res.StatusCode)
			continue
		}
		handleToNode[uint32(i+1)] = subscribeNodeIDs[i]
		fmt.Printf("  [%d] %s (ID: %d, Sampling: %s, Queue: %d)\n",
			i+1, subscribeNodeIDs[i], res.MonitoredItemID, res.RevisedSamplingInterval, res.RevisedQueueSize)
	}
	fmt.Print("\nWaiting for notifications (Ctrl+C to stop)...\n\n")

	g, gctx := errgroup.WithContext(sctx)
	e.start(gctx, g)
	g.Go(func() error {
		return ignoreCanceled(publishLoop(gctx, e.nm, sub.ID(), handleToNode))
	})
	return g.Wait()
}

// publishLoop keeps one publish request outstanding and acknowledges every
// message it prints.
func publishLoop(ctx context.Context, nm *server.NodeManager, id uint32, handleToNode map[uint32]string) error {
	for {
		msg, err := nm.Publish(ctx, id)
		if err != nil {
			if errors.Is(err, opcua.ErrSubscriptionNotFound) || errors.Is(err, opcua.ErrSubscriptionExpired) {
				fmt.Println("Subscription closed")
				return nil
			}
			return err
		}
		ts := msg.PublishTime.Format("15:04:05.000")
		if msg.KeepAlive {
			fmt.Printf("[%s] keep-alive (next seq %d)\n", ts, msg.SequenceNumber)
			continue
		}
		if msg.DataLoss {
			fmt.Printf("[%s] data loss: an item queue overflowed\n", ts)
		}
		for _, n := range msg.DataChanges {
			var value interface{}
			if n.Value.Value != nil {
				value = n.Value.Value.Value
			}
			fmt.Printf("[%s] %s = %v (%s)\n", ts, nodeName(handleToNode, n.ClientHandle), value, n.Value.StatusCode)
		}
		for _, n := range msg.Events {
			fields := make([]interface{}, len(n.Event.Fields))
			for i, f := range n.Event.Fields {
				if f != nil {
					fields[i] = f.Value
				}
			}
			fmt.Printf("[%s] %s event %v\n", ts, nodeName(handleToNode, n.ClientHandle), fields)
		}
		if _, err := nm.Acknowledge(ctx, id, msg.SequenceNumber); err != nil {
			return err
		}
	}
}

func nodeName(handleToNode map[uint32]string, handle uint32) string {
	if name := handleToNode[handle]; name != "" {
		return name
	}
	return fmt.Sprintf("handle=%d", handle)
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
