package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxelcarve/internal/eventlog"
	"github.com/annel0/voxelcarve/internal/logging"
)

const (
	defaultServerURL = "nats://127.0.0.1:4222"
	defaultStream    = "VOXEL_DAMAGE"
	timeFormat       = "15:04:05"
)

func main() {
	var (
		serverURL = flag.String("server", defaultServerURL, "NATS server URL")
		stream    = flag.String("stream", defaultStream, "JetStream stream name")
		command   = flag.String("cmd", "tail", "Command: tail, stats")
		from      = flag.Uint64("from", 1, "First sequence to read")
		object    = flag.Uint64("object", 0, "Object index filter (0 = all)")
		limit     = flag.Int("limit", 100, "Maximum number of events")
		follow    = flag.Bool("follow", false, "Follow new events (like tail -f)")
		wait      = flag.Duration("wait", 2*time.Second, "Idle time before stopping without -follow")
	)
	flag.Parse()

	js, err := eventlog.NewJetStreamLog(*serverURL, *stream, 0, logging.Nop())
	if err != nil {
		log.Fatalf("❌ Failed to connect to JetStream: %v", err)
	}
	defer js.Close()

	switch *command {
	case "tail":
		opts := TailOptions{From: *from, Object: *object, Limit: *limit, Follow: *follow, Wait: *wait}
		if err := tailEvents(js, opts); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(js, *from, *wait); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats")
		os.Exit(1)
	}
}

type TailOptions struct {
	From   uint64
	Object uint64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// tailEvents выводит события повреждений начиная с заданной позиции
func tailEvents(js *eventlog.JetStreamLog, opts TailOptions) error {
	fmt.Printf("🎬 Tailing damage events from #%d (limit: %d, follow: %v)\n", opts.From, opts.Limit, opts.Follow)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	received := make(chan eventlog.DamageEvent, 64)
	sub, err := js.Subscribe(ctx, opts.From, func(_ context.Context, ev eventlog.DamageEvent) {
		select {
		case received <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	count := 0
	idle := time.NewTimer(opts.Wait)
	defer idle.Stop()
	for {
		select {
		case ev := <-received:
			if opts.Object != 0 && ev.ObjectIndex != opts.Object {
				continue
			}
			printEvent(ev)
			count++
			if !opts.Follow && count >= opts.Limit {
				fmt.Printf("\n📊 Total events: %d\n", count)
				return nil
			}
			idle.Reset(opts.Wait)

		case <-idle.C:
			if !opts.Follow {
				fmt.Printf("\n📊 Total events: %d\n", count)
				return nil
			}
			idle.Reset(opts.Wait)

		case <-ctx.Done():
			fmt.Printf("\n📊 Total events: %d\n", count)
			return nil
		}
	}
}

// showStats считает события по объектам
func showStats(js *eventlog.JetStreamLog, from uint64, wait time.Duration) error {
	fmt.Println("📊 Damage event statistics")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan eventlog.DamageEvent, 64)
	sub, err := js.Subscribe(ctx, from, func(_ context.Context, ev eventlog.DamageEvent) {
		select {
		case received <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	perObject := make(map[uint64]int)
	var first, last eventlog.DamageEvent
	total := 0
	idle := time.NewTimer(wait)
	defer idle.Stop()

collect:
	for {
		select {
		case ev := <-received:
			if total == 0 {
				first = ev
			}
			last = ev
			perObject[ev.ObjectIndex]++
			total++
			idle.Reset(wait)
		case <-idle.C:
			break collect
		}
	}

	fmt.Printf("Total events: %d\n", total)
	if total == 0 {
		return nil
	}
	fmt.Printf("Sequence: #%d - #%d\n", first.Seq, last.Seq)
	fmt.Printf("Period: %s - %s\n", first.Timestamp.Format(time.RFC3339), last.Timestamp.Format(time.RFC3339))
	fmt.Println("\nBy object:")
	for id, n := range perObject {
		fmt.Printf("  %d: %d events\n", id, n)
	}
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev eventlog.DamageEvent) {
	fmt.Printf("[%s] #%d object=%d %s\n", ev.Timestamp.Format(timeFormat), ev.Seq, ev.ObjectIndex, ev.ID)
	if ev.Restore {
		fmt.Println("  Restore")
		return
	}
	fmt.Printf("  Position: (%.2f,%.2f,%.2f) Radius: %.2f Strength: %.2f Seed: %d\n",
		ev.Position[0], ev.Position[1], ev.Position[2], ev.Radius, ev.Strength, ev.Seed)
}
