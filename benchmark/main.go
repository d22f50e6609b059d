// Package main provides a benchmark tool for jobqueue to measure enqueue and
// processing throughput. It enqueues dummy tasks in bulk batches, optionally
// paced, and waits until workers have drained the queue.
//
// Usage:
//
//	go run ./benchmark --tasks 100000 --batch 500 --rate 0
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

func main() {
	numTasks := pflag.Int("tasks", 100000, "Number of tasks to enqueue")
	batchSize := pflag.Int("batch", 500, "Tasks per EnqueueBulk call")
	concurrency := pflag.Int("concurrency", queue.DefaultBulkConcurrency, "In-flight enqueues per batch")
	tasksPerSec := pflag.Float64("rate", 0, "Producer rate limit in tasks/sec (0 = unlimited)")
	queueType := pflag.String("queue-type", string(tasks.QueueTypeBulkImport), "Queue type to enqueue into")
	addr := pflag.String("redis-addr", "localhost:6379", "Redis address")
	wait := pflag.Bool("wait", true, "Wait until workers processed every task")
	pflag.Parse()

	if *batchSize <= 0 {
		*batchSize = 1
	}

	client := store.NewClient(store.Options{Addr: *addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Redis not reachable: %v\n", err)
		os.Exit(1)
	}

	qt := tasks.QueueType(*queueType)
	manager := queue.NewManager(client, queue.Config{
		QueueOrder:      []tasks.QueueType{qt},
		BulkConcurrency: *concurrency,
		StatsMaxAge:     time.Millisecond,
	})

	limiter := rate.NewLimiter(rate.Inf, *batchSize)
	if *tasksPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(*tasksPerSec), *batchSize)
	}

	fmt.Printf("jobqueue Benchmark\n")
	fmt.Printf("==================\n")
	fmt.Printf("Tasks to enqueue: %s\n", humanize.Comma(int64(*numTasks)))
	fmt.Printf("Batch size: %d, concurrency: %d\n\n", *batchSize, *concurrency)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var enqueued, failed atomic.Int64
	for start := 0; start < *numTasks; start += *batchSize {
		n := min(*batchSize, *numTasks-start)
		if err := limiter.WaitN(ctx, n); err != nil {
			fmt.Fprintf(os.Stderr, "Rate limiter: %v\n", err)
			os.Exit(1)
		}

		batch := make([]*tasks.TaskData, n)
		for i := range batch {
			payload, _ := tasks.MarshalPayload(map[string]int{"task": start + i})
			batch[i] = tasks.New(qt, payload)
			batch[i].Priority = tasks.Priority(1 + (start+i)%5)
		}
		res := manager.EnqueueBulk(ctx, batch)
		enqueued.Add(int64(res.Successful))
		failed.Add(int64(res.Failed))
		if len(res.Errors) > 0 {
			fmt.Printf("  Batch at %d: %d errors (first: %s)\n", start, len(res.Errors), res.Errors[0].Reason)
		}
	}

	enqueueTime := time.Since(startEnqueue)
	fmt.Printf("✓ Enqueued %s tasks (%s failed) in %s\n",
		humanize.Comma(enqueued.Load()), humanize.Comma(failed.Load()), enqueueTime)
	fmt.Printf("  Throughput: %s tasks/sec\n\n", humanize.CommafWithDigits(float64(enqueued.Load())/enqueueTime.Seconds(), 2))

	if !*wait {
		return
	}

	// Wait for processing
	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for {
		stats, err := manager.GetStatistics(ctx, qt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Statistics: %v\n", err)
			os.Exit(1)
		}
		remaining := stats.Pending + stats.Delayed + stats.Processing
		if remaining == 0 {
			break
		}

		// Print progress every 2 seconds
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %s tasks\n", humanize.Comma(remaining))
	}

	processTime := time.Since(startProcess)
	total := float64(enqueued.Load())

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %s tasks/sec\n", humanize.CommafWithDigits(total/processTime.Seconds(), 2))

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %s tasks/sec\n", humanize.CommafWithDigits(total/totalTime.Seconds(), 2))
}
