// pgbench runs an in-process collective group over loopback TCP, one
// goroutine per rank, and reports per-operation latency and throughput.
// It exercises the full stack: rendezvous store, mesh establishment, the
// worker pool and the collective builders.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/procgroup"
	"github.com/gomlx/procgroup/reduction"
	"github.com/gomlx/procgroup/store"
	"github.com/gomlx/procgroup/tensors"
)

var (
	flagRanks   = flag.Int("ranks", 4, "number of in-process ranks")
	flagElems   = flag.Int("elems", 1<<20, "float32 elements per tensor")
	flagRounds  = flag.Int("rounds", 10, "measured rounds per operation")
	flagThreads = flag.Int("threads", 2, "worker goroutines per rank")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pgbench: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	st := store.NewMemoryStore()
	errs := make([]error, *flagRanks)
	var wg sync.WaitGroup
	for rank := 0; rank < *flagRanks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(st, rank)
		}(rank)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runRank(st store.Store, rank int) error {
	options := procgroup.DefaultOptions()
	options.Threads = *flagThreads
	g, err := procgroup.New(st, rank, *flagRanks, options)
	if err != nil {
		return err
	}
	defer g.Close()

	data := make([]float32, *flagElems)
	for i := range data {
		data[i] = float32(rank + 1)
	}
	t := tensors.FromFlatData(data, *flagElems)
	nbytes := uint64(t.Memory())

	// Align the ranks before timing anything.
	if err := waitOp(g.Barrier()); err != nil {
		return err
	}

	start := time.Now()
	for round := 0; round < *flagRounds; round++ {
		if err := waitOp(g.Allreduce([]*tensors.Tensor{t},
			procgroup.AllreduceOptions{Op: reduction.Sum})); err != nil {
			return err
		}
	}
	allreduce := time.Since(start)

	start = time.Now()
	for round := 0; round < *flagRounds; round++ {
		if err := waitOp(g.Broadcast([]*tensors.Tensor{t},
			procgroup.BroadcastOptions{})); err != nil {
			return err
		}
	}
	broadcast := time.Since(start)

	start = time.Now()
	for round := 0; round < *flagRounds; round++ {
		if err := waitOp(g.Barrier()); err != nil {
			return err
		}
	}
	barrier := time.Since(start)

	if rank == 0 {
		perOp := func(total time.Duration) string {
			per := total / time.Duration(*flagRounds)
			rate := float64(nbytes) / per.Seconds()
			return fmt.Sprintf("%v/op, %s/s", per.Round(time.Microsecond), humanize.Bytes(uint64(rate)))
		}
		fmt.Printf("ranks=%d payload=%s rounds=%d threads=%d\n",
			*flagRanks, humanize.Bytes(nbytes), *flagRounds, *flagThreads)
		fmt.Printf("  allreduce: %s\n", perOp(allreduce))
		fmt.Printf("  broadcast: %s\n", perOp(broadcast))
		fmt.Printf("  barrier:   %v/op\n", (barrier / time.Duration(*flagRounds)).Round(time.Microsecond))
	}
	return nil
}

func waitOp(w procgroup.Work, err error) error {
	if err != nil {
		return err
	}
	return w.Wait()
}
