package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	blkfifo "github.com/cfortin/go-blkfifo"
	"github.com/cfortin/go-blkfifo/backend"
	"github.com/cfortin/go-blkfifo/internal/logging"
)

func main() {
	var (
		sizeStr   = flag.String("size", "64M", "Size of the memory device (e.g., 64M, 1G)")
		blockSize = flag.Uint("bs", 512, "Logical block size in bytes")
		slots     = flag.Int("slots", blkfifo.DefaultSlotCount, "Number of hardware command slots")
		maxXfer   = flag.Uint("max-transfer", 0, "Per-command transfer limit in blocks (0 = default)")
		fua       = flag.Bool("fua", false, "Advertise native force-unit-access support")
		workers   = flag.Int("workers", 4, "Concurrent workload submitters")
		requests  = flag.Int("requests", 1000, "Requests per submitter")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	if size%int64(*blockSize) != 0 {
		log.Fatalf("Size %d is not a multiple of block size %d", size, *blockSize)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mem := backend.NewMemory(backend.MemoryConfig{
		Blocks:            uint64(size) / uint64(*blockSize),
		BlockSize:         uint32(*blockSize),
		MaxTransferBlocks: uint32(*maxXfer),
		NativeFUA:         *fua,
	})

	params := blkfifo.DefaultParams()
	params.SlotCount = *slots

	server, err := blkfifo.NewServer(mem, params, nil)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	logger.Info("memory device ready",
		"size", formatSize(size),
		"block_size", *blockSize,
		"slots", *slots,
		"native_fua", *fua,
		"session", server.Session())

	start := time.Now()
	errors := runWorkload(server, *workers, *requests)
	elapsed := time.Since(start)

	if err := server.Close(); err != nil {
		logger.Error("server close failed", "error", err)
	}

	snap := server.Metrics().Snapshot()
	total := *workers * *requests
	fmt.Printf("Completed %d requests in %s (%d errors)\n",
		total, elapsed.Round(time.Millisecond), errors)
	fmt.Printf("  reads:   %d ops, %s\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)))
	fmt.Printf("  writes:  %d ops, %s\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)))
	fmt.Printf("  flushes: %d (%d emulated)\n", snap.FlushOps, snap.EmulatedFlushes)
	fmt.Printf("  splits:  %d requests into %d commands\n", snap.SplitRequests, snap.SubRequests)
	fmt.Printf("  slots:   max depth %d, %d waits\n", snap.MaxQueueDepth, snap.SlotWaits)
	fmt.Printf("  latency: avg %s, p50 %s, p99 %s\n",
		time.Duration(snap.AvgLatencyNs),
		time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns))

	if errors > 0 {
		os.Exit(1)
	}
}

// runWorkload drives a mixed read/write/flush workload through the server
// and returns the number of failed responses.
func runWorkload(server *blkfifo.Server, workers, requests int) int {
	info := server.Info()
	const windowBlocks = 16

	total := workers * requests

	for w := 0; w < workers; w++ {
		go func(w int) {
			buf := make([]byte, windowBlocks*int(info.BlockSize))
			id, err := server.AttachBuffer(buf)
			if err != nil {
				logging.Error("attach buffer failed", "error", err)
				return
			}
			for i := 0; i < requests; i++ {
				req := blkfifo.Request{
					ReqID:     blkfifo.ReqID(w<<24 | i),
					Buffer:    id,
					Length:    uint32(1 + i%windowBlocks),
					DevOffset: uint64(i) % (info.BlockCount - windowBlocks),
				}
				switch i % 8 {
				case 6:
					req.Opcode = blkfifo.OpcodeWrite
					req.Flags = blkfifo.FlagForceAccess
				case 7:
					req.Opcode = blkfifo.OpcodeFlush
					req.Length = 0
				case 0, 1, 2:
					req.Opcode = blkfifo.OpcodeRead
				default:
					req.Opcode = blkfifo.OpcodeWrite
				}
				if err := server.Push(req); err != nil {
					logging.Error("push failed", "error", err)
					return
				}
			}
		}(w)
	}

	failed := 0
	for n := 0; n < total; n++ {
		resp, ok := <-server.Responses()
		if !ok {
			break
		}
		if !resp.Status.OK() {
			logging.Warn("request failed", "reqid", uint32(resp.ReqID), "status", resp.Status.String())
			failed++
		}
	}
	return failed
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
