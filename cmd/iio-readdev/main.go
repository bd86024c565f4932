// Command iio-readdev streams raw samples from an IIO device to stdout.
//
//	iio-readdev [-u uri] [-b samples] [-s samples] device [channel...]
//	iio-readdev -l [backend[=args]...]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	_ "github.com/ehrlich-b/go-iio/backend/local"
	_ "github.com/ehrlich-b/go-iio/backend/loopback"
	_ "github.com/ehrlich-b/go-iio/backend/network"
	_ "github.com/ehrlich-b/go-iio/backend/serial"
	_ "github.com/ehrlich-b/go-iio/backend/usb"
	_ "github.com/ehrlich-b/go-iio/backend/xmlfile"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

func main() {
	var (
		uri       = flag.String("u", "", "Context URI (default: $IIOD_REMOTE or local:)")
		blockStr  = flag.String("b", "256", "Samples per block (e.g., 256, 4K)")
		countStr  = flag.String("s", "0", "Number of samples to capture, 0 for no limit")
		nbBlocks  = flag.Int("B", 4, "Number of blocks in flight")
		timeoutMs = flag.Int("T", 0, "Timeout in milliseconds (default: backend default)")
		verbose   = flag.Bool("v", false, "Verbose output")
		stats     = flag.Bool("S", false, "Print transfer statistics on exit")
		list      = flag.Bool("l", false, "List reachable contexts of the backends given as arguments (default: all) and exit")
	)
	flag.Parse()

	if flag.NArg() < 1 && !*list {
		fmt.Fprintln(os.Stderr, "usage: iio-readdev [options] device [channel...]")
		fmt.Fprintln(os.Stderr, "       iio-readdev -l [backend[=args]...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	blockSamples, err := parseSize(*blockStr)
	if err != nil || blockSamples <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid block size '%s'\n", *blockStr)
		os.Exit(2)
	}
	count, err := parseSize(*countStr)
	if err != nil || count < 0 {
		fmt.Fprintf(os.Stderr, "Invalid sample count '%s'\n", *countStr)
		os.Exit(2)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Output = os.Stderr
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := iio.DefaultParams()
	params.Logger = logger
	if *timeoutMs > 0 {
		params.Timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	if *list {
		found, err := iio.Scan(&params, strings.Join(flag.Args(), ","))
		if err != nil {
			logger.Error("scan failed", "error", err)
			os.Exit(1)
		}
		for _, c := range found {
			fmt.Printf("%s\t%s\n", c.URI, c.Description)
		}
		return
	}

	var metrics *iio.Metrics
	if *stats {
		metrics = iio.NewMetrics()
		defer metrics.Stop()
		params.Observer = iio.NewMetricsObserver(metrics)
	}

	ctx, err := iio.CreateContext(&params, *uri)
	if err != nil {
		logger.Error("unable to create context", "uri", *uri, "error", err)
		os.Exit(1)
	}
	defer ctx.Close()

	dev := ctx.FindDevice(flag.Arg(0))
	if dev == nil {
		logger.Error("device not found", "device", flag.Arg(0))
		os.Exit(1)
	}

	mask, err := buildMask(dev, flag.Args()[1:])
	if err != nil {
		logger.Error("invalid channel list", "error", err)
		os.Exit(1)
	}

	buf, err := dev.CreateBuffer(0, mask)
	if err != nil {
		logger.Error("unable to create buffer", "device", dev.ID(), "error", err)
		os.Exit(1)
	}
	defer buf.Destroy()

	stream, err := buf.CreateStream(*nbBlocks, int(blockSamples))
	if err != nil {
		logger.Error("unable to create stream", "error", err)
		os.Exit(1)
	}
	defer stream.Destroy()

	logger.Info("capturing",
		"device", dev.ID(),
		"sample_size", buf.SampleSize(),
		"block_samples", blockSamples,
		"blocks", *nbBlocks)

	// SIGINT/SIGTERM cancel the buffer, which unblocks the capture loop;
	// SIGUSR1 dumps goroutine stacks.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				dumpStacks()
				continue
			}
			logger.Info("received shutdown signal")
			buf.Cancel()
			return
		}
	}()

	out := bufio.NewWriterSize(os.Stdout, 1<<16)
	n, err := capture(stream, out, count*int64(buf.SampleSize()))
	if ferr := out.Flush(); err == nil {
		err = ferr
	}

	if metrics != nil {
		printStats(metrics.Snapshot())
	}
	if err != nil {
		logger.Error("capture failed", "bytes", n, "error", err)
		os.Exit(1)
	}
	logger.Debug("capture done", "bytes", n)
}

// buildMask enables the named channels, or every scan element of dev when
// names is empty.
func buildMask(dev *iio.Device, names []string) (*iio.ChannelsMask, error) {
	mask := dev.NewChannelsMask()
	if len(names) == 0 {
		for _, ch := range dev.Channels() {
			if ch.IsScanElement() && !ch.IsOutput() {
				ch.Enable(mask)
			}
		}
		if mask.CountEnabled() == 0 {
			return nil, fmt.Errorf("%s has no input scan elements", dev.ID())
		}
		return mask, nil
	}

	for _, name := range names {
		ch := dev.FindChannel(name, false)
		if ch == nil || !ch.IsScanElement() {
			return nil, fmt.Errorf("no input scan element %q", name)
		}
		ch.Enable(mask)
	}
	return mask, nil
}

// capture writes blocks from stream to w until limit bytes were written
// (0 for no limit) or the buffer is cancelled.
func capture(stream *iio.Stream, w io.Writer, limit int64) (int64, error) {
	var total int64
	for limit == 0 || total < limit {
		blk, err := stream.NextBlock()
		if err != nil {
			if stream.Buffer().Cancelled() || errors.Is(err, unix.EINTR) {
				return total, nil
			}
			return total, err
		}

		data := blk.Data()[:blk.BytesUsed()]
		if limit > 0 && int64(len(data)) > limit-total {
			data = data[:limit-total]
		}
		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func printStats(s iio.MetricsSnapshot) {
	fmt.Fprintf(os.Stderr, "blocks: %d  bytes: %s  bandwidth: %s/s\n",
		s.RxBlocks, formatSize(int64(s.RxBytes)), formatSize(int64(s.RxBandwidth)))
	fmt.Fprintf(os.Stderr, "latency p50: %v  p99: %v  errors: %d\n",
		time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns), s.DequeueErrors)
}

func dumpStacks() {
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
}

// parseSize parses a count like "256", "4K" or "1M"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
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
