// Command isoboxd is a minimal demonstration host: it runs one script
// read from stdin (or a -e flag) through a single IsoBox sandbox and
// prints the result. The CLI/HTTP surface is intentionally thin — a real
// host embeds the isobox package directly rather than shelling out to
// this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"isobox"
	"isobox/internal/logging"
)

func main() {
	logging.Init()
	log := logging.L()
	defer logging.Sync()

	var (
		expr    = flag.String("e", "", "inline script to run instead of reading stdin")
		timeout = flag.Duration("timeout", 5*time.Second, "per-run wall-clock timeout")
		memory  = flag.Uint64("memory", 64*1024*1024, "heap limit in bytes")
	)
	flag.Parse()

	code := *expr
	if code == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal("reading stdin failed", zap.Error(err))
		}
		code = string(data)
	}

	sandbox, err := isobox.New(isobox.Options{
		Timeout:     *timeout,
		MemoryLimit: *memory,
	})
	if err != nil {
		log.Fatal("sandbox construction failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sandbox.On("timeout", func(name string, payload interface{}) {
		log.Warn("execution killed by watchdog", zap.Any("event", payload))
	})

	value, err := sandbox.Run(ctx, code, isobox.RunOptions{Filename: "<stdin>"})
	sandbox.Dispose()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(value)
}
