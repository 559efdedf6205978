package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ip-tcp-stack/pkg/sim"
	"ip-tcp-stack/pkg/tcp"
)

func main() {
	fs := flag.NewFlagSet("vsim", flag.ContinueOnError)
	var (
		latency  = fs.Uint64("latency", 5, "ms each frame spends on a link")
		jitter   = fs.Uint64("jitter", 0, "up to this many extra ms per frame")
		loss     = fs.Float64("loss", 0, "probability a frame is dropped")
		seed     = fs.Uint64("seed", 1, "seed for loss, jitter and the payload")
		size     = fs.Int("bytes", 100_000, "bytes to send from A to B")
		rto      = fs.Uint64("rto", tcp.DefaultInitialRTO, "initial retransmission timeout in ms")
		payload  = fs.Uint64("payload", tcp.DefaultMaxPayloadSize, "largest segment payload")
		capacity = fs.Uint64("capacity", tcp.DefaultCapacity, "byte stream capacity")
		step     = fs.Uint64("step", 1, "ms per simulation step")
		limit    = fs.Uint64("limit", 600_000, "give up after this many simulated ms")
		repl     = fs.Bool("repl", false, "read commands from stdin instead of running one transfer")
		verbose  = fs.Bool("v", false, "debug logging")
		_        = fs.String("config", "", "config file (optional)")
	)
	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("VSIM"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *step == 0 {
		fmt.Fprintln(os.Stderr, "-step must be positive")
		os.Exit(2)
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger := zap.Must(logCfg.Build())
	defer logger.Sync()

	tcpCfg := tcp.Config{
		InitialRTO:         *rto,
		MaxPayloadSize:     *payload,
		MaxRetransmissions: tcp.DefaultMaxRetransmissions,
		Capacity:           *capacity,
	}
	chain, err := sim.NewChain(sim.Config{Latency: *latency, Jitter: *jitter, LossRate: *loss, Seed: *seed}, tcpCfg, logger)
	if err != nil {
		logger.Fatal("building network", zap.Error(err))
	}

	if !*repl {
		elapsed, err := chain.Transfer(randomBytes(*size, *seed), *step, *limit)
		if err != nil {
			logger.Fatal("transfer failed", zap.Error(err), zap.Uint64("ms", elapsed))
		}
		stats, err := chain.Net.Stats()
		if err != nil {
			logger.Fatal("stats", zap.Error(err))
		}
		fmt.Printf("sent %d bytes in %d simulated ms\n%s\n", *size, elapsed, stats)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
	for scanner.Scan() {
		userInput := strings.TrimSpace(scanner.Text())

		if userInput == "li" {
			fmt.Println(chain.Net.Li())

		} else if userInput == "ln" {
			fmt.Println(chain.Net.Ln())

		} else if userInput == "lr" {
			fmt.Println("r1\n" + sim.Lr(chain.R1))
			fmt.Println("r2\n" + sim.Lr(chain.R2))

		} else if userInput == "stats" {
			stats, err := chain.Net.Stats()
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Println(stats)

		} else if len(userInput) > 5 && userInput[0:5] == "send " {
			n, err := strconv.Atoi(userInput[5:])
			if err != nil || n < 0 {
				fmt.Println("Please enter a byte count after send")
				continue
			}
			chain.A.Write(randomBytes(n, chain.Net.Now()))

		} else if len(userInput) > 5 && userInput[0:5] == "tick " {
			ms, err := strconv.ParseUint(userInput[5:], 10, 64)
			if err != nil {
				fmt.Println(err)
				continue
			}
			for t := uint64(0); t < ms; t += *step {
				chain.Net.Step(*step)
			}
			fmt.Printf("t=%d ms, B has %d bytes\n", chain.Net.Now(), len(chain.B.Received()))

		} else if userInput == "close" {
			chain.A.Close()

		} else if userInput == "run" {
			start := chain.Net.Now()
			chain.A.Close()
			for !chain.Done() && chain.Net.Now()-start < *limit {
				chain.Net.Step(*step)
			}
			fmt.Printf("t=%d ms, B has %d bytes, done=%v\n", chain.Net.Now(), len(chain.B.Received()), chain.Done())

		} else if userInput == "quit" || userInput == "q" {
			return

		} else {
			fmt.Println("Invalid command.")
			continue
		}
	}
}

func randomBytes(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}
