/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux

// ringfiberd is a demo echo server: one scheduler, one ring, one fiber
// per connection. It exists to exercise the full runtime end to end
// and to show the intended wiring of backend, scheduler and timer.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/ringio"
	"github.com/cloudwego/ringfiber/rtimer"
)

var (
	flagAddr      string
	flagDepth     uint32
	flagChunk     int
	flagIdleGC    time.Duration
	flagTickEvery time.Duration
)

func main() {
	// .env is optional; flags beat env, env beats defaults.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "ringfiberd",
		Short: "io_uring fiber runtime echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&flagAddr, "addr", envStr("RINGFIBER_ADDR", "127.0.0.1:9898"), "listen address")
	root.Flags().Uint32Var(&flagDepth, "ring-depth", uint32(envInt("RINGFIBER_RING_DEPTH", 1024)), "requested io_uring depth")
	root.Flags().IntVar(&flagChunk, "chunk", envInt("RINGFIBER_CHUNK", 8192), "echo read chunk size")
	root.Flags().DurationVar(&flagIdleGC, "idle-gc", 0, "GC period while idle (0 disables)")
	root.Flags().DurationVar(&flagTickEvery, "stats-every", 10*time.Second, "stats logging interval (0 disables)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func serve() error {
	lfd, err := listen(flagAddr)
	if err != nil {
		return err
	}
	defer syscall.Close(lfd)

	backend, err := ringio.New(&ringio.Options{
		Depth:        flagDepth,
		IdleGCPeriod: flagIdleGC,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	sched := fiber.NewScheduler(backend)
	backend.Bind(sched)
	wheel := rtimer.NewWheel(backend, 10*time.Millisecond)

	var conns, served int

	if flagTickEvery > 0 {
		sched.Spawn(func(f *fiber.Fiber) {
			_ = wheel.Every(flagTickEvery, func() error {
				log.Printf("ringfiberd: %d open connections, %d served", conns, served)
				return nil
			})
		})
	}

	sched.Spawn(func(f *fiber.Fiber) {
		log.Printf("ringfiberd: listening on %s", flagAddr)
		err := backend.MultishotAccept(iohandle.Raw(lfd), func(sock iohandle.Raw) error {
			spawnEcho(backend, sched, sock, &conns, &served)
			return nil
		})
		if err != nil {
			// Pre-5.19 kernels have no multishot accept; serve with
			// one-shot entries instead.
			err = backend.AcceptLoop(iohandle.Raw(lfd), func(sock iohandle.Raw) error {
				spawnEcho(backend, sched, sock, &conns, &served)
				return nil
			})
		}
		log.Printf("ringfiberd: accept stopped: %v", err)
	})

	sched.Run()
	return nil
}

func spawnEcho(backend *ringio.Backend, sched *fiber.Scheduler, sock iohandle.Raw, conns, served *int) {
	sched.Spawn(func(f *fiber.Fiber) {
		*conns++
		defer func() {
			*conns--
			*served++
			_ = sock.Close()
		}()
		err := backend.ReadLoop(sock, flagChunk, func(p []byte) error {
			_, err := backend.Write(sock, p)
			return err
		})
		if err != nil {
			log.Printf("ringfiberd: connection error: %v", err)
		}
	})
}

// listen opens a listening TCP socket outside the Go net poller: the
// descriptor belongs to the ring for its whole life.
func listen(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}
