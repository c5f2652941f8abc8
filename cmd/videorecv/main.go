// Package main contains the videorecv program.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dronecam/videorecv"
	"github.com/dronecam/videorecv/internal/config"
	"github.com/dronecam/videorecv/internal/httpapi"
	"github.com/dronecam/videorecv/pkg/device"
	"github.com/dronecam/videorecv/pkg/device/annexb"
	"github.com/dronecam/videorecv/pkg/metrics"
)

const helpText = `videorecv - Receive a H264 stream over RTP/UDP with low latency

Usage:
  videorecv [options]

The decoded stream is written in Annex-B format to VIDEORECV_OUTPUT
(stdout by default). Pipe to ffplay for playback.

Environment Variables (all optional):
  VIDEORECV_LISTEN_ADDR          address to listen on (default: port of the SDP, or :5000)
  VIDEORECV_SOURCE               host of the camera; other hosts are discarded
  VIDEORECV_MULTICAST_INTERFACE  interface used to join multicast groups
  VIDEORECV_SDP                  path of a SDP file with the stream parameters
  VIDEORECV_QUEUE_CAPACITY       capacity of the frame queue (default 3)
  VIDEORECV_IDR_TIMEOUT          maximum time without IDR (default 5s)
  VIDEORECV_READ_BUFFER_SIZE     socket read buffer size, for instance 512000
                                 (net.core.rmem_max must allow it)
  VIDEORECV_RTCP_PORT            port of the camera receiving RTCP reports
  VIDEORECV_OUTPUT               output file, "-" for stdout (default -)
  VIDEORECV_HTTP_ADDR            address of the control API (default :8080)

Examples:
  # Live playback
  videorecv | ffplay -fflags nobuffer -f h264 -

Options:
  -h, --help  Show this help message
`

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

// newReceiver creates a receiver from the configuration. Callbacks are left unset.
func newReceiver(cfg *config.Config, sdp []byte, out io.Writer) *videorecv.Receiver {
	return &videorecv.Receiver{
		DeviceFactory:      annexb.New,
		Sink:               &device.WriterSink{W: out},
		SDP:                sdp,
		ListenAddress:      cfg.ListenAddress,
		MulticastInterface: cfg.MulticastInterface,
		ReadBufferSize:     cfg.ReadBufferSize,
		RTCPPort:           cfg.RTCPPort,
		QueueCapacity:      cfg.QueueCapacity,
		IDRTimeout:         cfg.IDRTimeout,
	}
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	var sdp []byte
	if cfg.SDPPath != "" {
		sdp, err = os.ReadFile(cfg.SDPPath)
		if err != nil {
			log.Fatalf("[main] read SDP: %v", err)
		}
	}

	out, err := openOutput(cfg.OutputPath)
	if err != nil {
		log.Fatalf("[main] open output: %v", err)
	}
	defer out.Close()

	var m *metrics.Metrics

	r := newReceiver(cfg, sdp, out)
	r.OnStatus = func(s videorecv.Status) {
		log.Printf("[receiver] status: %v", s)
		if m != nil {
			m.UpdateStatus(s)
		}
	}
	r.OnStateChange = func(s videorecv.PipelineState) {
		log.Printf("[pipeline] state: %v", s)
	}
	r.OnStats = func(s videorecv.StatsSnapshot) {
		log.Printf("[stats] %.1f KB/s | %d fps | lost: %d | queue: %d",
			s.BytesPerSecond/1024, int(s.FramesPerSecond), s.PacketsLost, s.QueueDepth)
	}
	r.OnDecodeError = func(err error) {
		log.Printf("[receiver] decode error: %v", err)
	}
	r.OnWarning = func(err error) {
		log.Printf("[receiver] WARN: %v", err)
	}
	r.OnError = func(err error) {
		log.Printf("[receiver] ERR: %v", err)
	}

	err = r.Initialize()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	m = metrics.New(prometheus.DefaultRegisterer, r)

	api := &httpapi.Server{
		Controller: r,
		LogOutput:  os.Stderr,
	}
	api.Initialize()

	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	err = r.SetSource(cfg.SourceAddress)
	if err != nil {
		log.Fatalf("[main] set source: %v", err)
	}
	log.Printf("[main] listening on %v", r.LocalAddr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("[http] listening on %s", cfg.HTTPAddr)
		err := hs.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		r.Close()
		return hs.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		log.Printf("[main] %v", err)
	}

	log.Printf("[main] done")
}
