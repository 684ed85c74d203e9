package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/link counter.
var Stats = &stats{}

type stats struct {
	TotalLinks  atomic.Int64 // cumulative count of links connected since process start
	ClosedLinks atomic.Int64 // cumulative count of links closed since process start
	FramesSent  atomic.Int64 // application frames written to a link
	FramesRecv  atomic.Int64 // application frames decoded from a link
	BytesSent   atomic.Int64 // cumulative bytes written to links (frames and lines)
	BytesRecv   atomic.Int64 // cumulative bytes read from links
	QueueFull   atomic.Int64 // sends rejected because the destination queue was full
	Pending     atomic.Int64 // frames currently waiting in outbound queues
}

func (s *stats) AddLink()         { s.TotalLinks.Add(1) }
func (s *stats) RemoveLink()      { s.ClosedLinks.Add(1) }
func (s *stats) AddFrameSent()    { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv()    { s.FramesRecv.Add(1) }
func (s *stats) AddSent(n int)    { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)    { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddQueueFull()    { s.QueueFull.Add(1) }
func (s *stats) SetPending(n int) { s.Pending.Store(int64(n)) }

// ActiveLinks returns the number of links currently connected.
func (s *stats) ActiveLinks() int64 {
	return s.TotalLinks.Load() - s.ClosedLinks.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFramesOut, prevFramesIn int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				framesOut := Stats.FramesSent.Load()
				framesIn := Stats.FramesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outF := framesOut - prevFramesOut
				inF := framesIn - prevFramesIn

				if outF > 0 || inF > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inF, outF, Stats.ActiveLinks()))
				}

				prevSent = sent
				prevRecv = recv
				prevFramesOut = framesOut
				prevFramesIn = framesIn

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inF, outF, links int64) string {
	return fmt.Sprintf("In: %s/s %3d fr | Out: %s/s %3d fr | Links: %d",
		formatBytes(inS),
		inF,
		formatBytes(outS),
		outF,
		links,
	)
}
