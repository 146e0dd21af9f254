package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/arpguard/arpguard/internal/arp"
)

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Lines      int `json:"lines"`
	Processed  int `json:"processed"`
	Invalid    int `json:"invalid"`
	Malformed  int `json:"malformed"`
	Detections int `json:"detections"`
}

// Replay feeds JSON-lines packet records from r through the pipeline. Blank
// lines are skipped; malformed and invalid records are counted and skipped.
// It stops early when ctx is cancelled.
func (p *Pipeline) Replay(ctx context.Context, r io.Reader) (ReplayStats, error) {
	var stats ReplayStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		pkt, err := arp.UnmarshalPacket(line)
		if err != nil {
			stats.Malformed++
			p.logger.Debug().Err(err).Int("line", stats.Lines).Msg("skipping malformed record")
			continue
		}
		results, err := p.Process(ctx, pkt)
		if err != nil {
			if IsValidationError(err) {
				stats.Invalid++
				continue
			}
			return stats, err
		}
		stats.Processed++
		stats.Detections += len(results)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading replay input: %w", err)
	}
	return stats, nil
}

// ReplayFile replays path, or stdin when path is "-".
func (p *Pipeline) ReplayFile(ctx context.Context, path string) (ReplayStats, error) {
	if path == "-" {
		return p.Replay(ctx, os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()
	return p.Replay(ctx, f)
}
