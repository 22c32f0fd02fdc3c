// Copyright 2025 James Ross
package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
)

// RunRetentionSweep schedules the periodic WAL retention sweep (§4.1's
// rotation policy, extended): sealed segments are gzip-compressed, and
// segments older than RetentionDays are deleted when CleanupEnabled. The
// sweep runs on a cron "@every" schedule rather than a tight ticker,
// since a sensible sweep period (minutes to hours) doesn't need
// sub-second precision the way the backpressure/health-monitor loops do.
// Returns the running cron.Cron so the caller can Stop it, in addition
// to honoring stop.
func (p *Persistence) RunRetentionSweep(stop <-chan struct{}, every time.Duration) (*cron.Cron, error) {
	if every <= 0 {
		every = time.Hour
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), p.sweepOnce); err != nil {
		return nil, fmt.Errorf("retention: schedule sweep: %w", err)
	}
	c.Start()
	go func() {
		<-stop
		c.Stop()
	}()
	return c, nil
}

// activeSegmentPaths returns the file path of every topic's currently
// open segment, which the sweep must never touch.
func (p *Persistence) activeSegmentPaths() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	active := make(map[string]struct{}, len(p.topics))
	for topic, st := range p.topics {
		st.mu.Lock()
		if st.file != nil {
			active[p.segmentFileName(topic, st.segmentID)] = struct{}{}
		}
		st.mu.Unlock()
	}
	return active
}

// sweepOnce compresses sealed segments and deletes expired ones across
// every topic's WAL directory.
func (p *Persistence) sweepOnce() {
	if !p.cfg.CleanupEnabled {
		return
	}
	plain, err := doublestar.FilepathGlob(filepath.Join(p.cfg.walPath(), "*.jsonl"))
	if err != nil {
		p.logger.Warn("retention sweep: glob failed", map[string]interface{}{"error": err.Error()})
		return
	}
	compressed, err := doublestar.FilepathGlob(filepath.Join(p.cfg.walPath(), "*.jsonl.gz"))
	if err != nil {
		p.logger.Warn("retention sweep: glob failed", map[string]interface{}{"error": err.Error()})
		return
	}
	matches := append(plain, compressed...)
	active := p.activeSegmentPaths()
	cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
	for _, path := range matches {
		if _, isActive := active[path]; isActive {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if p.cfg.RetentionDays > 0 && info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				p.logger.Warn("retention sweep: delete failed", map[string]interface{}{"path": path, "error": err.Error()})
			}
			continue
		}
		if err := compressSegment(path); err != nil {
			p.logger.Warn("retention sweep: compress failed", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}
}

// compressSegment gzips a sealed segment in place and removes the
// uncompressed original.
func compressSegment(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
