package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/guernica0131/foreshadow/internal/catalog"
)

// Source fetches one named forecast file from the upstream archive.
type Source interface {
	Fetch(ctx context.Context, remotePath string) (io.ReadCloser, error)
}

// HTTPSource fetches forecast files from an HTTP archive laid out as
// {base}/{prefix}.{YYYYMMDD}/{HH}/{file}.
type HTTPSource struct {
	base string
	cfg  ClientConfig
	cb   *gobreaker.CircuitBreaker
}

// NewHTTPSource builds a source against the given base URL. A zero backoff
// config gets sane defaults.
func NewHTTPSource(base string, cfg ClientConfig) *HTTPSource {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Backoff.MaxRetries == 0 && cfg.Backoff.InitialInterval == 0 {
		cfg.Backoff = BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		}
	}
	return &HTTPSource{
		base: base,
		cfg:  cfg,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ingest-source",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Unpublished hours are gaps, not upstream failures; a run's
			// rollout serves long streaks of 404s.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	resp, err := doRequestWithResilience(ctx, s.cfg, s.cb, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, s.base+"/"+remotePath, nil)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Config controls a downloader's sweep and retention behaviour.
type Config struct {
	Root    string
	Models  []catalog.Model
	MaxDays int // retention window in days, default 5
}

// Downloader mirrors the upstream archive into the local grid-file tree. The
// 00Z cycle is pulled across the model's full forecast range; the 06, 12 and
// 18Z cycles carry only the first 24 hours. Older days are pruned once the
// current day's 00Z run has full coverage, each kept day collapsing to its
// 00Z cycle trimmed to 24 hours.
type Downloader struct {
	root    string
	models  []catalog.Model
	src     Source
	maxDays int

	mu       sync.Mutex
	coverage map[string]map[int]map[int]bool // day -> run hour -> forecast hours present

	// now is a test hook.
	now func() time.Time
}

func NewDownloader(src Source, cfg Config) *Downloader {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 5
	}
	return &Downloader{
		root:     cfg.Root,
		models:   cfg.Models,
		src:      src,
		maxDays:  cfg.MaxDays,
		coverage: make(map[string]map[int]map[int]bool),
		now:      time.Now,
	}
}

var runHours = []int{0, 6, 12, 18}

// requiredHours lists the forecast hours a cycle should carry. The 00Z cycle
// holds the full range, hourly through f120 and three-hourly beyond; the
// other cycles hold f000 through f023.
func requiredHours(runHour, maxHour int) []int {
	if runHour != 0 {
		hours := make([]int, 24)
		for i := range hours {
			hours[i] = i
		}
		return hours
	}
	var hours []int
	for h := 0; h <= 120 && h <= maxHour; h++ {
		hours = append(hours, h)
	}
	for h := 123; h <= maxHour; h += 3 {
		hours = append(hours, h)
	}
	return hours
}

// Sweep pulls every missing file for the current day and returns whether any
// new file landed. Cycles are swept concurrently; a cycle's failure is logged
// and does not abort the others. When the sweep brought new data and the
// day's 00Z run is complete, older days are pruned.
func (d *Downloader) Sweep(ctx context.Context) (bool, error) {
	day := d.now().UTC().Format("20060102")
	var newData atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rh := range runHours {
		for _, m := range d.models {
			rh, m := rh, m
			g.Go(func() error {
				got, err := d.sweepCycle(gctx, m, day, rh)
				if got {
					newData.Store(true)
				}
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					log.Printf("WARN: ingest: sweep %s %s/%02d: %v", m.ID, day, rh, err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return newData.Load(), err
	}

	if newData.Load() && d.coverageComplete(day) {
		log.Printf("INFO: ingest: 00Z coverage complete for %s, pruning older days", day)
		if err := d.Prune(day); err != nil {
			log.Printf("WARN: ingest: prune: %v", err)
		}
	}
	return newData.Load(), nil
}

// sweepCycle fetches the missing forecast hours of one model cycle.
func (d *Downloader) sweepCycle(ctx context.Context, m catalog.Model, day string, runHour int) (bool, error) {
	dir := filepath.Join(d.root, day, fmt.Sprintf("%02d", runHour))
	existing, err := localForecastHours(dir)
	if err != nil {
		return false, err
	}
	for h := range existing {
		d.record(day, runHour, h)
	}

	var fetched bool
	for _, fhr := range requiredHours(runHour, m.MaxHour) {
		if ctx.Err() != nil {
			return fetched, ctx.Err()
		}
		if existing[fhr] {
			continue
		}

		name := catalog.FileName(m, runHour, fhr)
		remote := fmt.Sprintf("%s.%s/%02d/%s", m.FilePrefix, day, runHour, name)
		if err := d.fetchOne(ctx, remote, filepath.Join(dir, name)); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return fetched, err
		}
		log.Printf("DEBUG: ingest: fetched %s", remote)
		d.record(day, runHour, fhr)
		fetched = true
	}
	return fetched, nil
}

// fetchOne streams a remote file to disk, writing through a temp name so a
// partial download never looks like a valid grid file.
func (d *Downloader) fetchOne(ctx context.Context, remote, dst string) error {
	body, err := d.src.Fetch(ctx, remote)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (d *Downloader) record(day string, runHour, fhr int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byRun, ok := d.coverage[day]
	if !ok {
		byRun = make(map[int]map[int]bool)
		d.coverage[day] = byRun
	}
	hours, ok := byRun[runHour]
	if !ok {
		hours = make(map[int]bool)
		byRun[runHour] = hours
	}
	hours[fhr] = true
}

// coverageComplete reports whether the day's 00Z cycle carries the first 24
// hours and the full three-hourly tail.
func (d *Downloader) coverageComplete(day string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hours, ok := d.coverage[day][0]
	if !ok {
		return false
	}
	for h := 0; h < 24; h++ {
		if !hours[h] {
			return false
		}
	}
	for h := 123; h <= 384; h += 3 {
		if !hours[h] {
			return false
		}
	}
	return true
}

var forecastHourPattern = regexp.MustCompile(`\.f(\d{3})`)

// localForecastHours scans a cycle directory for the forecast hours already
// on disk.
func localForecastHours(dir string) (map[int]bool, error) {
	hours := make(map[int]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return hours, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := forecastHourPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var fhr int
		fmt.Sscanf(m[1], "%d", &fhr)
		hours[fhr] = true
	}
	return hours, nil
}

// Prune applies the retention policy relative to latestDay: day folders older
// than the retention window are removed, and days before latestDay keep only
// their 00Z cycle trimmed to f023.
func (d *Downloader) Prune(latestDay string) error {
	latest, err := time.Parse("20060102", latestDay)
	if err != nil {
		return fmt.Errorf("invalid day %q: %w", latestDay, err)
	}
	cutoff := latest.AddDate(0, 0, -d.maxDays)

	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse("20060102", e.Name())
		if err != nil {
			continue
		}
		dayPath := filepath.Join(d.root, e.Name())

		if day.Before(cutoff) {
			log.Printf("INFO: ingest: removing expired day %s", e.Name())
			if err := os.RemoveAll(dayPath); err != nil {
				return err
			}
			continue
		}
		if !day.Before(latest) {
			continue
		}

		// Older retained day: keep only the trimmed 00Z cycle.
		cycles, err := os.ReadDir(dayPath)
		if err != nil {
			return err
		}
		for _, c := range cycles {
			if !c.IsDir() {
				continue
			}
			cyclePath := filepath.Join(dayPath, c.Name())
			if c.Name() != "00" {
				if err := os.RemoveAll(cyclePath); err != nil {
					return err
				}
				continue
			}
			if err := trimCycle(cyclePath, 23); err != nil {
				return err
			}
		}
	}
	return nil
}

// trimCycle removes forecast files beyond the given hour from a cycle dir.
func trimCycle(dir string, maxFHR int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := forecastHourPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var fhr int
		fmt.Sscanf(m[1], "%d", &fhr)
		if fhr > maxFHR {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
