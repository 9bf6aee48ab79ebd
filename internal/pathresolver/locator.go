package pathresolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/recordings"
)

// ErrNotFound is returned when no candidate path holds the recording's file.
var ErrNotFound = errors.New("recording file not found")

// Resolved is a located recording file.
type Resolved struct {
	AbsolutePath  string
	CanonicalPath string
	Size          int64
	ModTime       time.Time
}

// PathWriter persists the canonical path learned during resolution.
type PathWriter interface {
	UpdateWhere(ctx context.Context, id uuid.UUID, cond recordings.Condition, changes recordings.Changes) (*models.Recording, error)
}

// Locator finds recording files on disk.
type Locator struct {
	layout     Layout
	candidates []CandidateFunc
	writer     PathWriter
	logger     *zap.Logger
}

// New creates a locator. With no candidates given, DefaultCandidates is used.
// writer may be nil, in which case canonical paths are not written back.
func New(layout Layout, writer PathWriter, logger *zap.Logger, candidates ...CandidateFunc) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	return &Locator{layout: layout, candidates: candidates, writer: writer, logger: logger}
}

// Layout returns the locator's storage layout.
func (l *Locator) Layout() Layout { return l.layout }

// Normalize see Layout.Normalize.
func (l *Locator) Normalize(p string) string { return l.layout.Normalize(p) }

// GenerateRemoteKey see Layout.GenerateRemoteKey.
func (l *Locator) GenerateRemoteKey(cameraID, filename string, date time.Time) string {
	return l.layout.GenerateRemoteKey(cameraID, filename, date)
}

// Candidates returns the deduplicated lookup order for rec.
func (l *Locator) Candidates(rec *models.Recording) []string {
	seen := make(map[string]bool)
	var out []string
	for _, fn := range l.candidates {
		for _, p := range fn(rec, l.layout) {
			p = filepath.Clean(p)
			if p == "." || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Resolve returns the first candidate that exists as a regular file.
func (l *Locator) Resolve(ctx context.Context, rec *models.Recording) (*Resolved, error) {
	for _, p := range l.Candidates(rec) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		res := &Resolved{
			AbsolutePath:  p,
			CanonicalPath: l.canonicalFor(p),
			Size:          info.Size(),
			ModTime:       info.ModTime(),
		}
		l.writeBack(ctx, rec, res.CanonicalPath)
		return res, nil
	}
	return nil, fmt.Errorf("recording %s: %w", rec.ID, ErrNotFound)
}

// canonicalFor maps an absolute hit back to canonical form. Hidden temp names
// keep their final name so the canonical path stays stable once the write completes.
func (l *Locator) canonicalFor(abs string) string {
	dir, base := filepath.Split(abs)
	return l.layout.Normalize(filepath.Join(dir, strings.TrimPrefix(base, ".")))
}

func (l *Locator) writeBack(ctx context.Context, rec *models.Recording, canonical string) {
	if l.writer == nil || rec.ID == uuid.Nil || rec.CanonicalPath == canonical {
		return
	}
	_, err := l.writer.UpdateWhere(ctx, rec.ID, recordings.Condition{}, recordings.Changes{
		CanonicalPath: &canonical,
		KeepUpdatedAt: true,
	})
	if err != nil {
		l.logger.Warn("persist canonical path", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		return
	}
	rec.CanonicalPath = canonical
}

// DiscoveredFile is a segment found while walking the canonical root.
type DiscoveredFile struct {
	CameraID      string
	Filename      string
	AbsolutePath  string
	CanonicalPath string
	Size          int64
	ModTime       time.Time
}

// Scan walks <root>/<camera>/<date>/*.mp4, skipping hidden entries and files
// modified within minAge, which may still be written to.
func (l *Locator) Scan(ctx context.Context, now time.Time, minAge time.Duration) ([]DiscoveredFile, error) {
	cameras, err := os.ReadDir(l.layout.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read root: %w", err)
	}
	var out []DiscoveredFile
	for _, cam := range cameras {
		if !cam.IsDir() || strings.HasPrefix(cam.Name(), ".") {
			continue
		}
		camDir := filepath.Join(l.layout.Root, cam.Name())
		dates, err := os.ReadDir(camDir)
		if err != nil {
			l.logger.Warn("read camera directory", zap.String("path", camDir), zap.Error(err))
			continue
		}
		for _, date := range dates {
			if !date.IsDir() {
				continue
			}
			if _, err := time.Parse(dateLayout, date.Name()); err != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return out, err
			}
			files, err := l.segmentsIn(filepath.Join(camDir, date.Name()), cam.Name(), now, minAge)
			if err != nil {
				l.logger.Warn("read date directory", zap.String("path", filepath.Join(camDir, date.Name())), zap.Error(err))
				continue
			}
			out = append(out, files...)
		}
	}
	return out, nil
}

func (l *Locator) segmentsIn(dir, cameraID string, now time.Time, minAge time.Duration) ([]DiscoveredFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []DiscoveredFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if minAge > 0 && now.Sub(info.ModTime()) < minAge {
			continue
		}
		abs := filepath.Join(dir, name)
		out = append(out, DiscoveredFile{
			CameraID:      cameraID,
			Filename:      name,
			AbsolutePath:  abs,
			CanonicalPath: l.layout.Normalize(abs),
			Size:          info.Size(),
			ModTime:       info.ModTime(),
		})
	}
	return out, nil
}

// FindNear returns the segment for cameraID whose filename timestamp is
// closest to at, within window.
func (l *Locator) FindNear(ctx context.Context, cameraID string, at time.Time, window time.Duration) (*Resolved, error) {
	days := []time.Time{at.Add(-window), at, at.Add(window)}
	dirs := make(map[string]bool)
	var ordered []string
	for _, d := range days {
		dir := filepath.Join(l.layout.Root, cameraID, d.UTC().Format(dateLayout))
		if !dirs[dir] {
			dirs[dir] = true
			ordered = append(ordered, dir)
		}
	}

	type hit struct {
		path  string
		delta time.Duration
		info  fs.FileInfo
	}
	var hits []hit
	for _, dir := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ts, ok := ParseSegmentTime(strings.TrimPrefix(e.Name(), "."))
			if !ok {
				continue
			}
			delta := ts.Sub(at)
			if delta < 0 {
				delta = -delta
			}
			if delta > window {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			hits = append(hits, hit{path: filepath.Join(dir, e.Name()), delta: delta, info: info})
		}
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("camera %s near %s: %w", cameraID, at.UTC().Format(time.RFC3339), ErrNotFound)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].delta < hits[j].delta })
	best := hits[0]
	return &Resolved{
		AbsolutePath:  best.path,
		CanonicalPath: l.canonicalFor(best.path),
		Size:          best.info.Size(),
		ModTime:       best.info.ModTime(),
	}, nil
}
