package pathresolver

import (
	"path"
	"path/filepath"

	"github.com/aura-webinar/recording-sync/internal/models"
)

// CandidateFunc proposes filesystem paths where a recording's file may live.
// Implementations must be pure; the locator stats the results in order.
type CandidateFunc func(rec *models.Recording, l Layout) []string

// DefaultCandidates lists the layouts seen across storage generations, most likely first.
var DefaultCandidates = []CandidateFunc{
	KnownPaths,
	CanonicalLayout,
	CameraFlatLayout,
	ProcessedLayout,
	NestedLiveLayout,
	TempFileLayout,
	BareFilename,
}

func roots(l Layout) []string {
	out := make([]string, 0, 1+len(l.AltRoots))
	if l.Root != "" {
		out = append(out, l.Root)
	}
	for _, r := range l.AltRoots {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func filename(rec *models.Recording) string {
	if rec.Filename != "" {
		return rec.Filename
	}
	for _, p := range []string{rec.CanonicalPath, rec.LocalPath, rec.FilePath} {
		if p != "" {
			return path.Base(toSlash(p))
		}
	}
	return ""
}

func segmentDate(rec *models.Recording) string {
	if t, ok := ParseSegmentTime(filename(rec)); ok {
		return t.Format(dateLayout)
	}
	return rec.SegmentTime().UTC().Format(dateLayout)
}

// KnownPaths yields the paths already stored on the row, verbatim when
// absolute and mapped onto the root through their canonical form.
func KnownPaths(rec *models.Recording, l Layout) []string {
	var out []string
	for _, p := range []string{rec.CanonicalPath, rec.LocalPath, rec.FilePath} {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			out = append(out, p)
		}
		out = append(out, l.ToAbsolute(p))
	}
	return out
}

// CanonicalLayout yields <root>/<camera>/<date>/<file>.
func CanonicalLayout(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" || rec.CameraID == "" {
		return nil
	}
	var out []string
	for _, r := range roots(l) {
		out = append(out, filepath.Join(r, rec.CameraID, segmentDate(rec), name))
	}
	return out
}

// CameraFlatLayout yields <root>/<camera>/<file>.
func CameraFlatLayout(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" || rec.CameraID == "" {
		return nil
	}
	var out []string
	for _, r := range roots(l) {
		out = append(out, filepath.Join(r, rec.CameraID, name))
	}
	return out
}

// ProcessedLayout yields <root>/processed/<date>/<file> and <root>/processed/<file>.
func ProcessedLayout(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" {
		return nil
	}
	var out []string
	for _, r := range roots(l) {
		out = append(out,
			filepath.Join(r, "processed", segmentDate(rec), name),
			filepath.Join(r, "processed", name),
		)
	}
	return out
}

// NestedLiveLayout yields the doubled record/live tree some media server
// versions produce: <root>/<camera>/<date>/record/live/<camera>/<date>/<file>.
func NestedLiveLayout(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" || rec.CameraID == "" {
		return nil
	}
	date := segmentDate(rec)
	var out []string
	for _, r := range roots(l) {
		out = append(out,
			filepath.Join(r, rec.CameraID, date, "record", "live", rec.CameraID, date, name),
			filepath.Join(r, "record", "live", rec.CameraID, date, name),
		)
	}
	return out
}

// TempFileLayout yields the dot-prefixed name a segment has while still being written.
func TempFileLayout(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" || rec.CameraID == "" {
		return nil
	}
	var out []string
	for _, r := range roots(l) {
		out = append(out, filepath.Join(r, rec.CameraID, segmentDate(rec), "."+name))
	}
	return out
}

// BareFilename yields <root>/<file> and <root>/.<file>.
func BareFilename(rec *models.Recording, l Layout) []string {
	name := filename(rec)
	if name == "" {
		return nil
	}
	var out []string
	for _, r := range roots(l) {
		out = append(out, filepath.Join(r, name), filepath.Join(r, "."+name))
	}
	return out
}
