package pathresolver

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CanonicalMarker is the relative prefix every canonical path starts with.
const CanonicalMarker = "storage/www/record/live"

const (
	dateLayout          = "2006-01-02"
	defaultRemotePrefix = "recordings"
)

var (
	driveLetter = regexp.MustCompile(`^[A-Za-z]:`)
	segmentName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-(\d{2})-(\d{2})-(\d{2})(?:-\d+)?\.[A-Za-z0-9]+$`)
)

// Layout describes where recordings live on disk and in the bucket.
type Layout struct {
	// Root is the filesystem directory that CanonicalMarker maps to.
	Root string
	// AltRoots are older storage roots searched when a file is not under Root.
	AltRoots []string
	// RemotePrefix is the first segment of generated object keys.
	RemotePrefix string
}

func (l Layout) remotePrefix() string {
	if l.RemotePrefix == "" {
		return defaultRemotePrefix
	}
	return strings.Trim(l.RemotePrefix, "/")
}

func toSlash(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return driveLetter.ReplaceAllString(p, "")
}

// Normalize converts any historical path form into the canonical relative form
// storage/www/record/live/<camera>/<date>/<file>. Normalize(Normalize(p)) == Normalize(p).
func (l Layout) Normalize(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	p = path.Clean(toSlash(strings.TrimSpace(p)))

	if i := strings.Index(p, CanonicalMarker); i >= 0 {
		return rebase(strings.TrimPrefix(p[i:], CanonicalMarker))
	}
	if i := strings.Index(p, "www/record/live"); i >= 0 {
		return rebase(strings.TrimPrefix(p[i:], "www/record/live"))
	}
	for _, root := range append([]string{l.Root}, l.AltRoots...) {
		if root == "" {
			continue
		}
		r := path.Clean(toSlash(root))
		if p == r {
			return CanonicalMarker
		}
		if strings.HasPrefix(p, r+"/") {
			return rebase(strings.TrimPrefix(p, r))
		}
	}
	return rebase(p)
}

// rebase joins a cleaned remainder onto the canonical marker, dropping any
// leading slashes or parent references so the result never escapes the root.
func rebase(rest string) string {
	rest = strings.TrimLeft(rest, "/")
	for strings.HasPrefix(rest, "../") {
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "../"), "/")
	}
	if rest == "" || rest == "." || rest == ".." {
		return CanonicalMarker
	}
	return path.Join(CanonicalMarker, rest)
}

// ToAbsolute maps a canonical relative path onto the filesystem under Root.
func (l Layout) ToAbsolute(canonical string) string {
	rel := strings.TrimPrefix(l.Normalize(canonical), CanonicalMarker)
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// GeneratePath returns the canonical relative path for a segment.
func (l Layout) GeneratePath(cameraID, filename string, date time.Time) string {
	return path.Join(CanonicalMarker, cameraID, date.UTC().Format(dateLayout), filename)
}

// GenerateRemoteKey returns the object key <prefix>/<YYYY>/<MM>/<DD>/<camera>/<filename>.
func (l Layout) GenerateRemoteKey(cameraID, filename string, date time.Time) string {
	d := date.UTC()
	return path.Join(l.remotePrefix(), d.Format("2006"), d.Format("01"), d.Format("02"), cameraID, path.Base(filename))
}

// ParseSegmentTime extracts the capture start from a segment filename such as
// 2024-01-15-10-30-00-0.mp4. Timestamps are interpreted as UTC.
func ParseSegmentTime(filename string) (time.Time, bool) {
	m := segmentName.FindStringSubmatch(path.Base(toSlash(filename)))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05", m[1]+" "+m[2]+":"+m[3]+":"+m[4])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
