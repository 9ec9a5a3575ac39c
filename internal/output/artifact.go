package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// DefaultDir is where artifacts land when no output path is configured.
const DefaultDir = "data"

// ErrNoArtifact is returned when a directory holds no weekly artifact.
var ErrNoArtifact = errors.New("no raw_stats_YYYY_wkN.csv artifact found")

var artifactPattern = regexp.MustCompile(`(?i)raw_stats_(\d{4})_wk(\d{1,2})\.csv$`)

// Artifact is a weekly raw stats file.
type Artifact struct {
	Path string
	Year int
	Week int
}

// ArtifactName returns the file name of the weekly artifact for season and week.
func ArtifactName(season, week int) string {
	return fmt.Sprintf("raw_stats_%d_wk%d.csv", season, week)
}

// DefaultOutputPath returns the weekly artifact path under dir when season
// and week are both set, and dir/raw_projections.csv otherwise.
func DefaultOutputPath(dir string, season, week int) string {
	if dir == "" {
		dir = DefaultDir
	}
	if season > 0 && week > 0 {
		return filepath.Join(dir, ArtifactName(season, week))
	}
	return filepath.Join(dir, "raw_projections.csv")
}

// ParseYearWeek extracts the season and week from an artifact file name.
func ParseYearWeek(name string) (year, week int, ok bool) {
	m := artifactPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, 0, false
	}
	year, _ = strconv.Atoi(m[1])
	week, _ = strconv.Atoi(m[2])
	return year, week, true
}

// FindLatest returns the newest artifact in dir by (year, week).
func FindLatest(dir string) (Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Artifact{}, fmt.Errorf("read %s: %w", dir, err)
	}

	var (
		best  Artifact
		found bool
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		year, week, ok := ParseYearWeek(e.Name())
		if !ok {
			continue
		}
		if !found || year > best.Year || (year == best.Year && week > best.Week) {
			best = Artifact{Path: filepath.Join(dir, e.Name()), Year: year, Week: week}
			found = true
		}
	}
	if !found {
		return Artifact{}, fmt.Errorf("%s: %w", dir, ErrNoArtifact)
	}
	return best, nil
}
