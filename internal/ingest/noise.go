package ingest

import "strings"

// noiseNames are operating-system artefacts matched against an entry's base name.
var noiseNames = map[string]struct{}{
	".DS_Store":   {},
	"Thumbs.db":   {},
	"desktop.ini": {},
	"ehthumbs.db": {},
	".localized":  {},
}

// noiseDirs are matched against every directory segment of an entry name.
var noiseDirs = map[string]struct{}{
	"__MACOSX":                  {},
	".Spotlight-V100":           {},
	".Trashes":                  {},
	".fseventsd":                {},
	".TemporaryItems":           {},
	".AppleDouble":              {},
	"$RECYCLE.BIN":              {},
	"System Volume Information": {},
	".git":                      {},
	".svn":                      {},
}

// IsNoise reports whether name is a platform artefact rather than content.
// Matching is exact on segments, so "my__MACOSX_notes.txt" is kept.
func IsNoise(name string) bool {
	segments := strings.Split(strings.Trim(name, "/"), "/")
	for i, seg := range segments {
		// A final segment may itself be the artefact directory, or a file
		// named after one (a worktree ".git" file, a bare "__MACOSX" entry).
		if _, ok := noiseDirs[seg]; ok {
			return true
		}
		if i < len(segments)-1 {
			continue
		}
		if _, ok := noiseNames[seg]; ok {
			return true
		}
		if strings.HasPrefix(seg, "._") {
			return true
		}
	}
	return false
}
