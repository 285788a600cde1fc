package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OverwriteMode controls what happens when a rendered save path already
// exists on disk.
//
// NOTE: These values are persisted in the job cache and are part of the
// stable on-disk contract.
type OverwriteMode string

const (
	// OverwriteSkip leaves the existing file alone and skips the download.
	OverwriteSkip OverwriteMode = "skip"

	// OverwriteReplace writes over the existing file.
	OverwriteReplace OverwriteMode = "overwrite"

	// OverwriteRename appends a numeric disambiguator until the path is free.
	OverwriteRename OverwriteMode = "rename"
)

// ErrSkipExisting is the sentinel returned by ResolveConflict under
// OverwriteSkip when a file already exists at the candidate path.
var ErrSkipExisting = errors.New("file exists, skipping per overwrite mode")

// ParseOverwriteMode validates a mode string from configuration.
func ParseOverwriteMode(s string) (OverwriteMode, error) {
	switch OverwriteMode(s) {
	case OverwriteSkip, OverwriteReplace, OverwriteRename:
		return OverwriteMode(s), nil
	case "":
		return OverwriteRename, nil
	default:
		return "", fmt.Errorf("unsupported overwrite mode %q", s)
	}
}

// ResolveConflict maps a candidate save path to the path that should
// actually be written, per the overwrite mode.
//
// The only side effect is the filesystem existence check. Under
// OverwriteSkip an existing candidate yields ErrSkipExisting; under
// OverwriteRename " (n)" is inserted before the extension, with n counting
// up from 1 until the path is free.
func ResolveConflict(candidate string, mode OverwriteMode) (string, error) {
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	switch mode {
	case OverwriteReplace:
		return candidate, nil
	case OverwriteSkip:
		return "", ErrSkipExisting
	case OverwriteRename:
		return renameCandidate(candidate)
	default:
		return "", fmt.Errorf("unsupported overwrite mode %q", mode)
	}
}

func renameCandidate(candidate string) (string, error) {
	ext := filepath.Ext(candidate)
	stem := strings.TrimSuffix(candidate, ext)
	for n := 1; ; n++ {
		next := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(next); os.IsNotExist(err) {
			return next, nil
		}
	}
}
