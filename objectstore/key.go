package objectstore

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Key derives the remote object key for a local file f under bucket
// directory root, per spec §6: the path of f relative to root, with
// path separators mapped to "/", URL-unescaped, and no leading slash.
//
// Key is a pure function: repeated calls with the same arguments always
// produce the same result.
func Key(f, root string) (string, error) {
	rel, err := filepath.Rel(root, f)
	if err != nil {
		return "", err //nolint:wrapcheck
	}

	slashed := filepath.ToSlash(rel)

	unescaped, err := url.PathUnescape(slashed)
	if err != nil {
		// Not a validly escaped path: use it as-is rather than fail the upload
		// over a cosmetic decoding issue.
		unescaped = slashed
	}

	return strings.TrimPrefix(unescaped, "/"), nil
}
