package server

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// maxFileEntries caps a single listing; larger trees are truncated and
// flagged.
const maxFileEntries = 1000

// listingCacheSize bounds the LRU of directory listings.
const listingCacheSize = 100

// FileEntry describes one file or directory, workspace-relative.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Listing is the response of the workspace file listing endpoint.
type Listing struct {
	Path      string      `json:"path"`
	Files     []FileEntry `json:"files"`
	Truncated bool        `json:"truncated,omitempty"`
}

type cachedListing struct {
	listing Listing
	modTime time.Time
}

// fileLister walks workspace directories behind the path guard, caching
// listings keyed by path until the directory's mtime changes.
type fileLister struct {
	ws    *workspace.Workspace
	cache *lru.Cache[string, cachedListing]
}

func newFileLister(ws *workspace.Workspace) (*fileLister, error) {
	cache, err := lru.New[string, cachedListing](listingCacheSize)
	if err != nil {
		return nil, err
	}
	return &fileLister{ws: ws, cache: cache}, nil
}

// List returns the recursive listing of a workspace-relative directory.
func (l *fileLister) List(path string) (Listing, error) {
	if path == "" {
		path = "."
	}
	abs, err := l.ws.Resolve(path)
	if err != nil {
		return Listing{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Listing{}, err
	}

	if cached, ok := l.cache.Get(path); ok && cached.modTime.Equal(info.ModTime()) {
		return cached.listing, nil
	}

	listing, err := l.walk(path, abs)
	if err != nil {
		return Listing{}, err
	}
	l.cache.Add(path, cachedListing{listing: listing, modTime: info.ModTime()})
	return listing, nil
}

func (l *fileLister) walk(requested, abs string) (Listing, error) {
	listing := Listing{Path: requested, Files: []FileEntry{}}

	err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == workspace.MarkerDirName || name == ".git") {
			return filepath.SkipDir
		}

		if len(listing.Files) >= maxFileEntries {
			listing.Truncated = true
			return filepath.SkipAll
		}

		rel, err := l.ws.Rel(path)
		if err != nil {
			return err
		}
		entry := FileEntry{Path: rel, IsDir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		listing.Files = append(listing.Files, entry)
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}
