package dataset

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// names of the stereo datasets this loader understands.
var names = map[string]bool{
	"sceneflow": true,
	"kitti":     true,
}

// Known reports whether name is a supported dataset.
func Known(name string) bool { return names[name] }

// Names returns the supported dataset names, sorted.
func Names() []string {
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DiscoverShards returns paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// ReadList resolves a sample list file into shard paths. Each non-empty,
// non-comment line names a shard or a directory of shards relative to root.
// Order is preserved.
func ReadList(listPath, root string) ([]string, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrap(err, "open list")
	}
	defer f.Close()

	var shards []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, line)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", listPath, lineNo)
		}
		if !info.IsDir() {
			shards = append(shards, path)
			continue
		}
		found, err := DiscoverShards(path)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("list %s: %d shards under %s", listPath, len(found), path)
		shards = append(shards, found...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read list")
	}
	return shards, nil
}
