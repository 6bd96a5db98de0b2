// Package firmware describes firmware images: the running build, remote
// manifests and the policy deciding whether an update is offered.
package firmware

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Build metadata, set at link time:
//
//	go build -ldflags "-X cellnode/internal/firmware.version=1.4.2 \
//	  -X cellnode/internal/firmware.commit=$(git rev-parse HEAD) \
//	  -X cellnode/internal/firmware.branch=$(git branch --show-current) \
//	  -X cellnode/internal/firmware.tree=$(git diff --quiet && echo clean || echo dirty)"
var (
	version = "dev"
	commit  = "unknown"
	branch  = ""
	tree    = "clean"
)

// ErrInvalidManifest is returned for a manifest missing required fields.
var ErrInvalidManifest = errors.New("invalid firmware manifest")

// Info is the metadata of a firmware image.
type Info struct {
	Version string `yaml:"version" json:"version"`
	Commit  string `yaml:"commit" json:"commit"`
	Branch  string `yaml:"branch" json:"branch,omitempty"`
	Dirty   bool   `yaml:"dirty" json:"dirty"`
	Size    int64  `yaml:"size" json:"size,omitempty"`
	Image   string `yaml:"image" json:"image,omitempty"`
	// SHA1 is the lower-case hex digest of the image, empty if unknown.
	SHA1 string `yaml:"sha1" json:"sha1,omitempty"`
}

// Running returns the metadata of the running build. It is constant for the
// life of the process.
func Running() Info {
	return Info{
		Version: version,
		Commit:  commit,
		Branch:  branch,
		Dirty:   tree == "dirty",
	}
}

func (i Info) String() string {
	s := i.Version + " (" + shortCommit(i.Commit)
	if i.Dirty {
		s += "-dirty"
	}
	return s + ")"
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// UpdateAvailable reports whether remote should be installed over local:
// the commits differ and remote was built from a clean tree.
func UpdateAvailable(local, remote Info) bool {
	if remote.Commit == "" || remote.Dirty {
		return false
	}
	return remote.Commit != local.Commit
}

// ParseManifest parses a remote manifest. Two formats are accepted: a YAML
// document with the Info fields, or the single line legacy form
//
//	<major>.<minor>.<update> <size> <sha1> <commit>
//
// whose image name is defaultImage.
func ParseManifest(data []byte, defaultImage string) (Info, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Info{}, fmt.Errorf("%w: empty", ErrInvalidManifest)
	}

	var info Info
	if f := strings.Fields(text); len(f) == 4 && !strings.Contains(text, ":") {
		size, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return Info{}, fmt.Errorf("%w: size %q", ErrInvalidManifest, f[1])
		}
		info = Info{Version: f[0], Size: size, SHA1: f[2], Commit: f[3]}
	} else if err := yaml.Unmarshal([]byte(text), &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if info.Image == "" {
		info.Image = defaultImage
	}
	info.SHA1 = strings.ToLower(info.SHA1)
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Validate checks the fields needed to download and verify an image.
func (i Info) Validate() error {
	switch {
	case i.Commit == "":
		return fmt.Errorf("%w: missing commit", ErrInvalidManifest)
	case i.Size <= 0:
		return fmt.Errorf("%w: size %d", ErrInvalidManifest, i.Size)
	case i.Image == "":
		return fmt.Errorf("%w: missing image name", ErrInvalidManifest)
	}
	if i.SHA1 != "" {
		if b, err := hex.DecodeString(i.SHA1); err != nil || len(b) != 20 {
			return fmt.Errorf("%w: sha1 %q", ErrInvalidManifest, i.SHA1)
		}
	}
	return nil
}

// CompareVersions compares dotted numeric versions and returns -1, 0 or 1.
// Missing or non-numeric components count as zero.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for len(pa) < len(pb) {
		pa = append(pa, "0")
	}
	for len(pb) < len(pa) {
		pb = append(pb, "0")
	}
	for k := range pa {
		x, _ := strconv.Atoi(pa[k])
		y, _ := strconv.Atoi(pb[k])
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
