package release

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	modsemver "golang.org/x/mod/semver"
)

// Version constants.
const (
	FirstRelease       = "1.0.0"
	DevelopmentVersion = "0.0.0-development"
)

// Result is the outcome of a next-version computation.
type Result struct {
	// Version is the next version, or the fallback when Released is false.
	Version  string
	Released bool
	Bump     Bump
	// Base is the version of the last release tag, empty when none.
	Base string
	// Commits is the number of commits since Base.
	Commits int
}

// Fallback returns defaultVersion, or the development version when empty.
func Fallback(defaultVersion string) string {
	if v := strings.TrimSpace(defaultVersion); v != "" {
		return v
	}
	return DevelopmentVersion
}

// FromCommits analyzes the commits from HEAD back to the latest release tag
// of the repository at path. When nothing warrants a release the result
// carries the fallback version.
func FromCommits(path, defaultVersion string) (*Result, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	tags, err := releaseTags(repo)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer iter.Close()

	res := &Result{}
	var (
		base     *semver.Version
		messages []string
	)
	err = iter.ForEach(func(c *object.Commit) error {
		if v, ok := tags[c.Hash]; ok {
			base = v
			return storer.ErrStop
		}
		messages = append(messages, c.Message)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}

	res.Commits = len(messages)
	res.Bump = AnalyzeAll(messages)
	if base != nil {
		res.Base = base.String()
	}
	if res.Bump == BumpNone {
		res.Version = Fallback(defaultVersion)
		return res, nil
	}

	res.Released = true
	if base == nil {
		res.Version = FirstRelease
		return res, nil
	}
	res.Version = bump(base, res.Bump).String()
	return res, nil
}

// FromTags bumps the patch of the highest semver tag. Without tags the
// fallback version is returned.
func FromTags(path, defaultVersion string) (*Result, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	tags, err := releaseTags(repo)
	if err != nil {
		return nil, err
	}
	versions := make([]*semver.Version, 0, len(tags))
	for _, v := range tags {
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return &Result{Version: Fallback(defaultVersion)}, nil
	}
	sort.Sort(semver.Collection(versions))
	highest := versions[len(versions)-1]
	return &Result{
		Version:  bump(highest, BumpPatch).String(),
		Released: true,
		Bump:     BumpPatch,
		Base:     highest.String(),
	}, nil
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return repo, nil
}

// releaseTags maps commit hashes to the highest release version tagged on
// them. Pre-release and non-semver tags are ignored.
func releaseTags(repo *git.Repository) (map[plumbing.Hash]*semver.Version, error) {
	refs, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer refs.Close()

	out := map[plumbing.Hash]*semver.Version{}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		canonical := "v" + strings.TrimPrefix(name, "v")
		if !modsemver.IsValid(canonical) || modsemver.Prerelease(canonical) != "" {
			return nil
		}
		v, err := semver.NewVersion(canonical)
		if err != nil {
			return nil
		}
		hash, err := commitOf(repo, ref)
		if err != nil {
			return err
		}
		if prev, ok := out[hash]; !ok || v.GreaterThan(prev) {
			out[hash] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commitOf peels annotated tags down to the tagged commit.
func commitOf(repo *git.Repository, ref *plumbing.Reference) (plumbing.Hash, error) {
	tag, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		c, err := tag.Commit()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve tag %s: %w", ref.Name().Short(), err)
		}
		return c.Hash, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return ref.Hash(), nil
	default:
		return plumbing.ZeroHash, fmt.Errorf("read tag %s: %w", ref.Name().Short(), err)
	}
}

func bump(v *semver.Version, b Bump) semver.Version {
	switch b {
	case BumpMajor:
		return v.IncMajor()
	case BumpMinor:
		return v.IncMinor()
	default:
		return v.IncPatch()
	}
}
