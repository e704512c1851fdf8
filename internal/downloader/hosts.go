package downloader

import "fmt"

// defaultRef resolves to the repository's default branch on every
// supported archive endpoint.
const defaultRef = "HEAD"

// hostArchive maps a repository host to its tarball endpoint. A nil
// archive func means the host has no endpoint and the tree must be
// cloned over git.
func hostArchive(host, owner, repo string) (Source, func(ref string) string) {
	switch host {
	case "github.com":
		return SourceGitHub, func(ref string) string {
			return fmt.Sprintf("https://codeload.github.com/%s/%s/tar.gz/%s", owner, repo, ref)
		}
	case "gitlab.com":
		return SourceGitLab, func(ref string) string {
			return fmt.Sprintf("https://gitlab.com/%s/%s/-/archive/%s/%s-%s.tar.gz", owner, repo, ref, repo, ref)
		}
	case "bitbucket.org":
		return SourceBitbucket, func(ref string) string {
			return fmt.Sprintf("https://bitbucket.org/%s/%s/get/%s.tar.gz", owner, repo, ref)
		}
	default:
		return SourceGit, nil
	}
}
