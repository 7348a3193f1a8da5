package gitsync

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// integrate fast-forwards the checked out branch to its fetched counterpart.
// It returns the resulting HEAD. The mirror is never modified on error.
func integrate(r *git.Repository) (plumbing.Hash, error) {
	head, err := r.Head()
	if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	if !head.Name().IsBranch() {
		return plumbing.ZeroHash, mergeError(errors.New("HEAD is detached"))
	}

	upstream := plumbing.NewRemoteReferenceName(remoteName, head.Name().Short())
	theirsRef, err := r.Reference(upstream, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, mergeError(fmt.Errorf("branch %s no longer exists on the remote", head.Name().Short()))
	} else if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	if theirsRef.Hash() == head.Hash() {
		return head.Hash(), nil
	}

	ours, err := r.CommitObject(head.Hash())
	if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	theirs, err := r.CommitObject(theirsRef.Hash())
	if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	ok, err := ours.IsAncestor(theirs)
	if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}
	if !ok {
		return plumbing.ZeroHash, mergeError(fmt.Errorf("%w: %s is not an ancestor of %s", ErrNonFastForward, short(ours.Hash), short(theirs.Hash)))
	}

	w, err := r.Worktree()
	if err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	// Reset moves the branch HEAD points at, then the index and worktree.
	if err := w.Reset(&git.ResetOptions{Commit: theirs.Hash, Mode: git.HardReset}); err != nil {
		return plumbing.ZeroHash, localStateError("integrate", err)
	}

	return theirs.Hash, nil
}

func short(h plumbing.Hash) string {
	return h.String()[:7]
}
