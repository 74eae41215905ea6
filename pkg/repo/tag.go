package repo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

// CreateTag points the lightweight tag name at target. Without force an
// existing tag is an error.
func (r *Repo) CreateTag(name string, target object.Hash, force bool) error {
	name = strings.TrimSpace(name)
	if err := checkRefName("tag", name); err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	if strings.TrimSpace(string(target)) == "" {
		return fmt.Errorf("create tag: target hash is required")
	}
	if err := r.setTag(name, target, force); err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// CreateAnnotatedTag stores a tag object for target and points refs/tags/name
// at it. Collection peels the ref back to target.
func (r *Repo) CreateAnnotatedTag(name string, target object.Hash, tagger, message string, force bool) (object.Hash, error) {
	name = strings.TrimSpace(name)
	if err := checkRefName("tag", name); err != nil {
		return "", fmt.Errorf("create annotated tag: %w", err)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("create annotated tag: message is required")
	}
	if tagger = strings.TrimSpace(tagger); tagger == "" {
		tagger = "unknown"
	}
	targetType, _, err := r.Store.Read(target)
	if err != nil {
		return "", fmt.Errorf("create annotated tag: read target %s: %w", target, err)
	}
	// Checked up front so a refused tag leaves no tag object behind.
	if !force {
		if _, err := r.ResolveRef("refs/tags/" + name); err == nil {
			return "", fmt.Errorf("create annotated tag: tag %q already exists", name)
		}
	}

	h, err := r.Store.WriteTag(&object.TagObj{
		TargetHash: target,
		Data:       tagPayload(target, targetType, name, tagger, message, time.Now()),
	})
	if err != nil {
		return "", fmt.Errorf("create annotated tag: write tag object: %w", err)
	}
	if err := r.setTag(name, h, force); err != nil {
		return "", fmt.Errorf("create annotated tag: %w", err)
	}
	return h, nil
}

func tagPayload(target object.Hash, targetType object.ObjectType, name, tagger, message string, when time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "object %s\n", target)
	fmt.Fprintf(&b, "type %s\n", targetType)
	fmt.Fprintf(&b, "tag %s\n", name)
	fmt.Fprintf(&b, "tagger %s %d %s\n\n", tagger, when.Unix(), when.Format("-0700"))
	b.WriteString(message + "\n")
	return []byte(b.String())
}

func (r *Repo) setTag(name string, h object.Hash, force bool) error {
	err := r.ApplyRefUpdate(RefUpdate{
		Name:     "refs/tags/" + name,
		New:      h,
		CheckOld: !force,
		Reason:   "tag: " + name,
	})
	if errors.Is(err, ErrRefCASMismatch) {
		return fmt.Errorf("tag %q already exists", name)
	}
	return err
}

// DeleteTag removes a tag, loose or packed.
func (r *Repo) DeleteTag(name string) error {
	name = strings.TrimSpace(name)
	if err := checkRefName("tag", name); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if err := r.DeleteRef("refs/tags/" + name); err != nil {
		return fmt.Errorf("delete tag %q: %w", name, err)
	}
	return nil
}

// ResolveTag returns what refs/tags/name points at: the tag object of an
// annotated tag, the target of a lightweight one.
func (r *Repo) ResolveTag(name string) (object.Hash, error) {
	name = strings.TrimSpace(name)
	if err := checkRefName("tag", name); err != nil {
		return "", fmt.Errorf("resolve tag: %w", err)
	}
	return r.ResolveRef("refs/tags/" + name)
}

// ListTags returns the tag names in sorted order.
func (r *Repo) ListTags() ([]string, error) {
	names, err := r.refNames("tags")
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return names, nil
}

// Tags maps each tag name to the id its ref holds.
func (r *Repo) Tags() (map[string]object.Hash, error) {
	refs, err := r.ListRefs("tags")
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make(map[string]object.Hash, len(refs))
	for full, h := range refs {
		out[strings.TrimPrefix(full, "tags/")] = h
	}
	return out, nil
}
