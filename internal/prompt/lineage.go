package prompt

import (
	"context"
	"fmt"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// Ancestors returns the chain from id's immediate parent toward the root,
// nearest-parent first, truncated at the service's lineage depth limit.
func (s *Service) Ancestors(ctx context.Context, id string) ([]*codepromptu.Prompt, error) {
	p, err := s.store.GetPrompt(ctx, id)
	if err != nil {
		return nil, err
	}

	var out []*codepromptu.Prompt
	cur := p.ParentID
	for i := 0; i < s.maxLineageMax && cur != nil; i++ {
		ancestor, err := s.store.GetPrompt(ctx, *cur)
		if err != nil {
			break
		}
		out = append(out, ancestor)
		cur = ancestor.ParentID
	}
	return out, nil
}

// checkLineage rejects a proposed parent assignment that would make id its
// own ancestor, walking up to the service's depth limit from parentID. id
// is empty during Create, where self-lineage cannot yet occur by
// construction but a cycle through an existing chain still can.
func (s *Service) checkLineage(ctx context.Context, id, parentID string) error {
	if id != "" && parentID == id {
		return fmt.Errorf("%w: parent_id equals id", codepromptu.ErrInvalidInput)
	}

	cur := &parentID
	for i := 0; i < s.maxLineageMax && cur != nil; i++ {
		if id != "" && *cur == id {
			return fmt.Errorf("%w: parent_id forms a cycle", codepromptu.ErrInvalidInput)
		}
		ancestor, err := s.store.GetPrompt(ctx, *cur)
		if err != nil {
			if err == codepromptu.ErrNotFound {
				return fmt.Errorf("%w: parent_id not found", codepromptu.ErrNotFound)
			}
			return err
		}
		cur = ancestor.ParentID
	}
	return nil
}
